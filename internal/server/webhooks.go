package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/rollcall/internal/store"
)

// Dispatcher delivers terminal job notifications to configured webhooks.
// Delivery is fire-and-forget: failures are logged and never surface to
// the job that triggered them.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
}

// NewDispatcher creates a webhook dispatcher backed by the given store.
func NewDispatcher(s *store.Store) *Dispatcher {
	return &Dispatcher{
		store:  s,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// JobFinished fans a terminal job event out to every matching webhook.
func (d *Dispatcher) JobFinished(job *store.Job) {
	hooks, err := d.store.ListWebhooks()
	if err != nil {
		slog.Warn("list webhooks", "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	evType := "job." + job.State
	for _, h := range hooks {
		if !h.Enabled || !webhookMatchesEvent(h.Events, evType) {
			continue
		}
		go d.deliver(h, evType, job)
	}
}

func webhookMatchesEvent(events []string, typ string) bool {
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "*" || strings.EqualFold(e, typ) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(h store.Webhook, evType string, job *store.Job) {
	payload := map[string]interface{}{
		"webhook_id": h.ID,
		"type":       evType,
		"job":        job,
		"sent_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("encode webhook payload", "webhook_id", h.ID, "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("build webhook request", "webhook_id", h.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rollcall-Webhook-ID", h.ID)
	req.Header.Set("X-Rollcall-Webhook-Event", evType)
	if h.Secret != "" {
		sig := hmac.New(sha256.New, []byte(h.Secret))
		_, _ = sig.Write(body)
		req.Header.Set("X-Rollcall-Signature", "sha256="+hex.EncodeToString(sig.Sum(nil)))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "webhook_id", h.ID, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("webhook delivery rejected", "webhook_id", h.ID, "status", resp.StatusCode)
	}
}

// Handlers

// @Summary List webhooks
// @Tags Webhooks
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /webhooks [get]
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": hooks})
}

// @Summary Create or update a webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} store.Webhook
// @Router /webhooks [post]
func (s *Server) handleUpsertWebhook(w http.ResponseWriter, r *http.Request) {
	var in store.Webhook
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_REQUEST")
		return
	}
	out, err := s.store.UpsertWebhook(in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// @Summary Delete a webhook
// @Tags Webhooks
// @Param id path string true "Webhook ID"
// @Success 200 {object} map[string]interface{}
// @Router /webhooks/{id} [delete]
func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhook(chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
