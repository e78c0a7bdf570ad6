package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/rollcall/internal/hub"
	"github.com/user/rollcall/internal/store"
)

const sseKeepaliveInterval = 30 * time.Second

// @Summary Stream job progress
// @Description SSE stream of progress payloads for one job. Emits a keepalive comment when the job is idle and ends after the terminal event.
// @Tags Jobs
// @Produce text/event-stream
// @Param id path string true "Job ID"
// @Success 200 "SSE progress stream"
// @Failure 404 {object} map[string]string
// @Router /jobs/{id}/progress [get]
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if store.IsTerminal(job.State) {
		writeProgressEvent(w, payloadForJob(job))
		flusher.Flush()
		return
	}

	sub := s.hub.Subscribe(jobID)
	defer s.hub.Unsubscribe(jobID, sub)

	// The job may have finished between the lookup and the subscription.
	// Re-check so the terminal event is never missed.
	if job, err = s.store.GetJob(jobID); err == nil && store.IsTerminal(job.State) {
		writeProgressEvent(w, payloadForJob(job))
		flusher.Flush()
		return
	}

	ctx := r.Context()
	for {
		p, ok := sub.Next(ctx, sseKeepaliveInterval)
		if !ok {
			return
		}
		if p.Type == "keepalive" {
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
			continue
		}
		writeProgressEvent(w, p)
		flusher.Flush()
		if store.IsTerminal(p.State) {
			return
		}
	}
}

func payloadForJob(j *store.Job) hub.Payload {
	p := hub.Payload{
		Done:     j.Done,
		Total:    j.Total,
		State:    j.State,
		Progress: j.Progress(),
	}
	if j.ErrorMessage != nil {
		p.Error = *j.ErrorMessage
	}
	if j.State == store.StateCompleted {
		p.Progress = 100
	}
	return p
}

func writeProgressEvent(w http.ResponseWriter, p hub.Payload) {
	evType := "progress"
	if store.IsTerminal(p.State) {
		evType = p.State
	}
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evType, body)
}
