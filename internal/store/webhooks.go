package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ListWebhooks returns all configured webhooks.
func (s *Store) ListWebhooks() ([]Webhook, error) {
	rows, err := s.db.Read.Query(`
		SELECT id, url, events, secret, enabled, created_at
		FROM webhooks ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	out := []Webhook{}
	for rows.Next() {
		var w Webhook
		var eventsJSON, createdAt string
		var enabled int
		if err := rows.Scan(&w.ID, &w.URL, &eventsJSON, &w.Secret, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.Enabled = enabled == 1
		w.CreatedAt = parseTime(createdAt)
		if strings.TrimSpace(eventsJSON) != "" {
			_ = json.Unmarshal([]byte(eventsJSON), &w.Events)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpsertWebhook creates or updates a webhook configuration.
func (s *Store) UpsertWebhook(in Webhook) (Webhook, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = NewWebhookID()
	}
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		return Webhook{}, &ValidationError{Msg: "url is required"}
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return Webhook{}, &ValidationError{Msg: "url must start with http:// or https://"}
	}
	if len(in.Events) == 0 {
		in.Events = []string{"*"}
	}
	eventsJSON, _ := json.Marshal(in.Events)
	_, err := s.writer.Execute(`
		INSERT INTO webhooks (id, url, events, secret, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			events = excluded.events,
			secret = excluded.secret,
			enabled = excluded.enabled
	`, in.ID, in.URL, string(eventsJSON), in.Secret, boolToInt(in.Enabled), nowStamp())
	if err != nil {
		return Webhook{}, fmt.Errorf("upsert webhook: %w", err)
	}
	return in, nil
}

// DeleteWebhook removes a webhook configuration.
func (s *Store) DeleteWebhook(id string) error {
	_, err := s.writer.Execute("DELETE FROM webhooks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
