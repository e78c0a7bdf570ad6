package store

import (
	"encoding/json"
	"time"
)

// Job states
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// IsTerminal reports whether a job state is absorbing.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Operation types for bulk membership mutations.
const (
	OpBulkAddSelected    = "bulk_add_selected"
	OpBulkAddAll         = "bulk_add_all"
	OpBulkRemoveSelected = "bulk_remove_selected"
	OpBulkMove           = "bulk_move"
)

// Event types recorded for undo.
const (
	EventAddCompanies    = "add_companies"
	EventRemoveCompanies = "remove_companies"
	EventMoveCompanies   = "move_companies"
)

// Static chunk-size fallbacks used when no qualifying SLO history exists.
const (
	DefaultChunkSetBased = 10000
	DefaultChunkDiscrete = 2000
)

// Job is one tracked bulk mutation request.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	State          string          `json:"state"`
	Done           int             `json:"done"`
	Total          int             `json:"total"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Progress returns done/total as a percentage, or 0 when total is 0.
func (j *Job) Progress() float64 {
	if j.Total > 0 {
		return float64(j.Done) / float64(j.Total) * 100
	}
	return 0
}

// Event is a reversible operation record.
type Event struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	DestCollectionID   string    `json:"dest_collection_id"`
	SourceCollectionID *string   `json:"source_collection_id,omitempty"`
	CompanyIDs         []int64   `json:"company_ids"`
	CreatedAt          time.Time `json:"created_at"`
}

// ActivityEntry is one human-readable audit feed row.
type ActivityEntry struct {
	ID          string          `json:"id"`
	JobID       *string         `json:"job_id,omitempty"`
	EventType   string          `json:"event_type"`
	Actor       *string         `json:"actor,omitempty"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ActivityStat is one row of the per-day activity summary.
type ActivityStat struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
	Date      string `json:"date"`
}

// SLOSample is one historical throughput observation.
type SLOSample struct {
	ID              int64     `json:"id"`
	OperationType   string    `json:"operation_type"`
	RecordCount     int       `json:"record_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	ChunkSize       int       `json:"chunk_size"`
	Throughput      float64   `json:"throughput_per_second"`
	CreatedAt       time.Time `json:"created_at"`
}

// Collection is a named set of member companies.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"collection_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Company is a record that can belong to collections.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"company_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook is a delivery target for terminal job notifications.
type Webhook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
