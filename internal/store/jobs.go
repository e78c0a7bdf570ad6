package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// CreateJob inserts a new job in the queued state and returns its ID.
// When idempotencyKey is non-empty and a job already carries it, the
// existing job's ID is returned with existing=true and no row is written.
func (s *Store) CreateJob(name string, params json.RawMessage, idempotencyKey string) (string, bool, error) {
	if strings.TrimSpace(name) == "" {
		return "", false, &ValidationError{Msg: "job name is required"}
	}

	if idempotencyKey != "" {
		id, err := s.jobIDByIdempotencyKey(idempotencyKey)
		if err != nil {
			return "", false, err
		}
		if id != "" {
			return id, true, nil
		}
	}

	id := NewJobID()
	now := nowStamp()
	_, err := s.writer.Execute(`
		INSERT INTO jobs (id, name, state, done, total, params, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?)
	`, id, name, StateQueued, nullableText(string(params)), nullableText(idempotencyKey), now, now)
	if err != nil {
		// Two creations raced on the same key; the earlier insert wins and
		// its job is returned to both callers.
		if idempotencyKey != "" && isUniqueViolation(err) {
			existing, selErr := s.jobIDByIdempotencyKey(idempotencyKey)
			if selErr == nil && existing != "" {
				return existing, true, nil
			}
			return "", false, &ConflictError{Msg: fmt.Sprintf("idempotency key %q already in use", idempotencyKey)}
		}
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	return id, false, nil
}

func (s *Store) jobIDByIdempotencyKey(key string) (string, error) {
	var id string
	err := s.db.Read.QueryRow("SELECT id FROM jobs WHERE idempotency_key = ?", key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.Read.QueryRow(`
		SELECT id, name, state, done, total, params, idempotency_key, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "job", ID: id}
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var params, key, errMsg sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.Name, &j.State, &j.Done, &j.Total, &params, &key, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if params.Valid {
		j.Params = json.RawMessage(params.String)
	}
	if key.Valid {
		j.IdempotencyKey = &key.String
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// JobState returns only the current state of a job. The runner polls this
// between chunks as its cancellation check.
func (s *Store) JobState(id string) (string, error) {
	var state string
	err := s.db.Read.QueryRow("SELECT state FROM jobs WHERE id = ?", id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("get job state: %w", err)
	}
	return state, nil
}

// ListRecentJobs returns jobs ordered by creation time descending.
func (s *Store) ListRecentJobs(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Read.Query(`
		SELECT id, name, state, done, total, params, idempotency_key, error_message, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJobProgress persists new counters for a non-terminal job and
// returns the updated snapshot. Updating a terminal job is an anomaly: it
// is logged and nil is returned with no error, and nothing is persisted.
func (s *Store) UpdateJobProgress(id string, done, total int, state string) (*Job, error) {
	if done < 0 || total < 0 {
		return nil, &ValidationError{Msg: "done and total must be non-negative"}
	}
	if total > 0 && done > total {
		return nil, &ValidationError{Msg: "done may not exceed total"}
	}
	if state == "" {
		state = StateRunning
	}

	res, err := s.writer.Execute(`
		UPDATE jobs SET done = ?, total = ?, state = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`, done, total, state, nowStamp(), id, StateQueued, StateRunning)
	if err != nil {
		return nil, fmt.Errorf("update job progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		slog.Warn("progress update on terminal job ignored", "job_id", id, "state", job.State)
		return nil, nil
	}
	return s.GetJob(id)
}

// FinishJob transitions a job to completed or failed. The terminal states
// are absorbing: if the job already reached one, nothing is written and
// won=false is returned, which gives the caller exactly-once finalization.
func (s *Store) FinishJob(id string, success bool, errMsg string) (*Job, bool, error) {
	state := StateCompleted
	if !success {
		state = StateFailed
	}
	res, err := s.writer.Execute(`
		UPDATE jobs SET state = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`, state, nullableText(errMsg), nowStamp(), id, StateQueued, StateRunning)
	if err != nil {
		return nil, false, fmt.Errorf("finish job: %w", err)
	}
	n, _ := res.RowsAffected()
	job, getErr := s.GetJob(id)
	if getErr != nil {
		return nil, false, getErr
	}
	return job, n == 1, nil
}

// CancelJob marks a queued or running job as cancelled. It returns false
// when the job is absent or already terminal; that is a reported
// condition, not an error.
func (s *Store) CancelJob(id string) (*Job, bool, error) {
	res, err := s.writer.Execute(`
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`, StateCancelled, nowStamp(), id, StateQueued, StateRunning)
	if err != nil {
		return nil, false, fmt.Errorf("cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, false, nil
	}
	job, err := s.GetJob(id)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
