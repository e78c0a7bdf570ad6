package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// CreateEvent appends one reversible operation record.
func (s *Store) CreateEvent(eventType, destID, sourceID string, companyIDs []int64) (string, error) {
	if len(companyIDs) == 0 {
		companyIDs = []int64{}
	}
	ids, err := json.Marshal(companyIDs)
	if err != nil {
		return "", fmt.Errorf("encode company ids: %w", err)
	}
	id := NewEventID()
	_, err = s.writer.Execute(`
		INSERT INTO events (id, type, dest_collection_id, source_collection_id, company_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, eventType, destID, nullableText(sourceID), string(ids), nowStamp())
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// LatestEvent returns the most recently created event for a destination
// collection, or nil when none exists.
func (s *Store) LatestEvent(destID string) (*Event, error) {
	var e Event
	var source sql.NullString
	var ids, createdAt string
	err := s.db.Read.QueryRow(`
		SELECT id, type, dest_collection_id, source_collection_id, company_ids, created_at
		FROM events WHERE dest_collection_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, destID).Scan(&e.ID, &e.Type, &e.DestCollectionID, &source, &ids, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	if source.Valid {
		e.SourceCollectionID = &source.String
	}
	if err := json.Unmarshal([]byte(ids), &e.CompanyIDs); err != nil {
		return nil, fmt.Errorf("decode event company ids: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// UndoLastOperation deletes the member IDs recorded by the most recent
// event for a destination collection. It is a best-effort delete: the
// event row itself is left untouched, so a later call will attempt the
// same delete again (a no-op thanks to delete-if-present semantics).
// Returns false when no undoable event exists.
func (s *Store) UndoLastOperation(destID string) (bool, error) {
	event, err := s.LatestEvent(destID)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	removed, err := s.DeleteMembers(destID, event.CompanyIDs)
	if err != nil {
		return false, fmt.Errorf("undo event %s: %w", event.ID, err)
	}

	desc := fmt.Sprintf("Undid %s: removed %d companies", event.Type, removed)
	if err := s.AppendActivity("", "undo", "system", desc, nil); err != nil {
		slog.Warn("record undo activity", "event_id", event.ID, "error", err)
	}
	slog.Info("undo applied", "event_id", event.ID, "collection_id", destID, "removed", removed)
	return true, nil
}
