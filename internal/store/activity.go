package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendActivity adds one audit feed entry. Entries are append-only and
// never mutated or deleted.
func (s *Store) AppendActivity(jobID, eventType, actor, description string, metadata json.RawMessage) error {
	meta := sql.NullString{}
	if len(metadata) > 0 {
		meta = sql.NullString{String: string(metadata), Valid: true}
	}
	_, err := s.writer.Execute(`
		INSERT INTO activity_feed (id, job_id, event_type, actor, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, NewActivityID(), nullableText(jobID), eventType, nullableText(actor), description, meta, nowStamp())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns a page of the feed ordered newest first, the total
// matching count, and whether more entries follow the page.
func (s *Store) ListActivity(limit, offset int, eventType string) ([]ActivityEntry, int, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []interface{}{}
	if eventType != "" {
		where = " WHERE event_type = ?"
		args = append(args, eventType)
	}

	var total int
	if err := s.db.Read.QueryRow("SELECT COUNT(*) FROM activity_feed"+where, args...).Scan(&total); err != nil {
		return nil, 0, false, fmt.Errorf("count activity: %w", err)
	}

	// Fetch one extra row to detect a following page.
	args = append(args, limit+1, offset)
	rows, err := s.db.Read.Query(`
		SELECT id, job_id, event_type, actor, description, metadata, created_at
		FROM activity_feed`+where+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, 0, false, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	entries, err := scanActivity(rows)
	if err != nil {
		return nil, 0, false, err
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, total, hasMore, nil
}

// JobActivity returns all feed entries for one job, newest first.
func (s *Store) JobActivity(jobID string) ([]ActivityEntry, error) {
	rows, err := s.db.Read.Query(`
		SELECT id, job_id, event_type, actor, description, metadata, created_at
		FROM activity_feed WHERE job_id = ?
		ORDER BY created_at DESC, id DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job activity: %w", err)
	}
	defer rows.Close()
	return scanActivity(rows)
}

func scanActivity(rows *sql.Rows) ([]ActivityEntry, error) {
	entries := []ActivityEntry{}
	for rows.Next() {
		var e ActivityEntry
		var jobID, actor, meta sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &jobID, &e.EventType, &actor, &e.Description, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if jobID.Valid {
			e.JobID = &jobID.String
		}
		if actor.Valid {
			e.Actor = &actor.String
		}
		if meta.Valid {
			e.Metadata = json.RawMessage(meta.String)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ActivityStats summarizes feed entries per event type and day over the
// trailing N days.
func (s *Store) ActivityStats(days int) ([]ActivityStat, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.Read.Query(fmt.Sprintf(`
		SELECT event_type, COUNT(*) AS count, date(created_at) AS day
		FROM activity_feed
		WHERE created_at > strftime('%%Y-%%m-%%dT%%H:%%M:%%f', 'now', '-%d days')
		GROUP BY event_type, date(created_at)
		ORDER BY day DESC, count DESC
	`, days))
	if err != nil {
		return nil, fmt.Errorf("activity stats: %w", err)
	}
	defer rows.Close()

	stats := []ActivityStat{}
	for rows.Next() {
		var st ActivityStat
		if err := rows.Scan(&st.EventType, &st.Count, &st.Date); err != nil {
			return nil, fmt.Errorf("scan activity stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
