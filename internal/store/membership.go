package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertMembers adds the given companies to a collection in one
// insert-if-absent statement. Companies already present are skipped; the
// returned count is the number of rows actually inserted.
func (s *Store) InsertMembers(collectionID string, companyIDs []int64) (int64, error) {
	if len(companyIDs) == 0 {
		return 0, nil
	}
	ids, err := json.Marshal(companyIDs)
	if err != nil {
		return 0, fmt.Errorf("encode company ids: %w", err)
	}
	res, err := s.writer.Execute(`
		INSERT OR IGNORE INTO collection_members (collection_id, company_id, created_at)
		SELECT ?, value, ? FROM json_each(?)
	`, collectionID, nowStamp(), string(ids))
	if err != nil {
		return 0, fmt.Errorf("insert members: %w", err)
	}
	return res.RowsAffected()
}

// CopyMembers copies every member of the source collection into the
// destination in a single set-based statement, skipping members already
// present.
func (s *Store) CopyMembers(destID, sourceID string) (int64, error) {
	res, err := s.writer.Execute(`
		INSERT OR IGNORE INTO collection_members (collection_id, company_id, created_at)
		SELECT ?, company_id, ? FROM collection_members WHERE collection_id = ?
	`, destID, nowStamp(), sourceID)
	if err != nil {
		return 0, fmt.Errorf("copy members: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMembers removes the given companies from a collection. Missing
// rows are ignored, so the delete is idempotent.
func (s *Store) DeleteMembers(collectionID string, companyIDs []int64) (int64, error) {
	if len(companyIDs) == 0 {
		return 0, nil
	}
	ids, err := json.Marshal(companyIDs)
	if err != nil {
		return 0, fmt.Errorf("encode company ids: %w", err)
	}
	res, err := s.writer.Execute(`
		DELETE FROM collection_members
		WHERE collection_id = ? AND company_id IN (SELECT value FROM json_each(?))
	`, collectionID, string(ids))
	if err != nil {
		return 0, fmt.Errorf("delete members: %w", err)
	}
	return res.RowsAffected()
}

// MoveMembers adds the given companies to the destination and removes them
// from the source in one transaction, so a failed batch leaves both
// collections untouched. The returned count is the number of rows removed
// from the source.
func (s *Store) MoveMembers(destID, sourceID string, companyIDs []int64) (int64, error) {
	if len(companyIDs) == 0 {
		return 0, nil
	}
	ids, err := json.Marshal(companyIDs)
	if err != nil {
		return 0, fmt.Errorf("encode company ids: %w", err)
	}
	var moved int64
	err = s.writer.ExecuteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO collection_members (collection_id, company_id, created_at)
			SELECT ?, value, ? FROM json_each(?)
		`, destID, nowStamp(), string(ids)); err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
		res, err := tx.Exec(`
			DELETE FROM collection_members
			WHERE collection_id = ? AND company_id IN (SELECT value FROM json_each(?))
		`, sourceID, string(ids))
		if err != nil {
			return fmt.Errorf("delete members: %w", err)
		}
		moved, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("move members: %w", err)
	}
	return moved, nil
}

// CountMembers returns the membership size of a collection.
func (s *Store) CountMembers(collectionID string) (int, error) {
	var n int
	err := s.db.Read.QueryRow(
		"SELECT COUNT(*) FROM collection_members WHERE collection_id = ?", collectionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

// CountExistingMembers returns how many of the given companies are already
// members of the collection.
func (s *Store) CountExistingMembers(collectionID string, companyIDs []int64) (int, error) {
	if len(companyIDs) == 0 {
		return 0, nil
	}
	ids, err := json.Marshal(companyIDs)
	if err != nil {
		return 0, fmt.Errorf("encode company ids: %w", err)
	}
	var n int
	err = s.db.Read.QueryRow(`
		SELECT COUNT(*) FROM collection_members
		WHERE collection_id = ? AND company_id IN (SELECT value FROM json_each(?))
	`, collectionID, string(ids)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count existing members: %w", err)
	}
	return n, nil
}

// MemberIDs returns every company ID in a collection in insertion order.
func (s *Store) MemberIDs(collectionID string) ([]int64, error) {
	rows, err := s.db.Read.Query(
		"SELECT company_id FROM collection_members WHERE collection_id = ? ORDER BY id", collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IsMember reports whether a company belongs to a collection.
func (s *Store) IsMember(collectionID string, companyID int64) (bool, error) {
	var n int
	err := s.db.Read.QueryRow(
		"SELECT COUNT(*) FROM collection_members WHERE collection_id = ? AND company_id = ?",
		collectionID, companyID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}
