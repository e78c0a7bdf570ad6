package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// CreateCollection inserts a collection and returns its ID.
func (s *Store) CreateCollection(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &ValidationError{Msg: "collection name is required"}
	}
	id := NewCollectionID()
	_, err := s.writer.Execute(
		"INSERT INTO collections (id, collection_name, created_at) VALUES (?, ?, ?)",
		id, name, nowStamp(),
	)
	if err != nil {
		return "", fmt.Errorf("insert collection: %w", err)
	}
	return id, nil
}

// CollectionByID returns a collection by ID.
func (s *Store) CollectionByID(id string) (*Collection, error) {
	var c Collection
	var createdAt string
	err := s.db.Read.QueryRow(
		"SELECT id, collection_name, created_at FROM collections WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "collection", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// ListCollections returns all collections ordered by creation time.
func (s *Store) ListCollections() ([]Collection, error) {
	rows, err := s.db.Read.Query("SELECT id, collection_name, created_at FROM collections ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	out := []Collection{}
	for rows.Next() {
		var c Collection
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCompany inserts a company and returns its numeric ID.
func (s *Store) CreateCompany(name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, &ValidationError{Msg: "company name is required"}
	}
	res, err := s.writer.Execute(
		"INSERT INTO companies (company_name, created_at) VALUES (?, ?)", name, nowStamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert company: %w", err)
	}
	return res.LastInsertId()
}

// CollectionMembersPage returns one page of a collection's companies plus
// the total membership count.
func (s *Store) CollectionMembersPage(collectionID string, offset, limit int) ([]Company, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	total, err := s.CountMembers(collectionID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Read.Query(`
		SELECT c.id, c.company_name, c.created_at
		FROM collection_members m JOIN companies c ON c.id = m.company_id
		WHERE m.collection_id = ?
		ORDER BY m.id LIMIT ? OFFSET ?
	`, collectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list collection members: %w", err)
	}
	defer rows.Close()

	companies := []Company{}
	for rows.Next() {
		var c Company
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan company: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		companies = append(companies, c)
	}
	return companies, total, rows.Err()
}
