package store

import (
	"fmt"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

// seedCollection creates a collection plus n companies and returns both.
// The companies are not added as members.
func seedCollection(t *testing.T, s *Store, n int) (string, []int64) {
	t.Helper()
	collectionID, err := s.CreateCollection(fmt.Sprintf("test collection %s", t.Name()))
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.CreateCompany(fmt.Sprintf("company %d", i))
		if err != nil {
			t.Fatalf("CreateCompany: %v", err)
		}
		ids = append(ids, id)
	}
	return collectionID, ids
}
