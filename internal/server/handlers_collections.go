package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type createCollectionRequest struct {
	Name string `json:"collection_name"`
}

type createCompanyRequest struct {
	Name string `json:"company_name"`
}

// @Summary Create a collection
// @Tags Collections
// @Accept json
// @Produce json
// @Success 201 {object} map[string]string
// @Router /collections [post]
func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_REQUEST")
		return
	}
	id, err := s.store.CreateCollection(strings.TrimSpace(req.Name))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// @Summary List collections
// @Tags Collections
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /collections [get]
func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	collections, err := s.store.ListCollections()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": collections})
}

// @Summary Get a collection
// @Tags Collections
// @Produce json
// @Param id path string true "Collection ID"
// @Success 200 {object} store.Collection
// @Failure 404 {object} map[string]string
// @Router /collections/{id} [get]
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.CollectionByID(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// @Summary Page through a collection's companies
// @Tags Collections
// @Produce json
// @Param id path string true "Collection ID"
// @Param offset query integer false "Page offset"
// @Param limit query integer false "Page size (default 10)"
// @Success 200 {object} map[string]interface{}
// @Router /collections/{id}/companies [get]
func (s *Server) handleCollectionCompanies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.CollectionByID(id); err != nil {
		writeStoreError(w, err)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 10)
	companies, total, err := s.store.CollectionMembersPage(id, offset, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"companies": companies,
		"total":     total,
		"offset":    offset,
		"limit":     limit,
	})
}

// @Summary Create a company
// @Tags Collections
// @Accept json
// @Produce json
// @Success 201 {object} map[string]interface{}
// @Router /companies [post]
func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_REQUEST")
		return
	}
	id, err := s.store.CreateCompany(strings.TrimSpace(req.Name))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}
