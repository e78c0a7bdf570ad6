package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/rollcall/internal/runner"
	"github.com/user/rollcall/internal/store"
)

type bulkRequest struct {
	CompanyIDs         []int64 `json:"company_ids"`
	SelectAll          bool    `json:"select_all"`
	SourceCollectionID string  `json:"source_collection_id"`
	IdempotencyKey     string  `json:"idempotency_key"`
}

type jobAcceptedResponse struct {
	JobID            string  `json:"job_id"`
	Existing         bool    `json:"existing"`
	Total            int     `json:"total"`
	ChunkSize        int     `json:"chunk_size"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
}

type jobStatusResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Done         int     `json:"done"`
	Total        int     `json:"total"`
	Progress     float64 `json:"progress"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

func jobStatus(j *store.Job) jobStatusResponse {
	resp := jobStatusResponse{
		ID:        j.ID,
		Name:      j.Name,
		State:     j.State,
		Done:      j.Done,
		Total:     j.Total,
		Progress:  j.Progress(),
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.ErrorMessage != nil {
		resp.ErrorMessage = *j.ErrorMessage
	}
	return resp
}

// estimate derives the advised chunk size and a rough wall-clock estimate
// for a run of the given size: one pacing delay per batch plus the write
// cost itself.
func (s *Server) estimate(op string, total int) (int, float64) {
	chunkSize := s.store.OptimalChunkSize(op, total)
	if total <= 0 {
		return chunkSize, 0
	}
	chunks := (total + chunkSize - 1) / chunkSize
	return chunkSize, float64(chunks)*0.1 + float64(total)*0.0001
}

// buildAddParams validates a bulk-add style request and resolves it to
// either an explicit ID list or a set-based whole-collection operation.
func (s *Server) buildAddParams(w http.ResponseWriter, r *http.Request) (*runner.Params, string, bool) {
	destID := chi.URLParam(r, "id")
	if _, err := s.store.CollectionByID(destID); err != nil {
		writeStoreError(w, err)
		return nil, "", false
	}
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_REQUEST")
		return nil, "", false
	}

	p := &runner.Params{Version: 1, DestCollectionID: destID}
	if req.SelectAll {
		srcID := strings.TrimSpace(req.SourceCollectionID)
		if srcID == "" {
			writeError(w, http.StatusBadRequest, "source_collection_id is required with select_all", "INVALID_REQUEST")
			return nil, "", false
		}
		if _, err := s.store.CollectionByID(srcID); err != nil {
			writeStoreError(w, err)
			return nil, "", false
		}
		p.Op = store.OpBulkAddAll
		p.SourceCollectionID = srcID
	} else {
		if len(req.CompanyIDs) == 0 {
			writeError(w, http.StatusBadRequest, "company_ids is required", "INVALID_REQUEST")
			return nil, "", false
		}
		p.Op = store.OpBulkAddSelected
		p.CompanyIDs = req.CompanyIDs
	}
	return p, req.IdempotencyKey, true
}

// @Summary Bulk-add companies to a collection
// @Description Creates an asynchronous job that adds companies either from an explicit ID list or from an entire source collection (select_all).
// @Tags Bulk
// @Accept json
// @Produce json
// @Param id path string true "Destination collection ID"
// @Success 202 {object} jobAcceptedResponse
// @Router /collections/{id}/companies/bulk-add [post]
func (s *Server) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	p, key, ok := s.buildAddParams(w, r)
	if !ok {
		return
	}
	s.acceptJob(w, r, "bulk_add", p, key, len(p.CompanyIDs))
}

// @Summary Bulk-remove companies from a collection
// @Tags Bulk
// @Accept json
// @Produce json
// @Param id path string true "Collection ID"
// @Success 202 {object} jobAcceptedResponse
// @Router /collections/{id}/companies/bulk-remove [post]
func (s *Server) handleBulkRemove(w http.ResponseWriter, r *http.Request) {
	destID := chi.URLParam(r, "id")
	if _, err := s.store.CollectionByID(destID); err != nil {
		writeStoreError(w, err)
		return
	}
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_REQUEST")
		return
	}
	if len(req.CompanyIDs) == 0 {
		writeError(w, http.StatusBadRequest, "company_ids is required", "INVALID_REQUEST")
		return
	}
	p := &runner.Params{
		Version:          1,
		Op:               store.OpBulkRemoveSelected,
		DestCollectionID: destID,
		CompanyIDs:       req.CompanyIDs,
	}
	s.acceptJob(w, r, "bulk_remove", p, req.IdempotencyKey, len(req.CompanyIDs))
}

// @Summary Move companies between collections
// @Description Adds companies to the destination and removes them from the source in one job. An empty company_ids moves the whole source.
// @Tags Bulk
// @Accept json
// @Produce json
// @Param id path string true "Destination collection ID"
// @Success 202 {object} jobAcceptedResponse
// @Router /collections/{id}/companies/move [post]
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	destID := chi.URLParam(r, "id")
	if _, err := s.store.CollectionByID(destID); err != nil {
		writeStoreError(w, err)
		return
	}
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_REQUEST")
		return
	}
	srcID := strings.TrimSpace(req.SourceCollectionID)
	if srcID == "" {
		writeError(w, http.StatusBadRequest, "source_collection_id is required", "INVALID_REQUEST")
		return
	}
	if _, err := s.store.CollectionByID(srcID); err != nil {
		writeStoreError(w, err)
		return
	}
	if srcID == destID {
		writeError(w, http.StatusBadRequest, "source and destination collections must differ", "INVALID_REQUEST")
		return
	}
	p := &runner.Params{
		Version:            1,
		Op:                 store.OpBulkMove,
		DestCollectionID:   destID,
		SourceCollectionID: srcID,
		CompanyIDs:         req.CompanyIDs,
	}
	total := len(req.CompanyIDs)
	if total == 0 {
		if n, err := s.store.CountMembers(srcID); err == nil {
			total = n
		}
	}
	s.acceptJob(w, r, "bulk_move", p, req.IdempotencyKey, total)
}

func (s *Server) acceptJob(w http.ResponseWriter, r *http.Request, name string, p *runner.Params, idempotencyKey string, total int) {
	if p.Op == store.OpBulkAddAll {
		if n, err := s.store.CountMembers(p.SourceCollectionID); err == nil {
			total = n
		}
	}
	jobID, existing, err := s.runner.CreateJob(name, p, idempotencyKey)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("job accepted",
		"job_id", jobID,
		"op", p.Op,
		"existing", existing,
		"actor", subjectFromContext(r.Context()),
	)
	chunkSize, seconds := s.estimate(p.Op, total)
	writeJSON(w, http.StatusAccepted, jobAcceptedResponse{
		JobID:            jobID,
		Existing:         existing,
		Total:            total,
		ChunkSize:        chunkSize,
		EstimatedSeconds: seconds,
	})
}

// @Summary Dry-run a bulk add
// @Description Reports how many of the requested companies are already members and what the job would look like, without creating one.
// @Tags Bulk
// @Accept json
// @Produce json
// @Param id path string true "Destination collection ID"
// @Success 200 {object} map[string]interface{}
// @Router /collections/{id}/companies/bulk-add/dry-run [post]
func (s *Server) handleBulkAddDryRun(w http.ResponseWriter, r *http.Request) {
	p, _, ok := s.buildAddParams(w, r)
	if !ok {
		return
	}

	var total, existing int
	var err error
	switch p.Op {
	case store.OpBulkAddAll:
		total, err = s.store.CountMembers(p.SourceCollectionID)
		if err == nil {
			var srcIDs []int64
			srcIDs, err = s.store.MemberIDs(p.SourceCollectionID)
			if err == nil && len(srcIDs) > 0 {
				existing, err = s.store.CountExistingMembers(p.DestCollectionID, srcIDs)
			}
		}
	default:
		total = len(p.CompanyIDs)
		existing, err = s.store.CountExistingMembers(p.DestCollectionID, p.CompanyIDs)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	chunkSize, seconds := s.estimate(p.Op, total)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"op":                p.Op,
		"total":             total,
		"already_members":   existing,
		"to_insert":         total - existing,
		"chunk_size":        chunkSize,
		"estimated_seconds": seconds,
	})
}

// @Summary Get job status
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} jobStatusResponse
// @Failure 404 {object} map[string]string
// @Router /jobs/{id} [get]
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatus(job))
}

// @Summary List recent jobs
// @Tags Jobs
// @Produce json
// @Param limit query integer false "Max jobs to return (default 20)"
// @Success 200 {object} map[string]interface{}
// @Router /jobs [get]
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	jobs, err := s.store.ListRecentJobs(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]jobStatusResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobStatus(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

// @Summary Cancel a job
// @Description Requests cooperative cancellation. Already-terminal jobs are not cancellable.
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} jobStatusResponse
// @Failure 409 {object} map[string]string
// @Router /jobs/{id}/cancel [post]
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.runner.Cancel(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	job, getErr := s.store.GetJob(id)
	if getErr != nil {
		writeStoreError(w, getErr)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job is not cancellable", "NOT_CANCELLABLE")
		return
	}
	writeJSON(w, http.StatusOK, jobStatus(job))
}

// @Summary Undo the last bulk operation on a collection
// @Description Removes the companies recorded by the collection's most recent event. The event itself is kept for audit.
// @Tags Bulk
// @Produce json
// @Param id path string true "Collection ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /collections/{id}/undo [post]
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	destID := chi.URLParam(r, "id")
	if _, err := s.store.CollectionByID(destID); err != nil {
		writeStoreError(w, err)
		return
	}
	undone, err := s.store.UndoLastOperation(destID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !undone {
		writeError(w, http.StatusNotFound, "nothing to undo", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"undone": true})
}
