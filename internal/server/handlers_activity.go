package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// @Summary List the activity feed
// @Tags Activity
// @Produce json
// @Param limit query integer false "Page size (default 20)"
// @Param offset query integer false "Page offset"
// @Param event_type query string false "Filter by event type"
// @Success 200 {object} map[string]interface{}
// @Router /activity [get]
func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	eventType := r.URL.Query().Get("event_type")

	entries, total, hasMore, err := s.store.ListActivity(limit, offset, eventType)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"total":    total,
		"has_more": hasMore,
	})
}

// @Summary Activity summary per event type and day
// @Tags Activity
// @Produce json
// @Param days query integer false "Trailing window in days (default 7)"
// @Success 200 {object} map[string]interface{}
// @Router /activity/stats [get]
func (s *Server) handleActivityStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	stats, err := s.store.ActivityStats(days)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats, "days": days})
}

// @Summary Activity entries for one job
// @Tags Activity
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} map[string]interface{}
// @Router /jobs/{id}/activity [get]
func (s *Server) handleJobActivity(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := s.store.JobActivity(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
