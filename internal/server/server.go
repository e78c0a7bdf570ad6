package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/rollcall/internal/hub"
	"github.com/user/rollcall/internal/runner"
	"github.com/user/rollcall/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	BindAddr   string
	AuthSecret string
}

// Server is the HTTP server for Rollcall.
type Server struct {
	store      *store.Store
	runner     *runner.Manager
	hub        *hub.Hub
	httpServer *http.Server
	router     chi.Router
	authSecret string
}

// New creates a new Server.
func New(s *store.Store, m *runner.Manager, h *hub.Hub, cfg Config) *Server {
	srv := &Server{store: s, runner: m, hub: h, authSecret: cfg.AuthSecret}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Collections and companies
		r.Post("/collections", s.handleCreateCollection)
		r.Get("/collections", s.handleListCollections)
		r.Get("/collections/{id}", s.handleGetCollection)
		r.Get("/collections/{id}/companies", s.handleCollectionCompanies)
		r.Post("/companies", s.handleCreateCompany)

		// Bulk operations
		r.Post("/collections/{id}/companies/bulk-add", s.handleBulkAdd)
		r.Post("/collections/{id}/companies/bulk-remove", s.handleBulkRemove)
		r.Post("/collections/{id}/companies/move", s.handleMove)
		r.Post("/collections/{id}/companies/bulk-add/dry-run", s.handleBulkAddDryRun)
		r.Post("/collections/{id}/undo", s.handleUndo)

		// Jobs
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/progress", s.handleJobProgress)
		r.Get("/jobs/{id}/activity", s.handleJobActivity)

		// Activity feed
		r.Get("/activity", s.handleListActivity)
		r.Get("/activity/stats", s.handleActivityStats)

		// Webhooks
		r.Get("/webhooks", s.handleListWebhooks)
		r.Post("/webhooks", s.handleUpsertWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeStoreError maps typed store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
