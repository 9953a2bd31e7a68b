// Package api is the HTTP/WebSocket peripheral of SPEC_FULL.md §6: read-only
// job/run/wfo lookups over internal/persistence, a prometheus /metrics
// endpoint, and one WebSocket stream fed by internal/eventbus. Grounded on
// the teacher's internal/api/server.go for the mux.Router + cors.Handler +
// http.Server shape, generalized from the teacher's backtester/data-store
// coupling to this spec's persistence store and event bus.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	log        *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	store      *persistence.Store
	bus        *eventbus.Bus
}

// NewServer constructs a Server. bus may be nil, in which case /ws answers
// 503 Service Unavailable without upgrading the connection.
func NewServer(log *zap.Logger, config *types.ServerConfig, store *persistence.Store, bus *eventbus.Bus, reg *metrics.Registry) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:    log,
		config: config,
		router: mux.NewRouter(),
		store:  store,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes(reg)
	return s
}

// Router exposes the configured mux.Router for tests to wrap in
// httptest.NewServer without going through Start/Stop.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes(reg *metrics.Registry) {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/jobs/{id}/runs", s.handleJobRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleRunByID).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/wfo/{id}", s.handleWfoRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	if reg != nil {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// Start blocks serving HTTP until the server is stopped or fails.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info("api: starting server", zap.String("addr", s.config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListJobs backs GET /api/v1/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListOptimizationJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJobRuns backs GET /api/v1/jobs/{id}/runs.
func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	candidates, err := s.store.RunsForJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "runs": candidates})
}

// handleRunByID backs GET /api/v1/runs/{id}.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	candidate, err := s.store.RunByID(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, candidate)
}

// handleWfoRuns backs GET /api/v1/wfo/{id}.
func (s *Server) handleWfoRuns(w http.ResponseWriter, r *http.Request) {
	wfoJobID := mux.Vars(r)["id"]
	walks, candidates, err := s.store.WfoRunsForJob(r.Context(), wfoJobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"walks": walks, "oos_runs": candidates})
}
