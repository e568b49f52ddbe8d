package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/archive"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/health"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/monitor"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/orchestrator"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
)

// Orchestrator is the part of the orchestrator the API drives
type Orchestrator interface {
	RunResearch(ctx context.Context, req orchestrator.Request) (*orchestrator.ResearchResult, error)
	IngestEvidence(ctx context.Context, runID string, items []evidence.Evidence) (evidence.IngestResult, error)
	Health(runID string) (monitor.Health, bool)
	ActiveRuns() []string
	Hub() *monitor.Hub
}

// RunStore reads archived runs
type RunStore interface {
	Run(ctx context.Context, runID string) (*archive.RunRecord, error)
	RunEvidence(ctx context.Context, runID string) ([]archive.EvidenceRow, error)
}

// QueueStats reports job queue counters
type QueueStats interface {
	Stats() map[string]queue.Stats
}

// BreakerSnapshots reports circuit breaker state
type BreakerSnapshots interface {
	Snapshots() []circuitbreaker.Snapshot
}

// Readiness probes external dependencies
type Readiness interface {
	Check(ctx context.Context) health.Report
}

// Deps are the collaborators of the API. Only Orchestrator is required.
type Deps struct {
	Orchestrator Orchestrator
	Archive      RunStore
	Queues       QueueStats
	Breakers     BreakerSnapshots
	Readiness    Readiness
}

// Server serves the research API
type Server struct {
	deps   Deps
	logger *zap.Logger
	router *chi.Mux
}

// maxBodyBytes caps request bodies
const maxBodyBytes = 10 << 20

// New builds the router
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger, router: chi.NewRouter()}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", s.handleLiveness)
	s.router.Get("/readyz", s.handleReadiness)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/research", s.handleResearch)
		r.Get("/runs/{runID}", s.handleRun)
		r.Post("/runs/{runID}/evidence", s.handleIngest)
		r.Get("/runs/{runID}/evidence", s.handleRunEvidence)
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleEvents)
	})
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
		return
	}
	rep := s.deps.Readiness.Check(r.Context())
	status := http.StatusOK
	if !rep.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// handleRun returns live health for an active run, otherwise the archived summary.
// GET /v1/runs/{runID}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if h, ok := s.deps.Orchestrator.Health(runID); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id": runID,
			"active": true,
			"health": h,
		})
		return
	}
	if s.deps.Archive == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	rec, err := s.deps.Archive.Run(r.Context(), runID)
	if err != nil {
		s.archiveError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"active": false,
		"run":    rec,
	})
}

// GET /v1/runs/{runID}/evidence
func (s *Server) handleRunEvidence(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	rows, err := s.deps.Archive.RunEvidence(r.Context(), runID)
	if err != nil {
		s.archiveError(w, runID, err)
		return
	}
	if len(rows) == 0 {
		if _, err := s.deps.Archive.Run(r.Context(), runID); err != nil {
			s.archiveError(w, runID, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   runID,
		"count":    len(rows),
		"evidence": rows,
	})
}

func (s *Server) archiveError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("Archive read failed", zap.String("run_id", runID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "archive read failed")
}

// handleHealth aggregates the health of active runs with breaker and queue state.
// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := monitor.StatusHealthy
	runs := make([]monitor.Health, 0)
	for _, id := range s.deps.Orchestrator.ActiveRuns() {
		h, ok := s.deps.Orchestrator.Health(id)
		if !ok {
			continue
		}
		runs = append(runs, h)
		status = worse(status, h.Status)
	}
	resp := map[string]interface{}{
		"status": status,
		"runs":   runs,
	}
	if s.deps.Breakers != nil {
		snaps := s.deps.Breakers.Snapshots()
		for _, b := range snaps {
			if b.State == circuitbreaker.StateOpen.String() {
				status = worse(status, monitor.StatusDegraded)
			}
		}
		resp["status"] = status
		resp["breakers"] = snaps
	}
	if s.deps.Queues != nil {
		resp["queues"] = s.deps.Queues.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func worse(a, b monitor.Status) monitor.Status {
	rank := map[monitor.Status]int{monitor.StatusHealthy: 0, monitor.StatusDegraded: 1, monitor.StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
