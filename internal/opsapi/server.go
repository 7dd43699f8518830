// Package opsapi exposes a running engine over HTTP: health, Prometheus
// metrics, the agent directory with belief snapshots, the run summary and a
// live record stream.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/circuitbreaker"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/metrics"
	"github.com/ocx/trafficmesh/internal/sim"
)

// Engine is the read surface of sim.Engine the endpoints use.
type Engine interface {
	RunID() string
	Tick() int
	Agents(role messaging.Role) []bdi.Snapshot
	Agent(id string) (bdi.Snapshot, bool)
	Report() sim.Report
	LastKPI() sim.KPI
	Metrics() *metrics.Metrics
}

// SinkHealth reports the breaker state of each record sink.
type SinkHealth interface {
	Health() []circuitbreaker.Stats
	Healthy() bool
}

// Server routes the ops endpoints.
type Server struct {
	engine Engine
	sinks  SinkHealth
	stream http.Handler
	router *mux.Router
	logger *slog.Logger
}

// NewServer builds the router. sinks and stream may be nil.
func NewServer(engine Engine, sinks SinkHealth, stream http.Handler) *Server {
	s := &Server{
		engine: engine,
		sinks:  sinks,
		stream: stream,
		router: mux.NewRouter(),
		logger: slog.Default().With("component", "opsapi"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if m := s.engine.Metrics(); m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", s.handleAgent).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/kpi", s.handleKPI).Methods(http.MethodGet)
	if s.stream != nil {
		r.Handle("/stream", s.stream)
	}
}

// WithRateLimit rejects clients exceeding perMinute requests with 429.
func (s *Server) WithRateLimit(perMinute int) *Server {
	s.router.Use(NewRateLimiter(perMinute).Middleware)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("ops endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"run_id": s.engine.RunID(),
		"tick":   s.engine.Tick(),
	}
	status := http.StatusOK
	if s.sinks != nil {
		body["sinks"] = s.sinks.Health()
		if !s.sinks.Healthy() {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	role := messaging.Role(r.URL.Query().Get("role"))
	if role != "" && !validRole(role) {
		writeError(w, http.StatusBadRequest, "unknown role "+string(role))
		return
	}
	agents := s.engine.Agents(role)
	if r.URL.Query().Get("beliefs") != "true" {
		for i := range agents {
			agents[i].Beliefs = nil
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":   s.engine.Tick(),
		"count":  len(agents),
		"agents": agents,
	})
}

func validRole(role messaging.Role) bool {
	for _, r := range messaging.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.engine.Agent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Report())
}

func (s *Server) handleKPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.LastKPI())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("JSON encode error", "component", "opsapi", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
