// Package server exposes runs over HTTP: REST for control, SSE and
// websockets for live event streams.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/monitoring"
	"github.com/sells-group/signal-engine/internal/store"
)

// Config holds server configuration.
type Config struct {
	Port     int
	AllowAll bool // allow all CORS origins (dev mode)
}

// Server serves the run API and event streams.
type Server struct {
	cfg        Config
	engine     *engine.Engine
	collector  *monitoring.Collector
	router     chi.Router
	httpServer *http.Server
}

// New creates a server around the engine. collector may be nil; the metrics
// endpoint then returns 404.
func New(cfg Config, eng *engine.Engine, collector *monitoring.Collector) *Server {
	s := &Server{cfg: cfg, engine: eng, collector: collector}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/clusters", s.handleListClusters)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/ws/runs/{id}", s.handleRunSocket)
		if s.collector != nil {
			r.Get("/metrics", s.handleMetrics)
		}
	})

	return r
}

// Router returns the router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start begins listening on the configured port. It blocks until the server
// stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE and websocket streams are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	zap.L().Info("server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var rc model.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rc.Query.Text == "" {
		respondError(w, http.StatusBadRequest, "query.text is required")
		return
	}

	run, err := s.engine.Start(r.Context(), rc)
	if err != nil {
		zap.L().Error("server: start run", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = model.RunStatus(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	runs, err := s.engine.Store().ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Store().GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.engine.Store().GetRun(r.Context(), runID); err != nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	clusters, err := s.engine.Store().ListClusterVersions(r.Context(), runID)
	if err != nil {
		zap.L().Error("server: list clusters", zap.String("run_id", runID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list clusters")
		return
	}
	if clusters == nil {
		clusters = []model.InsightCluster{}
	}

	// ?live=true keeps only the current (non-superseded) versions.
	if r.URL.Query().Get("live") == "true" {
		live := clusters[:0]
		for _, cl := range clusters {
			if !cl.Superseded {
				live = append(live, cl)
			}
		}
		clusters = live
	}
	respondJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := 24
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lookback = n
		}
	}
	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("server: collect metrics", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
