package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/cloudquery/internal/config"
	"github.com/wisbric/cloudquery/pkg/engine"
	"github.com/wisbric/cloudquery/pkg/orchestrator"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Server exposes pkg/engine.Engine over HTTP: table registration, querying,
// and operational health endpoints.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Engine    *engine.Engine
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer builds the demo HTTP host around a constructed Engine
// (cmd/cloudquery initializes it before calling NewServer).
func NewServer(cfg *config.Config, logger *slog.Logger, eng *engine.Engine, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Engine:    eng,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.handleStatus)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/tables", s.handleRegisterTable)
		r.Get("/tables", s.handleListTables)
		r.Delete("/tables/{name}", s.handleUnregisterTable)
		r.Post("/query", s.handleQuery)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.WaitForReady(r.Context()); err != nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.Engine.Status()
	metrics := s.Engine.Metrics()
	Respond(w, http.StatusOK, map[string]any{
		"initialized":             status.Initialized,
		"sql_engine":              status.SQLEngine,
		"sql_engine_ready":        status.SQLEngineReady,
		"columnar":                status.Columnar,
		"columnar_runtime_ready":  status.ColumnarRuntimeReady,
		"compute":                 status.Compute,
		"compute_module_ready":    status.ComputeModuleReady,
		"overall_ready":           status.OverallReady,
		"memory_usage_bytes":      status.MemoryUsage,
		"dependency_health_score": status.DependencyHealthScore,
		"table_count":             status.TableCount,
		"uptime_seconds":          int64(time.Since(s.startedAt).Seconds()),
		"query_count":             metrics.QueryCount,
		"average_response_ms":     metrics.AverageResponseMs,
		"memory_peak_usage_bytes": metrics.MemoryPeakUsage,
	})
}

// registerTableRequest is the JSON body of POST /api/v1/tables.
type registerTableRequest struct {
	Name       string `json:"name" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
	ForceProxy bool   `json:"force_proxy"`
}

func (s *Server) handleRegisterTable(w http.ResponseWriter, r *http.Request) {
	var req registerTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	table, err := s.Engine.LoadData(r.Context(), req.Name, req.URL, orchestrator.RegisterOptions{ForceProxy: req.ForceProxy})
	if err != nil {
		RespondError(w, http.StatusBadGateway, "table_registration_failed", err.Error())
		return
	}
	Respond(w, http.StatusCreated, table)
}

func (s *Server) handleListTables(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.Engine.ListTables())
}

func (s *Server) handleUnregisterTable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// Unregistration is best-effort and always succeeds from the caller's
	// perspective (spec.md §4.7): a failed DROP at the SQL engine is logged
	// by the orchestrator, not surfaced here.
	if err := s.Engine.UnregisterTable(r.Context(), name); err != nil {
		RespondError(w, http.StatusBadGateway, "table_unregistration_failed", err.Error())
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

type queryRequest struct {
	SQL string `json:"sql" validate:"required"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	result, err := s.Engine.Query(r.Context(), req.SQL)
	if err != nil {
		RespondError(w, http.StatusBadGateway, "query_failed", err.Error())
		return
	}
	Respond(w, http.StatusOK, result)
}
