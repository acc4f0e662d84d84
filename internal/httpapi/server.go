// Package httpapi serves a JSON and Server-Sent Events API over the chain
// executor, its history and the schedule table.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/chainrun/internal/chain"
	"github.com/rendis/chainrun/internal/plugins"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
	"github.com/rendis/chainrun/pkg/schema"
)

// Executor is the executor surface the API needs. Satisfied by *chain.Executor.
type Executor interface {
	ExecuteDefinition(ctx context.Context, def *schema.ChainDefinition, extra ...chain.Option) (*schema.ChainResult, error)
	StartDefinition(ctx context.Context, def *schema.ChainDefinition, extra ...chain.Option) (string, <-chan *schema.ChainResult, error)
	Status(id string) (*schema.ChainResult, bool)
	ListActive() []string
	Cancel(id string) bool
}

// DefinitionValidator rejects malformed chain definitions.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.ChainDefinition) error
}

// Scheduler registers cron jobs. Satisfied by *scheduler.Scheduler.
type Scheduler interface {
	Register(ctx context.Context, id, cronExpr string, def *schema.ChainDefinition) (*store.ScheduledJob, error)
	Unregister(ctx context.Context, id string) error
}

// PluginLister lists registered plugins.
type PluginLister interface {
	List() []plugins.Info
}

// Metrics records API requests and serves the metrics page. Satisfied by
// *metrics.Collector.
type Metrics interface {
	ObserveRequest(method, route string, status int, d time.Duration)
	Handler() http.Handler
}

// Deps holds the dependencies of the API server. Store, Scheduler, Validator,
// Plugins and Hub are optional; their routes answer 503 when absent. Without
// Metrics there is no /metrics route.
type Deps struct {
	Executor  Executor
	Store     store.Store
	Scheduler Scheduler
	Validator DefinitionValidator
	Plugins   PluginLister
	Hub       streaming.EventHub
	Metrics   Metrics
	Logger    *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	events *store.EventLog
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{deps: deps}
	if deps.Store != nil {
		s.events = store.NewEventLog(deps.Store)
	}
	return s
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/chains", s.handleListActive)
	mux.HandleFunc("POST /api/chains", s.handleExecute)
	mux.HandleFunc("GET /api/chains/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/chains/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/chains/{id}/diagram", s.handleDiagram)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	mux.HandleFunc("GET /api/plugins", s.handlePlugins)

	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/chains/{id}", s.handleSSEChain)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return s.logRequests(mux)
}

// logRequests logs each request at debug level and records it in Metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		// The mux fills r.Pattern in place once it has matched a route.
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRequest(r.Method, r.Pattern, sw.status, elapsed)
		}
		s.deps.Logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", elapsed),
		)
	})
}

// statusWriter captures the response status. It keeps Flush reachable for SSE.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"ok":     true,
		"active": len(s.deps.Executor.ListActive()),
	}
	if pm, ok := s.deps.Executor.(interface{ PoolMetrics() chain.PoolMetrics }); ok {
		out["pool"] = pm.PoolMetrics()
	}
	writeJSON(w, http.StatusOK, out)
}
