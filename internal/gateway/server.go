package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/gateway/ws"
	"github.com/dohr-michael/deskpilot/internal/registry"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

// TaskService is the submission and control interface served by the gateway.
type TaskService interface {
	Submit(ctx context.Context, req actors.SubmitRequest) (*tasks.Task, error)
	Get(ctx context.Context, id string) (*actors.TaskView, error)
	List(ctx context.Context, filter tasks.ListFilter) ([]*tasks.Task, error)
	Resume(ctx context.Context, id, note string) error
	Cancel(ctx context.Context, id, reason string) error
}

// EventLog reads the persisted events of a task.
type EventLog interface {
	Load(taskID string) ([]events.Event, error)
}

// Config holds the dependencies of a Server.
type Config struct {
	Bus   *events.Bus
	Tasks TaskService

	// EventLog and Health are optional.
	EventLog EventLog
	Health   func() map[string]any

	Host           string
	Port           int
	RateLimitRPM   int
	RateLimitBurst int
}

// Server is the deskpilot gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	tasks      *WSTaskHandler
	eventLog   EventLog
	health     func() map[string]any
	limiter    *RateLimiter
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) *Server {
	limiter := NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)
	handler := NewWSTaskHandler(cfg.Tasks)

	s := &Server{
		hub:      ws.NewHub(cfg.Bus, handler, limiter),
		bus:      cfg.Bus,
		tasks:    handler,
		eventLog: cfg.EventLog,
		health:   cfg.Health,
		limiter:  limiter,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.With(limiter.Middleware).Post("/", s.handleSubmitTask)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/events", s.handleTaskEvents)
		r.With(limiter.Middleware).Post("/{id}/resume", s.handleResumeTask)
		r.With(limiter.Middleware).Post("/{id}/cancel", s.handleCancelTask)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("deskpilot gateway listening", "addr", ln.Addr().String(), "rate_limited", s.limiter.Enabled())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, actors.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, actors.ErrNotResumable),
		errors.Is(err, registry.ErrAlreadyRunning),
		errors.Is(err, tasks.ErrStatusConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("gateway request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "clients": s.hub.Clients()}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	history := s.bus.History(limit)
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.eventLog == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event log not available"})
		return
	}
	if _, err := s.tasks.svc.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.eventLog.Load(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}
