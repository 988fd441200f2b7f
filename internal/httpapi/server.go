// Package httpapi exposes the read-only ops surface and the task submission
// endpoint over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vk/gridschedgo/internal/core"
	"github.com/vk/gridschedgo/internal/ctxlog"
	"github.com/vk/gridschedgo/internal/protocol"
)

// Server serves the ops API for one Core instance.
type Server struct {
	core   *core.Core
	events chan<- protocol.ToSchedulerMessage
}

// NewServer builds the ops API. events may be nil (tests); event sends
// never block.
func NewServer(c *core.Core, events chan<- protocol.ToSchedulerMessage) *Server {
	return &Server{core: c, events: events}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.health)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/workers", s.listWorkers)
		v1.Get("/tasks", s.listTasks)
		v1.Post("/tasks", s.submitTasks)
	})
	return r
}

// Run serves the API on addr until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	ctxlog.FromContext(ctx).Info("Ops HTTP server starting.", "address", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Workers())
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Tasks())
}

type submitReq struct {
	Tasks []taskSpec `json:"tasks"`
}

type taskSpec struct {
	Key  string   `json:"key"`
	Deps []string `json:"deps,omitempty"`
}

type submitResp struct {
	Accepted int `json:"accepted"`
}

// submitTasks handles POST /v1/tasks: registers a task graph with Core and
// announces each task to the scheduling authority.
func (s *Server) submitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Tasks) == 0 {
		http.Error(w, "no tasks in request", http.StatusBadRequest)
		return
	}
	accepted := 0
	for _, spec := range req.Tasks {
		if spec.Key == "" {
			http.Error(w, "task with empty key", http.StatusBadRequest)
			return
		}
		if err := s.core.AddTask(spec.Key, spec.Deps); err != nil {
			// Tasks accepted before the failing one stay registered.
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		accepted++
		s.announce(r.Context(), protocol.ToSchedulerMessage{
			Type:    protocol.BridgeNewTask,
			NewTask: &protocol.NewTaskEvent{Key: spec.Key, Deps: spec.Deps},
		})
	}
	writeJSON(w, http.StatusAccepted, submitResp{Accepted: accepted})
}

func (s *Server) announce(ctx context.Context, msg protocol.ToSchedulerMessage) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- msg:
	default:
		ctxlog.FromContext(ctx).Warn("Dropping scheduler event, bridge queue full.", "type", msg.Type)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
