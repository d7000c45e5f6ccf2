// Package api is the HTTP surface of the orchestrator: dispatch and stop
// tasks, answer operator prompts, stream events and read history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/broadcast"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/observer"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
)

const shutdownTimeout = 10 * time.Second

// Dispatcher is the task registry the API drives
type Dispatcher interface {
	AddTask(mode domain.Mode, target string) (string, error)
	StopTask(ctx context.Context, taskID string) error
	Tasks() []domain.TaskSnapshot
	Task(taskID string) (domain.TaskSnapshot, bool)
}

// RunStore lists finished runs
type RunStore interface {
	ListRuns(ctx context.Context, opts taskstore.ListOptions) ([]taskstore.Run, error)
	GetRun(ctx context.Context, id string) (*taskstore.Run, error)
}

// Timers reports the armed queue timers
type Timers interface {
	Queues() []string
	NextRun(queueID string) time.Time
	LastRun(queueID string) (time.Time, bool)
}

// Options wires a Server
type Options struct {
	Addr       string
	Dispatcher Dispatcher
	Runs       RunStore
	History    *history.Recorder
	Hub        *events.Hub
	Mailbox    *broadcast.Broadcast
	Gatherer   prometheus.Gatherer
	Timers     Timers

	// Observer is optional; without it /api/status omits run statistics.
	Observer *observer.Observer
	Version  string
}

// Server is the HTTP API server
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = events.NewHub(0)
	}
	if opts.Mailbox == nil {
		opts.Mailbox = broadcast.New()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("POST /api/tasks", s.addTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.stopTaskHandler())
	s.mux.HandleFunc("POST /api/messages", s.messageHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/history", s.historyHandler())
	s.mux.HandleFunc("GET /api/timers", s.timersHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", s.opts.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeStatus(w, code, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
