package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/broadcast"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/observer"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
)

const dateLayout = "2006-01-02"

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Version     string   `json:"version,omitempty"`
	Running     int      `json:"running"`
	TaskIDs     []string `json:"task_ids"`
	Stuck       []string `json:"stuck,omitempty"`
	Subscribers int      `json:"subscribers"`

	Metrics *observer.Summary `json:"metrics,omitempty"`
	Recent  []string          `json:"recent,omitempty"`
}

// TimerStatus is one queue timer in GET /api/timers
type TimerStatus struct {
	QueueID string     `json:"queue_id"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// AddTaskRequest is the body of POST /api/tasks
type AddTaskRequest struct {
	Mode   string `json:"mode"`
	Target string `json:"target"`
}

// AddTaskResponse is returned for a dispatched task
type AddTaskResponse struct {
	ID string `json:"id"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks := s.opts.Dispatcher.Tasks()
		resp := StatusResponse{
			Version:     s.opts.Version,
			Running:     len(tasks),
			TaskIDs:     make([]string, len(tasks)),
			Subscribers: s.opts.Hub.Len(),
		}
		now := time.Now()
		for i, t := range tasks {
			resp.TaskIDs[i] = t.ID
			if s.opts.Observer != nil && s.opts.Observer.IsStuck(t, now) {
				resp.Stuck = append(resp.Stuck, t.ID)
			}
		}
		if s.opts.Observer != nil {
			summary := s.opts.Observer.GetMetrics()
			resp.Metrics = &summary
			resp.Recent = s.opts.Observer.GetRecentCompletions(24 * time.Hour)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.opts.Dispatcher.Tasks())
	}
}

func (s *Server) addTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		mode, err := domain.ParseMode(req.Mode)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if req.Target == "" {
			writeError(w, http.StatusBadRequest, "target required")
			return
		}

		id, err := s.opts.Dispatcher.AddTask(mode, req.Target)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeStatus(w, http.StatusCreated, AddTaskResponse{ID: id})
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := s.opts.Dispatcher.Task(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, snap)
	}
}

// stopTaskHandler cancels a task, or every task for id ALL, and returns once
// the cancelled tasks have finalized.
func (s *Server) stopTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.opts.Dispatcher.StopTask(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "stopped", "id": id})
	}
}

// messageHandler delivers an operator answer to the task awaiting it
func (s *Server) messageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg broadcast.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
			return
		}
		if msg.ID == "" {
			writeError(w, http.StatusBadRequest, "message id required")
			return
		}
		n := s.opts.Mailbox.Publish(msg)
		writeJSON(w, map[string]int{"delivered": n})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Runs == nil {
			writeJSON(w, []taskstore.Run{})
			return
		}

		q := r.URL.Query()
		opts := taskstore.ListOptions{
			TaskID:  q.Get("task"),
			Mode:    domain.Mode(q.Get("mode")),
			Outcome: q.Get("outcome"),
			Limit:   50,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		runs, err := s.opts.Runs.ListRuns(r.Context(), opts)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if runs == nil {
			runs = []taskstore.Run{}
		}
		writeJSON(w, runs)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Runs == nil {
			writeError(w, http.StatusNotFound, "run store not available")
			return
		}
		run, err := s.opts.Runs.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, run)
	}
}

// historyHandler aggregates history artifacts between from and to
// (inclusive dates, default the last seven days) by day, week or month.
func (s *Server) historyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		period, err := history.ParsePeriod(q.Get("period"))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		to := time.Now()
		from := to.AddDate(0, 0, -7)
		if v := q.Get("from"); v != "" {
			if from, err = time.ParseInLocation(dateLayout, v, time.Local); err != nil {
				writeError(w, http.StatusBadRequest, "invalid from date")
				return
			}
		}
		if v := q.Get("to"); v != "" {
			if to, err = time.ParseInLocation(dateLayout, v, time.Local); err != nil {
				writeError(w, http.StatusBadRequest, "invalid to date")
				return
			}
		}

		if s.opts.History == nil {
			writeJSON(w, []history.Summary{})
			return
		}
		entries, err := s.opts.History.Load(from, to)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		summaries := history.Aggregate(entries, period)
		if summaries == nil {
			summaries = []history.Summary{}
		}
		writeJSON(w, summaries)
	}
}

func (s *Server) timersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := []TimerStatus{}
		if s.opts.Timers == nil {
			writeJSON(w, out)
			return
		}
		for _, q := range s.opts.Timers.Queues() {
			ts := TimerStatus{QueueID: q}
			if next := s.opts.Timers.NextRun(q); !next.IsZero() {
				ts.NextRun = &next
			}
			if last, ok := s.opts.Timers.LastRun(q); ok {
				ts.LastRun = &last
			}
			out = append(out, ts)
		}
		writeJSON(w, out)
	}
}
