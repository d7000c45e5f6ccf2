package domain

import (
	"sort"
	"sync"
	"time"
)

// Judgment records an LLM re-classification applied to a log record
type Judgment struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Original Result    `json:"original"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// LogRecord is the bookkeeping for one attempt of one user
type LogRecord struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Phase      Phase      `json:"phase"`
	Attempt    int        `json:"attempt"`
	Lines      []string   `json:"-"`
	Status     Result     `json:"status"`
	Judgment   *Judgment  `json:"judgment,omitempty"`
}

// NewLogRecord opens a record in the running state
func NewLogRecord(startedAt time.Time, phase Phase, attempt int) *LogRecord {
	return &LogRecord{StartedAt: startedAt, Phase: phase, Attempt: attempt, Status: Running()}
}

// SetStatus applies a classification unless the record already holds a
// terminal one. It reports whether the status changed.
func (r *LogRecord) SetStatus(res Result, at time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = res
	if res.Terminal() {
		r.FinishedAt = &at
	}
	return true
}

// Clone returns a deep copy
func (r *LogRecord) Clone() *LogRecord {
	c := *r
	c.Lines = append([]string(nil), r.Lines...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.Judgment != nil {
		j := *r.Judgment
		c.Judgment = &j
	}
	return &c
}

// UserRunState is one user's progress within a script run
type UserRunState struct {
	UserID     string                `json:"user_id"`
	Name       string                `json:"name"`
	Status     RunStatus             `json:"status"`
	LogRecords map[string]*LogRecord `json:"log_records"`
}

// NewUserRunState creates a waiting user state
func NewUserRunState(id, name string) *UserRunState {
	return &UserRunState{UserID: id, Name: name, Status: StatusWaiting, LogRecords: make(map[string]*LogRecord)}
}

// AddRecord stores rec keyed by its start timestamp. Colliding timestamps
// are nudged forward so every attempt keeps its own record.
func (u *UserRunState) AddRecord(rec *LogRecord) string {
	for {
		key := rec.StartedAt.Format(time.RFC3339Nano)
		if _, exists := u.LogRecords[key]; !exists {
			u.LogRecords[key] = rec
			return key
		}
		rec.StartedAt = rec.StartedAt.Add(time.Nanosecond)
	}
}

// Records returns the records ordered by start time
func (u *UserRunState) Records() []*LogRecord {
	out := make([]*LogRecord, 0, len(u.LogRecords))
	for _, r := range u.LogRecords {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Clone returns a deep copy
func (u *UserRunState) Clone() *UserRunState {
	c := &UserRunState{UserID: u.UserID, Name: u.Name, Status: u.Status, LogRecords: make(map[string]*LogRecord, len(u.LogRecords))}
	for k, r := range u.LogRecords {
		c.LogRecords[k] = r.Clone()
	}
	return c
}

// ScriptRunState is one script's progress within a task
type ScriptRunState struct {
	ScriptID    string          `json:"script_id"`
	Name        string          `json:"name"`
	Kind        ScriptKind      `json:"kind"`
	Status      RunStatus       `json:"status"`
	CurrentUser int             `json:"current_user"`
	Users       []*UserRunState `json:"users"`
	LastLog     string          `json:"last_log,omitempty"`
}

// NewScriptRunState creates a waiting script state
func NewScriptRunState(id, name string, kind ScriptKind) *ScriptRunState {
	return &ScriptRunState{ScriptID: id, Name: name, Kind: kind, Status: StatusWaiting, CurrentUser: -1}
}

// User returns the state for a user id, or nil
func (s *ScriptRunState) User(id string) *UserRunState {
	for _, u := range s.Users {
		if u.UserID == id {
			return u
		}
	}
	return nil
}

// Clone returns a deep copy
func (s *ScriptRunState) Clone() *ScriptRunState {
	c := *s
	c.Users = make([]*UserRunState, len(s.Users))
	for i, u := range s.Users {
		c.Users[i] = u.Clone()
	}
	return &c
}

// TaskHandle is a registry entry for one live top-level task. Its script
// states are written by the owning run goroutine and read by API snapshots.
type TaskHandle struct {
	ID        string
	Mode      Mode
	TargetID  string
	QueueID   string
	ScriptID  string
	CreatedAt time.Time

	mu      sync.RWMutex
	scripts []*ScriptRunState
}

// NewTaskHandle creates a handle for a resolved target
func NewTaskHandle(id string, mode Mode, target string) *TaskHandle {
	return &TaskHandle{ID: id, Mode: mode, TargetID: target, CreatedAt: time.Now()}
}

// SetScripts installs the ordered script states of the task
func (h *TaskHandle) SetScripts(scripts []*ScriptRunState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts = scripts
}

// Update mutates script i under the handle lock and returns a copy of the result.
func (h *TaskHandle) Update(i int, fn func(*ScriptRunState)) *ScriptRunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.scripts) {
		return nil
	}
	fn(h.scripts[i])
	return h.scripts[i].Clone()
}

// Script returns a copy of script i
func (h *TaskHandle) Script(i int) *ScriptRunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= len(h.scripts) {
		return nil
	}
	return h.scripts[i].Clone()
}

// TaskSnapshot is a point-in-time copy of a handle
type TaskSnapshot struct {
	ID        string            `json:"id"`
	Mode      Mode              `json:"mode"`
	TargetID  string            `json:"target_id"`
	QueueID   string            `json:"queue_id,omitempty"`
	ScriptID  string            `json:"script_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Scripts   []*ScriptRunState `json:"scripts"`
}

// Snapshot copies the handle for readers outside the run goroutine
func (h *TaskHandle) Snapshot() TaskSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := TaskSnapshot{
		ID:        h.ID,
		Mode:      h.Mode,
		TargetID:  h.TargetID,
		QueueID:   h.QueueID,
		ScriptID:  h.ScriptID,
		CreatedAt: h.CreatedAt,
		Scripts:   make([]*ScriptRunState, len(h.scripts)),
	}
	for i, s := range h.scripts {
		snap.Scripts[i] = s.Clone()
	}
	return snap
}

// Outcome summarises a finished task: error if any script ended in error.
func (s TaskSnapshot) Outcome() RunStatus {
	status := StatusDone
	for _, sc := range s.Scripts {
		switch sc.Status {
		case StatusError:
			return StatusError
		case StatusWaiting, StatusRunning:
			status = StatusSkipped
		}
	}
	return status
}
