package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/broadcast"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/observer"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
)

type mockDispatcher struct {
	mu      sync.Mutex
	tasks   map[string]domain.TaskSnapshot
	stopped []string
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{tasks: make(map[string]domain.TaskSnapshot)}
}

func (m *mockDispatcher) AddTask(mode domain.Mode, target string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch target {
	case "missing":
		return "", fmt.Errorf("target %s: %w", target, domain.ErrNotFound)
	case "gen-1":
		if mode == domain.ModeManualReview {
			return "", fmt.Errorf("%w: manual review", domain.ErrValidation)
		}
	}
	if _, ok := m.tasks[target]; ok {
		return "", fmt.Errorf("task %s: %w", target, domain.ErrAlreadyRunning)
	}
	m.tasks[target] = domain.TaskSnapshot{ID: target, Mode: mode, TargetID: target}
	return target, nil
}

func (m *mockDispatcher) StopTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskID == "ALL" {
		for id := range m.tasks {
			m.stopped = append(m.stopped, id)
		}
		m.tasks = make(map[string]domain.TaskSnapshot)
		return nil
	}
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	delete(m.tasks, taskID)
	m.stopped = append(m.stopped, taskID)
	return nil
}

func (m *mockDispatcher) Tasks() []domain.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TaskSnapshot
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

func (m *mockDispatcher) Task(taskID string) (domain.TaskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

type mockRuns struct {
	runs []taskstore.Run
	last taskstore.ListOptions
}

func (m *mockRuns) ListRuns(ctx context.Context, opts taskstore.ListOptions) ([]taskstore.Run, error) {
	m.last = opts
	return m.runs, nil
}

func (m *mockRuns) GetRun(ctx context.Context, id string) (*taskstore.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
}

func newTestServer(t *testing.T) (*Server, *mockDispatcher) {
	t.Helper()
	d := newMockDispatcher()
	s := NewServer(Options{
		Dispatcher: d,
		Runs:       &mockRuns{runs: []taskstore.Run{{ID: "r1", TaskID: "daily", Outcome: "done"}}},
		History:    history.NewRecorder(t.TempDir()),
		Hub:        events.NewHub(16),
		Mailbox:    broadcast.New(),
		Gatherer:   prometheus.NewRegistry(),
		Version:    "1.2.3",
	})
	return s, d
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusHandler_Observer(t *testing.T) {
	d := newMockDispatcher()
	d.tasks["old"] = domain.TaskSnapshot{ID: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}
	d.tasks["new"] = domain.TaskSnapshot{ID: "new", CreatedAt: time.Now()}

	obs := observer.New(time.Hour, nil)
	obs.RecordCompletion("done-1", domain.ModeAutoRun, domain.StatusDone, time.Minute)
	obs.RecordCompletion("done-2", domain.ModeAutoRun, domain.StatusError, 3*time.Minute)

	s := NewServer(Options{Dispatcher: d, Observer: obs, Gatherer: prometheus.NewRegistry()})
	w := do(s, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var status StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Running != 2 {
		t.Errorf("Running = %d, want 2", status.Running)
	}
	if len(status.Stuck) != 1 || status.Stuck[0] != "old" {
		t.Errorf("Stuck = %v, want [old]", status.Stuck)
	}
	if status.Metrics == nil || status.Metrics.TotalCompleted != 2 || status.Metrics.TotalFailed != 1 {
		t.Errorf("Metrics = %+v", status.Metrics)
	}
	if status.Metrics.AvgDuration != 2*time.Minute {
		t.Errorf("AvgDuration = %v, want 2m", status.Metrics.AvgDuration)
	}
	if len(status.Recent) != 2 {
		t.Errorf("Recent = %v", status.Recent)
	}
}

type fakeTimers struct {
	next map[string]time.Time
	last map[string]time.Time
}

func (f fakeTimers) Queues() []string { return []string{"daily", "weekly"} }

func (f fakeTimers) NextRun(q string) time.Time { return f.next[q] }

func (f fakeTimers) LastRun(q string) (time.Time, bool) {
	t, ok := f.last[q]
	return t, ok
}

func TestTimersHandler(t *testing.T) {
	next := time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC)
	last := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	s := NewServer(Options{
		Dispatcher: newMockDispatcher(),
		Gatherer:   prometheus.NewRegistry(),
		Timers: fakeTimers{
			next: map[string]time.Time{"daily": next, "weekly": next.AddDate(0, 0, 6)},
			last: map[string]time.Time{"daily": last},
		},
	})

	w := do(s, http.MethodGet, "/api/timers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var timers []TimerStatus
	if err := json.NewDecoder(w.Body).Decode(&timers); err != nil {
		t.Fatal(err)
	}
	if len(timers) != 2 {
		t.Fatalf("timers = %+v", timers)
	}
	if timers[0].QueueID != "daily" || timers[0].LastRun == nil || !timers[0].LastRun.Equal(last) {
		t.Errorf("daily = %+v", timers[0])
	}
	if timers[1].LastRun != nil {
		t.Errorf("weekly never ran, got last_run %v", timers[1].LastRun)
	}
	if timers[1].NextRun == nil || !timers[1].NextRun.Equal(next.AddDate(0, 0, 6)) {
		t.Errorf("weekly next_run = %v", timers[1].NextRun)
	}

	empty := NewServer(Options{Dispatcher: newMockDispatcher(), Gatherer: prometheus.NewRegistry()})
	w = do(empty, http.MethodGet, "/api/timers", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("no timers body = %q, want []", w.Body.String())
	}
}

func TestAddTaskHandler(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"dispatch", `{"mode":"auto-run","target":"daily"}`, http.StatusCreated},
		{"duplicate", `{"mode":"auto-run","target":"daily"}`, http.StatusConflict},
		{"unknown target", `{"mode":"auto-run","target":"missing"}`, http.StatusNotFound},
		{"bad mode", `{"mode":"sprint","target":"daily"}`, http.StatusBadRequest},
		{"mode mismatch", `{"mode":"manual-review","target":"gen-1"}`, http.StatusBadRequest},
		{"no target", `{"mode":"auto-run"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/api/tasks", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	s, d := newTestServer(t)

	w := do(s, http.MethodPost, "/api/tasks", `{"mode":"auto-run","target":"daily"}`)
	var created AddTaskResponse
	json.NewDecoder(w.Body).Decode(&created)
	if created.ID != "daily" {
		t.Fatalf("ID = %q, want daily", created.ID)
	}

	w = do(s, http.MethodGet, "/api/tasks/daily", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET task status = %d", w.Code)
	}
	var snap domain.TaskSnapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.Mode != domain.ModeAutoRun {
		t.Errorf("Mode = %q, want auto-run", snap.Mode)
	}

	w = do(s, http.MethodGet, "/api/status", "")
	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.Running != 1 || status.Version != "1.2.3" {
		t.Errorf("status = %+v", status)
	}

	w = do(s, http.MethodDelete, "/api/tasks/daily", "")
	if w.Code != http.StatusOK {
		t.Errorf("DELETE status = %d, want 200", w.Code)
	}
	if len(d.stopped) != 1 {
		t.Errorf("stopped = %v", d.stopped)
	}

	w = do(s, http.MethodDelete, "/api/tasks/daily", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", w.Code)
	}
	w = do(s, http.MethodGet, "/api/tasks/daily", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET stopped task status = %d, want 404", w.Code)
	}
}

func TestMessageHandler(t *testing.T) {
	s, _ := newTestServer(t)

	got := make(chan broadcast.Message, 1)
	go func() {
		msg, err := s.opts.Mailbox.Await(context.Background(), "prompt-1", nil)
		if err == nil {
			got <- msg
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.opts.Mailbox.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w := do(s, http.MethodPost, "/api/messages", `{"id":"prompt-1","type":"answer","data":{"answer":"success"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	select {
	case msg := <-got:
		if msg.String("answer") != "success" {
			t.Errorf("answer = %q", msg.String("answer"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	w = do(s, http.MethodPost, "/api/messages", `{"type":"answer"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", w.Code)
	}
}

func TestRunsHandlers(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/api/runs?task=daily&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var runs []taskstore.Run
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 {
		t.Errorf("len(runs) = %d, want 1", len(runs))
	}
	last := s.opts.Runs.(*mockRuns).last
	if last.TaskID != "daily" || last.Limit != 5 {
		t.Errorf("list options = %+v", last)
	}

	if w := do(s, http.MethodGet, "/api/runs?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/runs/r1", ""); w.Code != http.StatusOK {
		t.Errorf("GET run status = %d, want 200", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET missing run status = %d, want 404", w.Code)
	}
}

func TestHistoryHandler(t *testing.T) {
	s, _ := newTestServer(t)
	now := time.Now()
	finished := now.Add(time.Minute)
	_, err := s.opts.History.Record(history.Entry{
		Script:     "MAA",
		User:       "alice",
		Phase:      domain.PhaseRoutine,
		Attempt:    1,
		StartedAt:  now,
		FinishedAt: &finished,
		Status:     domain.Success(),
	}, []string{"line"})
	if err != nil {
		t.Fatal(err)
	}

	w := do(s, http.MethodGet, "/api/history?period=month", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d (%s)", w.Code, w.Body.String())
	}
	var summaries []history.Summary
	json.NewDecoder(w.Body).Decode(&summaries)
	if len(summaries) != 1 || len(summaries[0].Users) != 1 {
		t.Fatalf("summaries = %+v", summaries)
	}
	if summaries[0].Users[0].Successes != 1 {
		t.Errorf("Successes = %d, want 1", summaries[0].Users[0].Successes)
	}

	if w := do(s, http.MethodGet, "/api/history?period=year", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad period status = %d, want 400", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/history?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", w.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	s, _ := newTestServer(t)
	if w := do(s, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}
}

func TestSSEHandler(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?task=daily", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}

	s.opts.Hub.Emit(events.Event{TaskID: "other", Kind: events.KindInfo, Payload: "skip me"})
	s.opts.Hub.Emit(events.Event{TaskID: "daily", Kind: events.KindSignal, Payload: events.Completion{Outcome: "done"}})

	var frame bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\n" && frame.Len() > 0 {
			break
		}
		frame.WriteString(line)
	}
	if !strings.Contains(frame.String(), "event: Signal") {
		t.Errorf("frame = %q", frame.String())
	}
	if strings.Contains(frame.String(), "skip me") {
		t.Error("events of other tasks should be filtered")
	}
}

func TestWebSocket(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.opts.Hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.opts.Hub.Emit(events.Event{TaskID: "daily", Kind: events.KindMessage, Payload: events.Prompt{ID: "p1", Title: "Check"}})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		TaskID  string          `json:"task_id"`
		Kind    events.Kind     `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != events.KindMessage || got.TaskID != "daily" {
		t.Errorf("event = %+v", got)
	}

	answer := make(chan broadcast.Message, 1)
	go func() {
		msg, err := s.opts.Mailbox.Await(context.Background(), "p1", nil)
		if err == nil {
			answer <- msg
		}
	}()
	for s.opts.Mailbox.Len() == 0 && time.Now().Before(deadline.Add(2*time.Second)) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(broadcast.Message{ID: "p1", Type: "answer", Data: map[string]interface{}{"success": true}}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-answer:
		if !msg.Bool("success") {
			t.Errorf("answer = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("websocket answer not published")
	}
}
