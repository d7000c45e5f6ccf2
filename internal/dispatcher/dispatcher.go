// Package dispatcher is the registry of live top-level tasks. It resolves
// dispatch targets, runs each task on its own goroutine and cleans up when
// the task completes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/executor"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/notify"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/runmode"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
)

// StopAll is the StopTask target that cancels every live task
const StopAll = "ALL"

const recordTimeout = 10 * time.Second

// RunRecorder persists finished runs
type RunRecorder interface {
	RecordRun(ctx context.Context, run taskstore.Run) (string, error)
}

// ContractFactory builds the run mode for one script of a task
type ContractFactory func(mode domain.Mode, sc config.ScriptConfig, target string, run runmode.Run, deps runmode.Deps) (executor.Contract, error)

// Options configures a Dispatcher
type Options struct {
	Store   *config.Store
	Deps    runmode.Deps
	Emitter events.Emitter
	Runs    RunRecorder
	// Contracts defaults to runmode.New.
	Contracts       ContractFactory
	FinalizeTimeout time.Duration
}

type entry struct {
	handle    *domain.TaskHandle
	scriptIDs []string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Dispatcher is safe for concurrent use
type Dispatcher struct {
	opts Options

	mu    sync.Mutex
	tasks map[string]*entry
	wg    sync.WaitGroup
}

// New creates an empty registry
func New(opts Options) *Dispatcher {
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	if opts.Contracts == nil {
		opts.Contracts = runmode.New
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = executor.DefaultFinalizeTimeout
	}
	if opts.Deps.Notifier == nil {
		opts.Deps.Notifier = notify.NoopNotifier{}
	}
	return &Dispatcher{opts: opts, tasks: make(map[string]*entry)}
}

// plan is a resolved dispatch request
type plan struct {
	id       string
	queueID  string
	scriptID string
	scripts  []config.ScriptConfig
	// exclusive marks script-scoped tasks, which conflict with any live task
	// touching the same script.
	exclusive bool
}

// resolve applies the target rules in order: configure-script resolves to
// the owning script, a queue id is the task id, a script id gets a fresh id.
func (d *Dispatcher) resolve(mode domain.Mode, target string) (plan, error) {
	if mode == domain.ModeConfigure {
		sc, ok := d.opts.Store.OwningScript(target)
		if !ok {
			return plan{}, fmt.Errorf("configure %s: %w", target, domain.ErrNotFound)
		}
		return plan{id: sc.ID, scriptID: sc.ID, scripts: []config.ScriptConfig{sc}, exclusive: true}, nil
	}

	if q, ok := d.opts.Store.Queue(target); ok {
		p := plan{id: q.ID, queueID: q.ID}
		for _, sid := range q.Scripts {
			sc, ok := d.opts.Store.Script(sid)
			if !ok {
				return plan{}, fmt.Errorf("queue %s references script %s: %w", q.ID, sid, domain.ErrNotFound)
			}
			p.scripts = append(p.scripts, sc)
		}
		return p, nil
	}

	if sc, ok := d.opts.Store.Script(target); ok {
		return plan{id: uuid.NewString(), scriptID: sc.ID, scripts: []config.ScriptConfig{sc}, exclusive: true}, nil
	}

	return plan{}, fmt.Errorf("target %s: %w", target, domain.ErrNotFound)
}

func validate(mode domain.Mode, p plan) error {
	if len(p.scripts) == 0 {
		return fmt.Errorf("%w: %s has no scripts", domain.ErrValidation, p.id)
	}
	if mode != domain.ModeManualReview {
		return nil
	}
	for _, sc := range p.scripts {
		if domain.ScriptKind(sc.Kind) != domain.KindMAA {
			return fmt.Errorf("%w: manual review is not available for %s script %s", domain.ErrValidation, sc.Kind, sc.ID)
		}
	}
	return nil
}

// conflict reports whether a live task blocks p. Caller holds d.mu.
func (d *Dispatcher) conflict(p plan) bool {
	if _, ok := d.tasks[p.id]; ok {
		return true
	}
	if !p.exclusive {
		return false
	}
	for _, e := range d.tasks {
		if e.handle.ScriptID == p.scriptID {
			return true
		}
	}
	return false
}

// AddTask resolves target, registers a task for it and starts running it.
// It returns the task id.
func (d *Dispatcher) AddTask(mode domain.Mode, target string) (string, error) {
	if _, err := domain.ParseMode(string(mode)); err != nil {
		return "", err
	}
	p, err := d.resolve(mode, target)
	if err != nil {
		return "", err
	}
	if err := validate(mode, p); err != nil {
		return "", err
	}

	handle := domain.NewTaskHandle(p.id, mode, target)
	handle.QueueID = p.queueID
	handle.ScriptID = p.scriptID
	states := make([]*domain.ScriptRunState, len(p.scripts))
	ids := make([]string, len(p.scripts))
	for i, sc := range p.scripts {
		states[i] = domain.NewScriptRunState(sc.ID, sc.Name, domain.ScriptKind(sc.Kind))
		ids[i] = sc.ID
	}
	handle.SetScripts(states)

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{handle: handle, scriptIDs: ids, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	if d.conflict(p) {
		d.mu.Unlock()
		cancel()
		return "", fmt.Errorf("task %s: %w", p.id, domain.ErrAlreadyRunning)
	}
	d.tasks[p.id] = e
	d.wg.Add(1)
	d.mu.Unlock()

	log.Info("task dispatched", "task", p.id, "mode", mode, "target", target, "scripts", len(p.scripts))
	d.opts.Deps.Observer.TaskStarted()
	d.emitUpdate(handle)

	go d.run(ctx, e, mode, target, p.scripts)
	return p.id, nil
}

func (d *Dispatcher) run(ctx context.Context, e *entry, mode domain.Mode, target string, scripts []config.ScriptConfig) {
	defer d.wg.Done()
	started := time.Now()

	var runErr error
	for i, sc := range scripts {
		if ctx.Err() != nil {
			break
		}
		r := runmode.Run{Handle: e.handle, Index: i, Emit: d.opts.Emitter}
		contract, err := d.opts.Contracts(mode, sc, target, r, d.opts.Deps)
		if err != nil {
			log.Error("building run mode failed", "task", e.handle.ID, "script", sc.ID, "error", err)
			e.handle.Update(i, func(s *domain.ScriptRunState) { s.Status = domain.StatusError })
			runErr = errors.Join(runErr, err)
			continue
		}
		err = executor.New(contract).WithFinalizeTimeout(d.opts.FinalizeTimeout).Execute(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("script run ended with error", "task", e.handle.ID, "script", sc.ID, "error", err)
			runErr = errors.Join(runErr, err)
		}
	}

	d.complete(e, mode, started, runErr)
}

// complete is the continuation of every task, cancelled or not.
func (d *Dispatcher) complete(e *entry, mode domain.Mode, started time.Time, runErr error) {
	defer close(e.done)
	defer e.cancel()

	snap := e.handle.Snapshot()
	for i, s := range snap.Scripts {
		if s.Status != domain.StatusWaiting {
			continue
		}
		s.Status = domain.StatusSkipped
		e.handle.Update(i, func(st *domain.ScriptRunState) { st.Status = domain.StatusSkipped })
		d.opts.Emitter.Emit(events.Event{TaskID: e.handle.ID, Kind: events.KindUpdate, Payload: s, Time: time.Now()})
	}
	outcome := snap.Outcome()
	finished := time.Now()

	d.mu.Lock()
	delete(d.tasks, e.handle.ID)
	d.mu.Unlock()

	if d.opts.Runs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if _, err := d.opts.Runs.RecordRun(ctx, taskstore.FromSnapshot(snap, outcome, runErr, finished)); err != nil {
			log.Warn("recording task run failed", "task", e.handle.ID, "error", err)
		}
		cancel()
	}

	d.opts.Deps.Observer.RecordCompletion(e.handle.ID, mode, outcome, finished.Sub(started))

	c := events.Completion{Outcome: string(outcome)}
	if runErr != nil {
		c.Error = runErr.Error()
	}
	d.opts.Emitter.Emit(events.Event{TaskID: e.handle.ID, Kind: events.KindSignal, Payload: c, Time: finished})

	n := notify.Notification{
		Title:   "Task finished",
		Message: fmt.Sprintf("%s %s finished: %s", mode, e.handle.TargetID, outcome),
		Type:    notifyType(outcome),
		TaskID:  e.handle.ID,
	}
	if err := d.opts.Deps.Notifier.Send(n); err != nil {
		log.Warn("completion notification failed", "task", e.handle.ID, "error", err)
	}
	log.Info("task finished", "task", e.handle.ID, "outcome", outcome, "duration", finished.Sub(started).Round(time.Second))
}

func notifyType(outcome domain.RunStatus) notify.NotificationType {
	switch outcome {
	case domain.StatusDone:
		return notify.NotifySuccess
	case domain.StatusError:
		return notify.NotifyError
	default:
		return notify.NotifyWarning
	}
}

func (d *Dispatcher) emitUpdate(h *domain.TaskHandle) {
	snap := h.Snapshot()
	for _, s := range snap.Scripts {
		d.opts.Emitter.Emit(events.Event{TaskID: h.ID, Kind: events.KindUpdate, Payload: s, Time: time.Now()})
	}
}

// StopTask cancels taskID, or every task for StopAll, and waits until the
// cancelled tasks have finalized or ctx ends.
func (d *Dispatcher) StopTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	var targets []*entry
	if taskID == StopAll {
		for _, e := range d.tasks {
			targets = append(targets, e)
		}
	} else if e, ok := d.tasks[taskID]; ok {
		targets = append(targets, e)
	}
	d.mu.Unlock()

	if len(targets) == 0 && taskID != StopAll {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}

	for _, e := range targets {
		log.Info("stopping task", "task", e.handle.ID)
		e.cancel()
	}
	for _, e := range targets {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until taskID completes or ctx ends
func (d *Dispatcher) Wait(ctx context.Context, taskID string) error {
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tasks returns snapshots of the live tasks, oldest first
func (d *Dispatcher) Tasks() []domain.TaskSnapshot {
	d.mu.Lock()
	handles := make([]*domain.TaskHandle, 0, len(d.tasks))
	for _, e := range d.tasks {
		handles = append(handles, e.handle)
	}
	d.mu.Unlock()

	out := make([]domain.TaskSnapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Task returns a snapshot of one live task
func (d *Dispatcher) Task(taskID string) (domain.TaskSnapshot, bool) {
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok {
		return domain.TaskSnapshot{}, false
	}
	return e.handle.Snapshot(), true
}

// Shutdown stops every task and waits for their goroutines
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if err := d.StopTask(ctx, StopAll); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
