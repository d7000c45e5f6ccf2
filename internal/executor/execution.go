// Package executor runs a task body under the lifecycle every run mode shares:
// a single guarded execution, a final step that always runs, crash capture,
// and a completion signal observers can wait on.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

// State is the lifecycle position of an Execution
type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateCrashed    State = "crashed"
	StateCancelled  State = "cancelled"
)

// Contract is implemented by every run mode.
type Contract interface {
	// MainTask does the work. Returning ctx.Err() after cancellation is expected.
	MainTask(ctx context.Context) error
	// FinalTask releases resources and persists results. It runs exactly once
	// per execution on a context that is not cancelled with the task.
	FinalTask(ctx context.Context) error
	// OnCrash observes unexpected errors and recovered panics. It must not panic.
	OnCrash(err error)
}

// Preparer is an optional Contract extension run before MainTask.
// An error here ends the execution without calling MainTask.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// DefaultFinalizeTimeout bounds FinalTask
const DefaultFinalizeTimeout = 30 * time.Second

// Execution drives one Contract. It can be executed once.
type Execution struct {
	contract        Contract
	done            *Signal
	finalizeTimeout time.Duration

	mu      sync.Mutex
	state   State
	started bool
	err     error
}

// New wraps c
func New(c Contract) *Execution {
	return &Execution{contract: c, done: NewSignal(), finalizeTimeout: DefaultFinalizeTimeout, state: StateIdle}
}

// WithFinalizeTimeout overrides the FinalTask budget
func (e *Execution) WithFinalizeTimeout(d time.Duration) *Execution {
	e.finalizeTimeout = d
	return e
}

// State returns the current lifecycle state
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal error, if any, once Done is set
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is set after FinalTask has returned
func (e *Execution) Done() *Signal { return e.done }

func (e *Execution) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Execute runs the contract to completion. A second call, concurrent or
// not, fails with domain.ErrAlreadyRunning and leaves the first untouched.
func (e *Execution) Execute(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("execution: %w", domain.ErrAlreadyRunning)
	}
	e.started = true
	e.mu.Unlock()

	e.done.Clear()

	defer func() {
		final := StateDone
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			final = StateCancelled
		default:
			final = StateCrashed
		}

		e.mu.Lock()
		e.state = final
		e.err = err
		e.mu.Unlock()
		e.done.Set()
	}()

	runErr := e.runMain(ctx)
	if runErr != nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	e.setState(StateFinalizing)
	if finalErr := e.runFinal(ctx); finalErr != nil {
		log.Error("final task failed", "error", finalErr)
		if runErr == nil {
			runErr = finalErr
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		e.crash(runErr)
	}
	return runErr
}

func (e *Execution) runMain(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", domain.ErrCrashed, r, debug.Stack())
		}
	}()

	if p, ok := e.contract.(Preparer); ok {
		e.setState(StatePreparing)
		if err := p.Prepare(ctx); err != nil {
			return err
		}
	}

	e.setState(StateRunning)
	return e.contract.MainTask(ctx)
}

func (e *Execution) runFinal(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in final task: %v", domain.ErrCrashed, r)
		}
	}()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
	defer cancel()
	fctx = context.WithValue(fctx, cancelledKey{}, ctx.Err() != nil)
	return e.contract.FinalTask(fctx)
}

type cancelledKey struct{}

// Cancelled reports, inside FinalTask, whether the execution was cancelled.
func Cancelled(ctx context.Context) bool {
	v, _ := ctx.Value(cancelledKey{}).(bool)
	return v
}

func (e *Execution) crash(err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("crash handler panicked", "panic", r)
		}
	}()
	e.contract.OnCrash(err)
}
