// Package runmode implements the state machines that drive one script inside
// a task: the unattended auto-run, the operator-checked manual review and the
// one-shot configure session.
package runmode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/broadcast"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/device"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/executor"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/judge"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/logmonitor"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/notify"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/observer"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/process"
)

const (
	defaultLogWait = 60 * time.Second
	defaultLogPoll = time.Second
	lastLogLines   = 50
)

// Process is the part of a process.Launcher the run modes use.
type Process interface {
	Open(ctx context.Context, path string, args []string, track *process.Target) error
	OpenURL(ctx context.Context, url string, track *process.Target) error
	IsRunning() bool
	Kill(force bool) error
}

// ProcessFactory creates a fresh handle for each attempt
type ProcessFactory func(opts process.Options) Process

// Launchers returns a ProcessFactory backed by process.Launcher
func Launchers(pool *process.Pool) ProcessFactory {
	return func(opts process.Options) Process {
		if opts.Pool == nil {
			opts.Pool = pool
		}
		return process.New(opts)
	}
}

// DriverFactory builds the device driver of a script
type DriverFactory func(cfg config.DeviceConfig) (device.Driver, error)

// Drivers returns a DriverFactory backed by device.New
func Drivers(pool *process.Pool) DriverFactory {
	return func(cfg config.DeviceConfig) (device.Driver, error) {
		return device.New(cfg, pool)
	}
}

// Updater installs a newer tool release into root and returns its version,
// or "" when the tool is current.
type Updater interface {
	Apply(ctx context.Context, manifestURL, current, root string) (string, error)
}

// Deps are the collaborators shared by every run mode
type Deps struct {
	Store     *config.Store
	Devices   DriverFactory
	Processes ProcessFactory
	Monitor   logmonitor.Options
	Judge     judge.Judge
	Notifier  notify.Notifier
	History   *history.Recorder
	Updater   Updater
	Broadcast *broadcast.Broadcast
	Observer  *observer.Observer
	Tools     ToolConfig
	Now       func() time.Time

	// LogWait bounds how long a launched tool may take to create its log.
	LogWait time.Duration
	LogPoll time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Devices == nil {
		d.Devices = Drivers(nil)
	}
	if d.Processes == nil {
		d.Processes = Launchers(nil)
	}
	if d.Judge == nil {
		d.Judge = judge.Disabled{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.NoopNotifier{}
	}
	if d.Broadcast == nil {
		d.Broadcast = broadcast.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.LogWait <= 0 {
		d.LogWait = defaultLogWait
	}
	if d.LogPoll <= 0 {
		d.LogPoll = defaultLogPoll
	}
	return d
}

// Run binds a run mode to its script slot in a task
type Run struct {
	Handle *domain.TaskHandle
	Index  int
	Emit   events.Emitter
}

func (r Run) update(fn func(*domain.ScriptRunState)) {
	snap := r.Handle.Update(r.Index, fn)
	if snap == nil || r.Emit == nil {
		return
	}
	r.Emit.Emit(events.Event{TaskID: r.Handle.ID, Kind: events.KindUpdate, Payload: snap, Time: time.Now()})
}

func (r Run) notice(level, format string, args ...interface{}) {
	if r.Emit == nil {
		return
	}
	r.Emit.Emit(events.Event{
		TaskID:  r.Handle.ID,
		Kind:    events.KindInfo,
		Payload: events.Notice{Level: level, Text: fmt.Sprintf(format, args...)},
		Time:    time.Now(),
	})
}

// New builds the contract that runs sc in mode. For configure-script, target
// is the script id or the id of the user whose configuration is edited.
func New(mode domain.Mode, sc config.ScriptConfig, target string, run Run, deps Deps) (executor.Contract, error) {
	deps = deps.withDefaults()
	switch mode {
	case domain.ModeAutoRun:
		return NewAutoProxy(sc, run, deps), nil
	case domain.ModeManualReview:
		if domain.ScriptKind(sc.Kind) != domain.KindMAA {
			return nil, fmt.Errorf("%w: manual review needs a %s script, %s is %s", domain.ErrValidation, domain.KindMAA, sc.ID, sc.Kind)
		}
		return NewManualReview(sc, run, deps), nil
	case domain.ModeConfigure:
		userID := ""
		if target != "" && target != sc.ID {
			userID = target
		}
		return NewSetup(sc, userID, run, deps), nil
	}
	return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrValidation, mode)
}

// ask pushes a prompt to the operator and waits for the answer.
func ask(ctx context.Context, run Run, b *broadcast.Broadcast, title, text string, options ...string) (broadcast.Message, error) {
	id := uuid.NewString()
	return b.Await(ctx, id, func() {
		if run.Emit == nil {
			return
		}
		run.Emit.Emit(events.Event{
			TaskID:  run.Handle.ID,
			Kind:    events.KindMessage,
			Payload: events.Prompt{ID: id, Title: title, Text: text, Options: options},
			Time:    time.Now(),
		})
	})
}

func lastLines(lines []string) string {
	if len(lines) > lastLogLines {
		lines = lines[len(lines)-lastLogLines:]
	}
	return strings.Join(lines, "\n")
}
