package domain

import "fmt"

// Mode selects which run-mode state machine drives a task
type Mode string

const (
	ModeAutoRun      Mode = "auto-run"
	ModeManualReview Mode = "manual-review"
	ModeConfigure    Mode = "configure-script"
)

// ParseMode validates a mode string coming from the API or CLI
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAutoRun, ModeManualReview, ModeConfigure:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, s)
}

// RunStatus is the lifecycle state of a script or user inside a task
type RunStatus string

const (
	StatusWaiting RunStatus = "waiting"
	StatusRunning RunStatus = "running"
	StatusSkipped RunStatus = "skipped"
	StatusDone    RunStatus = "done"
	StatusError   RunStatus = "error"
)

// Finished reports whether no more work will happen for this state
func (s RunStatus) Finished() bool {
	return s == StatusSkipped || s == StatusDone || s == StatusError
}

// ScriptKind names the automation tool family a script drives
type ScriptKind string

const (
	KindMAA     ScriptKind = "maa"
	KindGeneral ScriptKind = "general"
)

// Phase is one sub-mode of an auto-run for a single user
type Phase string

const (
	// PhaseIntensive is the weekly capped content pass.
	PhaseIntensive Phase = "intensive"
	// PhaseRoutine is the daily pass.
	PhaseRoutine Phase = "routine"
)

// UserMode controls how a user's tool configuration is produced
type UserMode string

const (
	// UserSimple users get a configuration generated from their settings.
	UserSimple UserMode = "simple"
	// UserDetailed users carry a full stored tool configuration.
	UserDetailed UserMode = "detailed"
)
