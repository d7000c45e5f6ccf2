package domain

import "fmt"

// ResultKind is the closed set of attempt classifications
type ResultKind string

const (
	ResultRunning     ResultKind = "running"
	ResultSuccess     ResultKind = "success"
	ResultTimeout     ResultKind = "timeout"
	ResultDeviceError ResultKind = "device_error"
	ResultFailure     ResultKind = "classified_failure"
	ResultSkipped     ResultKind = "skipped"
	ResultAborted     ResultKind = "aborted"
)

// Result is the classification of one attempt. Detail carries the
// operator-facing text; control flow must only look at Kind.
type Result struct {
	Kind   ResultKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
}

// Running is the non-terminal classification
func Running() Result { return Result{Kind: ResultRunning} }

// Success is a completed attempt
func Success() Result { return Result{Kind: ResultSuccess, Detail: "Success!"} }

// Timeout is a stalled attempt
func Timeout(detail string) Result { return Result{Kind: ResultTimeout, Detail: detail} }

// DeviceError means the device or the tool's connection to it failed
func DeviceError(detail string) Result { return Result{Kind: ResultDeviceError, Detail: detail} }

// Failure is a failure recognised from the log text
func Failure(detail string) Result { return Result{Kind: ResultFailure, Detail: detail} }

// Skipped marks a record that consumed no attempt
func Skipped(detail string) Result { return Result{Kind: ResultSkipped, Detail: detail} }

// Aborted marks a record closed by cancellation
func Aborted() Result { return Result{Kind: ResultAborted, Detail: "manually aborted"} }

// Terminal reports whether the attempt has reached a final classification.
func (r Result) Terminal() bool { return r.Kind != ResultRunning && r.Kind != "" }

// IsSuccess reports a successful attempt
func (r Result) IsSuccess() bool { return r.Kind == ResultSuccess }

// IsFailure reports the failure kinds eligible for retry and LLM escalation.
func (r Result) IsFailure() bool {
	switch r.Kind {
	case ResultTimeout, ResultDeviceError, ResultFailure:
		return true
	}
	return false
}

func (r Result) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// ParseResultKind maps a free-form verdict onto the closed set, returning
// false for anything unrecognised.
func ParseResultKind(s string) (ResultKind, bool) {
	switch ResultKind(s) {
	case ResultRunning, ResultSuccess, ResultTimeout, ResultDeviceError, ResultFailure, ResultSkipped, ResultAborted:
		return ResultKind(s), true
	}
	switch s {
	case "failure", "failed", "error":
		return ResultFailure, true
	}
	return "", false
}
