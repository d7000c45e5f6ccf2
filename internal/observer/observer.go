// Package observer keeps in-process run statistics and exports them as
// Prometheus metrics.
package observer

import (
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// Observer monitors task execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration
	metrics        *Metrics

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	TaskID      string
	Mode        domain.Mode
	Outcome     domain.RunStatus
	Duration    time.Duration
	CompletedAt time.Time
}

// Summary holds aggregated metrics
type Summary struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// New creates a new Observer. metrics may be nil.
func New(stuckThreshold time.Duration, metrics *Metrics) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		metrics:        metrics,
	}
}

// IsStuck returns true if a task has been registered longer than the threshold
func (o *Observer) IsStuck(task domain.TaskSnapshot, now time.Time) bool {
	if o.stuckThreshold <= 0 {
		return false
	}
	return now.Sub(task.CreatedAt) > o.stuckThreshold
}

// TaskStarted counts a newly registered task
func (o *Observer) TaskStarted() {
	if o != nil && o.metrics != nil {
		o.metrics.TasksRunning.Inc()
	}
}

// RecordCompletion records a task completion
func (o *Observer) RecordCompletion(taskID string, mode domain.Mode, outcome domain.RunStatus, duration time.Duration) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.completions = append(o.completions, completion{
		TaskID:      taskID,
		Mode:        mode,
		Outcome:     outcome,
		Duration:    duration,
		CompletedAt: time.Now(),
	})
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.TasksRunning.Dec()
		o.metrics.TasksTotal.WithLabelValues(string(mode), string(outcome)).Inc()
		o.metrics.TaskDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
	}
}

// RecordAttempt counts one finished attempt
func (o *Observer) RecordAttempt(script string, phase domain.Phase, res domain.Result) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.AttemptsTotal.WithLabelValues(script, string(phase), string(res.Kind)).Inc()
}

// RecordJudgment counts one LLM re-classification
func (o *Observer) RecordJudgment(provider string, res domain.Result) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.JudgmentsTotal.WithLabelValues(provider, string(res.Kind)).Inc()
}

// RecordUpdate counts one tool update side task
func (o *Observer) RecordUpdate(script string, err error) {
	if o == nil || o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.UpdatesTotal.WithLabelValues(script, outcome).Inc()
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Summary
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.TotalCompleted++
		if c.Outcome == domain.StatusError {
			metrics.TotalFailed++
		}
		totalDuration += c.Duration
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns completions from the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}

	return result
}
