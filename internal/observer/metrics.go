package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "automas"

// Metrics holds the Prometheus collectors
type Metrics struct {
	TasksRunning   prometheus.Gauge
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	AttemptsTotal  *prometheus.CounterVec
	JudgmentsTotal *prometheus.CounterVec
	UpdatesTotal   *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Number of registered tasks",
			},
		),
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Finished tasks by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task duration in seconds",
				Buckets:   []float64{10, 60, 300, 600, 1800, 3600, 7200, 14400},
			},
			[]string{"mode"},
		),
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Attempts by script, phase and result kind",
			},
			[]string{"script", "phase", "result"},
		),
		JudgmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_judgments_total",
				Help:      "LLM re-classifications by provider and resulting kind",
			},
			[]string{"provider", "result"},
		),
		UpdatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_updates_total",
				Help:      "Tool update side tasks by script and outcome",
			},
			[]string{"script", "outcome"},
		),
	}
}
