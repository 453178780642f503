package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the run scheduler.
type Metrics struct {
	RunsPromoted     prometheus.Counter
	RunsResumed      prometheus.Counter
	RunsLost         prometheus.Counter
	SchedulesFired   prometheus.Counter
	ScheduleFailures prometheus.Counter
	SweepErrors      prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "runs_promoted_total",
			Help:      "Total scheduled runs promoted to pending and started.",
		}),
		RunsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "runs_resumed_total",
			Help:      "Total usage-limited runs auto-resumed after their reset time.",
		}),
		RunsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "runs_lost_total",
			Help:      "Total running rows failed because their process was gone.",
		}),
		SchedulesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "schedules_fired_total",
			Help:      "Total recurring schedule firings that started a run.",
		}),
		ScheduleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "schedule_failures_total",
			Help:      "Total recurring schedule firings that failed to start a run.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "sweep_errors_total",
			Help:      "Total sweep steps that ended in an error.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each scheduler sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.RunsPromoted,
		m.RunsResumed,
		m.RunsLost,
		m.SchedulesFired,
		m.ScheduleFailures,
		m.SweepErrors,
		m.SweepDuration,
	)
	return m
}
