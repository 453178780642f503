package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the execution engine.
type Metrics struct {
	RunsStarted       *prometheus.CounterVec
	RunsFinished      *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
	RunDuration       prometheus.Histogram
	OutputLines       *prometheus.CounterVec
	PersistRetries    prometheus.Counter
	SandboxViolations prometheus.Counter
	TokensStreamed    prometheus.Counter
}

// NewMetrics creates and registers engine metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "runs_started_total",
			Help:      "Total agent runs started, by sandboxed yes/no.",
		}, []string{"sandboxed"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "runs_finished_total",
			Help:      "Total agent runs finished, by final status.",
		}, []string{"status"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "active_runs",
			Help:      "Agent runs currently executing.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		OutputLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "output_lines_total",
			Help:      "Output lines processed, by stream.",
		}, []string{"stream"}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "output_persist_retries_total",
			Help:      "Output record writes that needed a retry.",
		}),
		SandboxViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "sandbox_violations_total",
			Help:      "Sandbox denials detected in run output.",
		}),
		TokensStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "engine",
			Name:      "tokens_streamed_total",
			Help:      "Tokens reported by provider events across all runs.",
		}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.ActiveRuns,
		m.RunDuration,
		m.OutputLines,
		m.PersistRetries,
		m.SandboxViolations,
		m.TokensStreamed,
	)

	return m
}
