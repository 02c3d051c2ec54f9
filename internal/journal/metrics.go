package journal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus registry for loom's session
// counters and gauges. One instance per process; scheduler and runner
// collaborate through it, it is not per-run like Writer.
type Metrics struct {
	Registry *prometheus.Registry

	TicketsCompleted prometheus.Counter
	TicketsFailed    prometheus.Counter
	TicketsBlocked   prometheus.Counter
	QARuns           *prometheus.CounterVec // label: outcome=success|failure
	SpindleTriggers  *prometheus.CounterVec // label: trigger
	CyclesCompleted  prometheus.Counter

	ActiveWorktrees prometheus.Gauge
	SessionPhase    *prometheus.GaugeVec // label: phase=warmup|deep|cooldown, value 0/1
}

// NewMetrics registers every series on a fresh registry, namespaced "loom".
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TicketsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom", Name: "tickets_completed_total", Help: "Tickets that reached done or in_review.",
		}),
		TicketsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom", Name: "tickets_failed_total", Help: "Tickets that ended blocked or aborted.",
		}),
		TicketsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom", Name: "tickets_blocked_total", Help: "Tickets that ended blocked.",
		}),
		QARuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Name: "qa_runs_total", Help: "QA orchestrator runs by outcome.",
		}, []string{"outcome"}),
		SpindleTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Name: "spindle_triggers_total", Help: "Spindle governor triggers by kind.",
		}, []string{"trigger"}),
		CyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom", Name: "cycles_completed_total", Help: "Spin scheduler cycles completed.",
		}),
		ActiveWorktrees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom", Name: "active_worktrees", Help: "Worktrees currently checked out.",
		}),
		SessionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom", Name: "session_phase", Help: "1 for the current session-arc phase, 0 otherwise.",
		}, []string{"phase"}),
	}

	reg.MustRegister(
		m.TicketsCompleted, m.TicketsFailed, m.TicketsBlocked,
		m.QARuns, m.SpindleTriggers, m.CyclesCompleted,
		m.ActiveWorktrees, m.SessionPhase,
	)
	return m
}

// SetPhase zeroes every phase gauge then sets the active one to 1.
func (m *Metrics) SetPhase(phase string) {
	for _, p := range []string{"warmup", "deep", "cooldown"} {
		v := 0.0
		if p == phase {
			v = 1.0
		}
		m.SessionPhase.WithLabelValues(p).Set(v)
	}
}
