// Package metrics defines the Prometheus instruments of the approval engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "approvals"

// Metrics groups the engine instruments.
type Metrics struct {
	submissions      *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	completions      *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	ambiguousMatches prometheus.Counter
	openInstances    prometheus.Gauge
	tickDuration     prometheus.Histogram
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Approval submissions by routing result.",
			},
			[]string{"result"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Recorded stage decisions by decision and resulting stage outcome.",
			},
			[]string{"decision", "outcome"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_completed_total",
				Help:      "Approval instances that reached a terminal status.",
			},
			[]string{"status"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Escalation scheduler outcomes per instance visit.",
			},
			[]string{"result"},
		),
		ambiguousMatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ambiguous_workflow_matches_total",
				Help:      "Selections where more than one active definition matched.",
			},
		),
		openInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_instances",
				Help:      "Open instances seen by the last scheduler tick.",
			},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_tick_seconds",
				Help:      "Duration of escalation scheduler ticks.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.submissions,
			m.decisions,
			m.completions,
			m.escalations,
			m.ambiguousMatches,
			m.openInstances,
			m.tickDuration,
		)
	}
	return m
}

// Submission counts one submit call.
func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// Decision counts one accepted decision.
func (m *Metrics) Decision(decision, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
}

// Completion counts an instance entering a terminal status.
func (m *Metrics) Completion(status string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}

// Escalation counts one scheduler result.
func (m *Metrics) Escalation(result string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(result).Inc()
}

// AmbiguousMatch counts one ambiguous selection.
func (m *Metrics) AmbiguousMatch() {
	if m == nil {
		return
	}
	m.ambiguousMatches.Inc()
}

// Tick records a finished scheduler tick.
func (m *Metrics) Tick(open int, took time.Duration) {
	if m == nil {
		return
	}
	m.openInstances.Set(float64(open))
	m.tickDuration.Observe(took.Seconds())
}
