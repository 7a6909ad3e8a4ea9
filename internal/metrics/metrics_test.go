package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Submission("routed")
	m.Submission("routed")
	m.Submission("no_workflow")
	m.Decision("APPROVED", "SATISFIED")
	m.Escalation("fired")
	m.AmbiguousMatch()
	m.Tick(3, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("routed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("no_workflow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("APPROVED", "SATISFIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("fired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ambiguousMatches))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openInstances))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Submission("routed")
		m.Decision("REJECTED", "REJECTED")
		m.Completion("REJECTED")
		m.Escalation("fired")
		m.AmbiguousMatch()
		m.Tick(0, time.Second)
	})
}
