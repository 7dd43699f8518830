package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Message("INFORM")
		m.Failure("no_path")
		m.Trip(12)
	})
}

func TestCountersAccumulate(t *testing.T) {
	m := NewMetrics()
	m.Message("INFORM")
	m.Message("INFORM")
	m.Message("CFP")
	m.Recalculation("incident")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("INFORM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("CFP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recalculations.WithLabelValues("incident")))
}
