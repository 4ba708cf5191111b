// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Uses a private registry per test and prometheus/testutil to read values

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.FrameReceived(FrameApplied)
	m.FrameReceived(FrameApplied)
	m.FrameReceived(FrameInvalid)
	m.SnapshotsRejected(3)
	m.SnapshotsRejected(0)
	m.Reconnect()
	m.AuthFailure()
	m.Alert(AlertRaised, 2)
	m.Alert(AlertCleared, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues(FrameApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues(FrameInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.snapshotsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alerts.WithLabelValues(AlertRaised)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues(AlertCleared)))
}

func TestMetrics_Gauges(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.SetAgents(5, 2)
	m.SetConnected(true)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.agentsTracked))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stationaryAgents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	m.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)
	m.ObserveApply(time.Millisecond)
	m.FrameReceived(FrameApplied)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fieldtrack_feed_frames_total"])
	assert.True(t, names["fieldtrack_tracking_apply_batch_duration_seconds"])
	assert.True(t, names["fieldtrack_tracking_agents_tracked"])
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg)
	assert.Panics(t, func() { MustNew(reg) })
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived(FrameApplied)
		m.SnapshotsRejected(1)
		m.Reconnect()
		m.AuthFailure()
		m.SetConnected(true)
		m.SetAgents(1, 1)
		m.Alert(AlertRaised, 1)
		m.ObserveApply(time.Second)
	})
}
