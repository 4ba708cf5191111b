// ABOUTME: Prometheus collectors for the feed pipeline: frames, reconnects, agents and alerts
// ABOUTME: Methods are nil-safe so components can run without metrics wired in

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldtrack"

// Frame results for FrameReceived.
const (
	FrameApplied   = "applied"
	FrameInvalid   = "invalid"
	FrameAuthError = "auth_error"
	FrameStale     = "stale"
)

// Alert transitions for Alert.
const (
	AlertRaised  = "raised"
	AlertCleared = "cleared"
)

// Metrics exposes Prometheus collectors that report tracking activity.
type Metrics struct {
	frames            *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	snapshotsRejected prometheus.Counter
	reconnects        prometheus.Counter
	authFailures      prometheus.Counter
	agentsTracked     prometheus.Gauge
	stationaryAgents  prometheus.Gauge
	connected         prometheus.Gauge
	alerts            *prometheus.CounterVec
	applyDuration     prometheus.Histogram
}

// MustNew constructs and registers the collectors. Registration errors
// panic, mirroring promauto. Pass a fresh registry in tests.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_total",
			Help:      "Inbound feed frames by outcome.",
		}, []string{"result"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "decode_errors_total",
			Help:      "Frames discarded because they could not be decoded.",
		}),
		snapshotsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "snapshots_rejected_total",
			Help:      "Individual agent snapshots skipped by the decoder or the store.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts scheduled by the supervisor.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "auth_failures_total",
			Help:      "Connections or refreshes rejected for authentication reasons.",
		}),
		agentsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "agents_tracked",
			Help:      "Agents currently held in the session store.",
		}),
		stationaryAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "stationary_agents",
			Help:      "Agents whose stationary alert is active.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the upstream feed connection is live.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "alerts_total",
			Help:      "Stationary alert transitions.",
		}, []string{"transition"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracking",
			Name:      "apply_batch_duration_seconds",
			Help:      "Time spent applying one decoded batch to the store.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}

	reg.MustRegister(
		m.frames, m.decodeErrors, m.snapshotsRejected, m.reconnects, m.authFailures,
		m.agentsTracked, m.stationaryAgents, m.connected, m.alerts, m.applyDuration,
	)
	return m
}

// FrameReceived counts one frame with the given result.
func (m *Metrics) FrameReceived(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
	if result == FrameInvalid {
		m.decodeErrors.Inc()
	}
}

// SnapshotsRejected adds n skipped snapshots.
func (m *Metrics) SnapshotsRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.snapshotsRejected.Add(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// SetConnected flips the connection gauge.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// SetAgents records the tracked and stationary agent counts.
func (m *Metrics) SetAgents(tracked, stationary int) {
	if m == nil {
		return
	}
	m.agentsTracked.Set(float64(tracked))
	m.stationaryAgents.Set(float64(stationary))
}

// Alert counts n alert transitions of one kind.
func (m *Metrics) Alert(transition string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alerts.WithLabelValues(transition).Add(float64(n))
}

// ObserveApply records how long one ApplyBatch took.
func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.Observe(d.Seconds())
}
