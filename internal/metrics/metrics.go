// Package metrics provides Prometheus metrics for socks4d.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks4d"

// Metrics contains every Prometheus metric this proxy produces. It
// satisfies internal/socks4.Recorder so a Server can report directly
// into it.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	RepliesSent *prometheus.CounterVec

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	ResolveFailures prometheus.Counter
	ConnectFailures prometheus.Counter

	TunnelDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against
// prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom
// registry, so tests and multiple server instances don't collide on
// the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently in the handshake or tunnel phase",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections accepted",
		}),
		RepliesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Total SOCKS4 reply frames sent, by reply code",
		}, []string{"code"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes relayed from client to remote",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes relayed from remote to client",
		}),
		ResolveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_failures_total",
			Help:      "Total SOCKS4a domain resolutions that failed",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total CONNECT dials that failed",
		}),
		TunnelDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_duration_seconds",
			Help:      "Duration of completed CONNECT tunnels",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ConnectionAccepted implements internal/socks4.Recorder.
func (m *Metrics) ConnectionAccepted() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed implements internal/socks4.Recorder.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// ReplySent implements internal/socks4.Recorder.
func (m *Metrics) ReplySent(code byte) {
	m.RepliesSent.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// BytesRelayed implements internal/socks4.Recorder.
func (m *Metrics) BytesRelayed(sent, received int64) {
	m.BytesSent.Add(float64(sent))
	m.BytesReceived.Add(float64(received))
}

// ResolveFailure implements internal/socks4.Recorder.
func (m *Metrics) ResolveFailure() {
	m.ResolveFailures.Inc()
}

// ConnectFailure implements internal/socks4.Recorder.
func (m *Metrics) ConnectFailure() {
	m.ConnectFailures.Inc()
}

// TunnelClosed implements internal/socks4.Recorder.
func (m *Metrics) TunnelClosed(duration time.Duration) {
	m.TunnelDuration.Observe(duration.Seconds())
}
