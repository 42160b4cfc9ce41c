// Package metrics provides Prometheus metrics for qnet-htx.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qnet_htx"

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Mux/stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	// Data transfer metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
	FramesSent    *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Key rotation metrics
	KeyUpdatesSent     prometheus.Counter
	KeyUpdatesReceived prometheus.Counter
	EncryptionEpoch    prometheus.Gauge
	ControlGateClosed  prometheus.Gauge

	// Bootstrap metrics
	BootstrapAttempts prometheus.Counter
	BootstrapSuccess  prometheus.Counter
	BootstrapFailures *prometheus.CounterVec
	BootstrapLatency  prometheus.Histogram

	// TLS-mirror calibration metrics
	MirrorCalibrations   prometheus.Counter
	MirrorCacheHits      prometheus.Counter
	MirrorCalibrationLatency prometheus.Histogram

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active mux streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type",
		}, []string{"error_type"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by frame type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by frame type",
		}, []string{"type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),

		KeyUpdatesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_updates_sent_total",
			Help:      "Total KEY_UPDATE frames sent (local rotations)",
		}),
		KeyUpdatesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_updates_received_total",
			Help:      "Total KEY_UPDATE frames received from the peer",
		}),
		EncryptionEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encryption_epoch",
			Help:      "Current encryption epoch (number of completed key rotations)",
		}),
		ControlGateClosed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_gate_closed",
			Help:      "1 if the rekey-close gate is currently closed (data writes dropped), 0 otherwise",
		}),

		BootstrapAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_attempts_total",
			Help:      "Total seed connection attempts",
		}),
		BootstrapSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_success_total",
			Help:      "Total successful seed resolutions",
		}),
		BootstrapFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_failures_total",
			Help:      "Total seed connection failures by reason",
		}, []string{"reason"}),
		BootstrapLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bootstrap_latency_seconds",
			Help:      "Histogram of time to resolve a working seed",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 20, 30},
		}),

		MirrorCalibrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_calibrations_total",
			Help:      "Total TLS-mirror calibration probes run",
		}),
		MirrorCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_cache_hits_total",
			Help:      "Total TLS-mirror template cache hits",
		}),
		MirrorCalibrationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mirror_calibration_latency_seconds",
			Help:      "Histogram of TLS-mirror calibration probe latency",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of Noise-XK handshake completion latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
	}
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a stream error.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordKeyUpdateSent records a local key rotation and updates the epoch gauge.
func (m *Metrics) RecordKeyUpdateSent(epoch uint64) {
	m.KeyUpdatesSent.Inc()
	m.EncryptionEpoch.Set(float64(epoch))
}

// RecordKeyUpdateReceived records a peer-initiated key rotation.
func (m *Metrics) RecordKeyUpdateReceived(epoch uint64) {
	m.KeyUpdatesReceived.Inc()
	m.EncryptionEpoch.Set(float64(epoch))
}

// SetControlGateClosed reflects the mux's current rekey-close gate state.
func (m *Metrics) SetControlGateClosed(closed bool) {
	if closed {
		m.ControlGateClosed.Set(1)
		return
	}
	m.ControlGateClosed.Set(0)
}

// RecordBootstrapAttempt records one seed dial attempt's outcome.
func (m *Metrics) RecordBootstrapAttempt(ok bool, reason string) {
	m.BootstrapAttempts.Inc()
	if ok {
		m.BootstrapSuccess.Inc()
		return
	}
	m.BootstrapFailures.WithLabelValues(reason).Inc()
}

// RecordBootstrapLatency records the total seed-resolution latency.
func (m *Metrics) RecordBootstrapLatency(latencySeconds float64) {
	m.BootstrapLatency.Observe(latencySeconds)
}

// RecordMirrorCalibration records a fresh (non-cached) calibration probe.
func (m *Metrics) RecordMirrorCalibration(latencySeconds float64) {
	m.MirrorCalibrations.Inc()
	m.MirrorCalibrationLatency.Observe(latencySeconds)
}

// RecordMirrorCacheHit records a cached template lookup.
func (m *Metrics) RecordMirrorCacheHit() {
	m.MirrorCacheHits.Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}
