package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/serversignal/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "serversignal").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for broadcast duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "serversignal",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus collectors.
type metrics struct {
	broadcastsTotal   *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec
	recipients        *prometheus.HistogramVec
	frameBytes        *prometheus.HistogramVec
	droppedTotal      *prometheus.CounterVec
	lastSeq           *prometheus.GaugeVec
	activeSessions    *prometheus.GaugeVec
	sessionsTotal     *prometheus.CounterVec
	sessionCloses     *prometheus.CounterVec
	resyncsTotal      *prometheus.CounterVec
	wsErrors          *prometheus.CounterVec
}

// globalMetrics is created on the first call to Prometheus and shared by the
// Record functions.
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
			Buckets:     buckets,
		}, labels)
	}

	return &metrics{
		broadcastsTotal:   counter("broadcasts_total", "Total number of signal updates broadcast", "signal", "status"),
		broadcastDuration: histogram("broadcast_duration_seconds", "Time spent fanning an update out to sessions", config.Buckets, "signal"),
		recipients:        histogram("broadcast_recipients", "Sessions an update was queued for", prometheus.ExponentialBuckets(1, 4, 8), "signal"),
		frameBytes:        histogram("update_frame_bytes", "Encoded size of update frames", prometheus.ExponentialBuckets(64, 4, 8), "signal"),
		droppedTotal:      counter("sessions_dropped_total", "Sessions closed because their send queue was full", "signal"),
		lastSeq:           gauge("signal_seq", "Last broadcast sequence number", "signal"),
		activeSessions:    gauge("active_sessions", "Number of attached WebSocket sessions", "codec"),
		sessionsTotal:     counter("sessions_total", "Total number of sessions started", "codec"),
		sessionCloses:     counter("session_closes_total", "Sessions closed by reason", "reason"),
		resyncsTotal:      counter("resyncs_total", "Session syncs by outcome", "mode"),
		wsErrors:          counter("websocket_errors_total", "Total number of WebSocket errors", "error_type"),
	}
}

// Prometheus returns a broadcast middleware recording update metrics.
// The collectors are registered once; later calls share them and ignore
// their options.
func Prometheus(opts ...MetricsOption) server.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(ctx context.Context, b *server.Broadcast, next func(context.Context) error) error {
		name := b.Update.Name
		start := time.Now()

		err := next(ctx)

		m.broadcastDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		m.frameBytes.WithLabelValues(name).Observe(float64(b.FrameSize))
		m.recipients.WithLabelValues(name).Observe(float64(b.Recipients))
		m.lastSeq.WithLabelValues(name).Set(float64(b.Update.Seq))
		if b.Dropped > 0 {
			m.droppedTotal.WithLabelValues(name).Add(float64(b.Dropped))
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		m.broadcastsTotal.WithLabelValues(name, status).Inc()
		return err
	}
}

func current() *metrics {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	return globalMetrics
}

// RecordSessionStart records a session attaching with the given codec.
func RecordSessionStart(codec string) {
	if m := current(); m != nil {
		m.sessionsTotal.WithLabelValues(codec).Inc()
		m.activeSessions.WithLabelValues(codec).Inc()
	}
}

// RecordSessionClose records a session closing with err, nil for a normal
// close.
func RecordSessionClose(codec string, err error) {
	if m := current(); m != nil {
		m.activeSessions.WithLabelValues(codec).Dec()
		m.sessionCloses.WithLabelValues(closeReason(err)).Inc()
	}
}

// RecordResync records how a session was brought up to date, for example
// "replay" or "snapshot".
func RecordResync(mode string) {
	if m := current(); m != nil {
		m.resyncsTotal.WithLabelValues(mode).Inc()
	}
}

// RecordWebSocketError records a WebSocket-level failure.
func RecordWebSocketError(errorType string) {
	if m := current(); m != nil {
		m.wsErrors.WithLabelValues(errorType).Inc()
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "normal"
	case errors.Is(err, server.ErrSendQueueFull):
		return "slow_consumer"
	case errors.Is(err, server.ErrServerClosed), errors.Is(err, server.ErrHubClosed):
		return "shutdown"
	default:
		return "error"
	}
}

// Collector exposes the initialized collectors for inspection.
type Collector struct {
	m *metrics
}

// GetMetrics returns the collectors created by Prometheus, or nil before
// the first call.
func GetMetrics() *Collector {
	if m := current(); m != nil {
		return &Collector{m: m}
	}
	return nil
}

// Broadcasts returns the broadcast counter for a signal and status.
func (c *Collector) Broadcasts(signal, status string) prometheus.Counter {
	return c.m.broadcastsTotal.WithLabelValues(signal, status)
}

// ActiveSessions returns the active session gauge for a codec.
func (c *Collector) ActiveSessions(codec string) prometheus.Gauge {
	return c.m.activeSessions.WithLabelValues(codec)
}

// WebSocketErrors returns the WebSocket error counter for an error type.
func (c *Collector) WebSocketErrors(errorType string) prometheus.Counter {
	return c.m.wsErrors.WithLabelValues(errorType)
}
