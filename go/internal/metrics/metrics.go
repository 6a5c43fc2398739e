package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector receives sync server measurements.
type Collector interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	MessageReceived(messageType string)
	MessageRejected(reason string)
	CommandBroadcast(commandType string, attempted, failed int, duration time.Duration)
	ClockSample(latencyMs, offsetMs int64)
	ConnectionsEvicted(count int)
}

// NoOpCollector discards everything.
type NoOpCollector struct{}

func (NoOpCollector) ConnectionOpened()                                {}
func (NoOpCollector) ConnectionClosed(string)                          {}
func (NoOpCollector) MessageReceived(string)                           {}
func (NoOpCollector) MessageRejected(string)                           {}
func (NoOpCollector) CommandBroadcast(string, int, int, time.Duration) {}
func (NoOpCollector) ClockSample(int64, int64)                         {}
func (NoOpCollector) ConnectionsEvicted(int)                           {}

// PrometheusCollector implements Collector with Prometheus metrics.
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	activeConnections prometheus.Gauge
	connectionsClosed *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesRejected  *prometheus.CounterVec

	commandsBroadcast *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec

	latency      prometheus.Histogram
	clockOffset  prometheus.Histogram
	evictedTotal prometheus.Counter
}

// NewPrometheusCollector registers the sync metrics with reg.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		gatherer: reg,

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vrsync_active_connections",
			Help: "Number of registered device connections",
		}),
		connectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrsync_connections_closed_total",
				Help: "Connections removed from the registry",
			},
			[]string{"reason"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrsync_messages_received_total",
				Help: "Valid device messages received",
			},
			[]string{"message_type"},
		),
		messagesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrsync_messages_rejected_total",
				Help: "Device messages that failed decoding or validation",
			},
			[]string{"reason"},
		),

		commandsBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrsync_commands_broadcast_total",
				Help: "Operator commands fanned out to devices",
			},
			[]string{"command_type"},
		),
		broadcastFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrsync_broadcast_send_failures_total",
				Help: "Per-connection send failures during broadcast",
			},
			[]string{"command_type"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vrsync_broadcast_duration_seconds",
				Help:    "Time spent enqueueing a command to every connection",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"command_type"},
		),

		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrsync_ping_latency_ms",
			Help:    "One-way latency estimated from device PINGs",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		clockOffset: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrsync_clock_offset_ms",
			Help:    "Absolute clock offset estimated from device PINGs",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 10000},
		}),
		evictedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrsync_heartbeat_evictions_total",
			Help: "Connections evicted by the liveness sweep",
		}),
	}
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.activeConnections.Inc()
}

func (c *PrometheusCollector) ConnectionClosed(reason string) {
	c.activeConnections.Dec()
	c.connectionsClosed.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) MessageReceived(messageType string) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejected.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) CommandBroadcast(commandType string, attempted, failed int, duration time.Duration) {
	c.commandsBroadcast.WithLabelValues(commandType).Inc()
	if failed > 0 {
		c.broadcastFailures.WithLabelValues(commandType).Add(float64(failed))
	}
	c.broadcastDuration.WithLabelValues(commandType).Observe(duration.Seconds())
}

func (c *PrometheusCollector) ClockSample(latencyMs, offsetMs int64) {
	c.latency.Observe(float64(latencyMs))
	if offsetMs < 0 {
		offsetMs = -offsetMs
	}
	c.clockOffset.Observe(float64(offsetMs))
}

func (c *PrometheusCollector) ConnectionsEvicted(count int) {
	c.evictedTotal.Add(float64(count))
}

// Handler exposes the registry for scraping.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
