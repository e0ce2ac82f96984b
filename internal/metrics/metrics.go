package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for relay metrics collection
type Collector interface {
	// Device metrics
	DeviceConnected(deviceClass string)
	DeviceDisconnected(deviceClass string)
	AuthFailed(reason string)

	// Signaling metrics
	MessageReceived(messageType string, sizeBytes int)
	MessageForwarded(messageType string, recipients int)
	MessageRejected(messageType, code string)
	MessageDropped(messageType string)
	MemberKicked()

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements Collector on its own registry, so several
// relays can live in one process (tests do this).
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeDevices *prometheus.GaugeVec
	connections   *prometheus.CounterVec
	authFailures  *prometheus.CounterVec

	messagesReceived  *prometheus.CounterVec
	messagesForwarded *prometheus.CounterVec
	fanout            prometheus.Histogram
	messageSize       *prometheus.HistogramVec
	messagesRejected  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	kicks             prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activeDevices: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beam_active_devices",
			Help: "Number of registered devices",
		}, []string{"device_class"}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beam_device_connections_total",
			Help: "Total number of accepted signaling connections",
		}, []string{"device_class"}),

		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beam_auth_failures_total",
			Help: "Total number of rejected signaling connections",
		}, []string{"reason"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beam_messages_received_total",
			Help: "Total number of signaling messages received",
		}, []string{"message_type"}),

		messagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beam_messages_forwarded_total",
			Help: "Total number of room-directed messages forwarded",
		}, []string{"message_type"}),

		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "beam_message_fanout",
			Help:    "Recipients per forwarded message",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),

		messageSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beam_message_size_bytes",
			Help:    "Size of received signaling messages",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}, []string{"message_type"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beam_messages_rejected_total",
			Help: "Total number of messages answered with an error",
		}, []string{"message_type", "code"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beam_messages_dropped_total",
			Help: "Total number of outbound messages lost to a full queue",
		}, []string{"message_type"}),

		kicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "beam_members_kicked_total",
			Help: "Total number of devices disconnected for not keeping up",
		}),
	}
}

func (c *PrometheusCollector) DeviceConnected(deviceClass string) {
	c.activeDevices.WithLabelValues(deviceClass).Inc()
	c.connections.WithLabelValues(deviceClass).Inc()
}

func (c *PrometheusCollector) DeviceDisconnected(deviceClass string) {
	c.activeDevices.WithLabelValues(deviceClass).Dec()
}

func (c *PrometheusCollector) AuthFailed(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) MessageReceived(messageType string, sizeBytes int) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
	c.messageSize.WithLabelValues(messageType).Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageForwarded(messageType string, recipients int) {
	c.messagesForwarded.WithLabelValues(messageType).Inc()
	c.fanout.Observe(float64(recipients))
}

func (c *PrometheusCollector) MessageRejected(messageType, code string) {
	c.messagesRejected.WithLabelValues(messageType, code).Inc()
}

func (c *PrometheusCollector) MessageDropped(messageType string) {
	c.messagesDropped.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) MemberKicked() {
	c.kicks.Inc()
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) DeviceConnected(string)         {}
func (Nop) DeviceDisconnected(string)      {}
func (Nop) AuthFailed(string)              {}
func (Nop) MessageReceived(string, int)    {}
func (Nop) MessageForwarded(string, int)   {}
func (Nop) MessageRejected(string, string) {}
func (Nop) MessageDropped(string)          {}
func (Nop) MemberKicked()                  {}
func (Nop) Handler() http.Handler          { return http.NotFoundHandler() }
