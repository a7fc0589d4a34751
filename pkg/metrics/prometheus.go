package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call metrics
	callsInitiatedTotal *prometheus.CounterVec
	callOutcomesTotal   *prometheus.CounterVec
	callsActive         prometheus.Gauge

	// Signaling relay metrics
	signalsRelayedTotal *prometheus.CounterVec

	// Push notification metrics
	pushNotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of live WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages by direction and type",
				ConstLabels: labels,
			},
			[]string{"direction", "type"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		callsInitiatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_initiated_total",
				Help:        "Total number of calls initiated by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		callOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_outcomes_total",
				Help:        "Total number of terminated calls by final status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently in flight",
				ConstLabels: labels,
			},
		),

		signalsRelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_relayed_total",
				Help:        "Total number of relayed negotiation payloads by kind and result",
				ConstLabels: labels,
			},
			[]string{"kind", "result"},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notification sends by provider and result",
				ConstLabels: labels,
			},
			[]string{"provider", "result"},
		),
	}
}

// GetRegistry returns the private Prometheus registry for the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request with its status and latency
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// IncrementWebSocketConnections increments the live connection gauge
func (m *Metrics) IncrementWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the live connection gauge
func (m *Metrics) DecrementWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records one inbound or outbound message
func (m *Metrics) RecordWebSocketMessage(direction, messageType string) {
	m.websocketMessagesTotal.WithLabelValues(direction, messageType).Inc()
}

// RecordWebSocketError records a WebSocket-level failure
func (m *Metrics) RecordWebSocketError(reason string) {
	m.websocketErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordCallInitiated records a new call and bumps the active gauge
func (m *Metrics) RecordCallInitiated(kind string) {
	m.callsInitiatedTotal.WithLabelValues(kind).Inc()
	m.callsActive.Inc()
}

// RecordCallOutcome records a terminal transition and drops the active gauge
func (m *Metrics) RecordCallOutcome(status string) {
	m.callOutcomesTotal.WithLabelValues(status).Inc()
	m.callsActive.Dec()
}

// RecordSignalRelayed records one relay attempt
func (m *Metrics) RecordSignalRelayed(kind, result string) {
	m.signalsRelayedTotal.WithLabelValues(kind, result).Inc()
}

// RecordPushNotification records one push send attempt
func (m *Metrics) RecordPushNotification(provider, result string) {
	m.pushNotificationsTotal.WithLabelValues(provider, result).Inc()
}
