// ABOUTME: Prometheus collectors for huddle-chat
// ABOUTME: A nil *Metrics is valid and records nothing, so components can run without metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "huddle"

// Metrics holds every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	messagesAppended   *prometheus.CounterVec
	aggregationSeconds *prometheus.HistogramVec
	connections        prometheus.Gauge
	eventsDelivered    prometheus.Counter
	eventsDropped      prometheus.Counter
	relayErrors        prometheus.Counter
	httpRequests       *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended, by path (single, batch, socket).",
		}, []string{"path"}),
		aggregationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversation_aggregation_seconds",
			Help:      "Time spent building a conversation list, by aggregation mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Active websocket connections.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_delivered_total",
			Help:      "Message events queued to a connection.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Message events dropped because a connection buffer was full.",
		}),
		relayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_relay_errors_total",
			Help:      "Failed publishes to the cross-instance relay.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesAppended,
		m.aggregationSeconds,
		m.connections,
		m.eventsDelivered,
		m.eventsDropped,
		m.relayErrors,
		m.httpRequests,
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessagesAppended(path string, n int) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) ObserveAggregation(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.aggregationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) EventDelivered() {
	if m == nil {
		return
	}
	m.eventsDelivered.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) RelayError() {
	if m == nil {
		return
	}
	m.relayErrors.Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
