// Package metric provides Prometheus metrics for the friends-connect
// service: connection lifecycle counters, notification relay counters,
// and broker health. The registry is private so tests can run side by
// side without collector collisions.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all service-level metrics
type Metrics struct {
	ConnectionsCreated   prometheus.Counter
	ConnectionsJoined    prometheus.Counter
	ConnectionsRecovered prometheus.Counter
	MessagesSent         prometheus.Counter

	NotificationsDelivered    *prometheus.CounterVec // labeled by source: lifecycle|relay
	NotificationsAcknowledged prometheus.Counter

	PublishFailures prometheus.Counter
	ConsumerErrors  prometheus.Counter
	NATSConnected   prometheus.Gauge

	HTTPDuration *prometheus.HistogramVec
}

// Registry wraps a private Prometheus registry with the service metrics
type Registry struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewRegistry creates a registry with all service metrics plus the Go
// runtime and process collectors
func NewRegistry() *Registry {
	m := &Metrics{
		ConnectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "connections",
			Name:      "created_total",
			Help:      "Total connections created",
		}),
		ConnectionsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "connections",
			Name:      "joined_total",
			Help:      "Total successful joins by link",
		}),
		ConnectionsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "connections",
			Name:      "recovered_total",
			Help:      "Total connections restored from client backups",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Total messages sent between participants",
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "notifications",
			Name:      "delivered_total",
			Help:      "Total notifications appended to inboxes",
		}, []string{"source"}),
		NotificationsAcknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "notifications",
			Name:      "acknowledged_total",
			Help:      "Total notifications drained by acknowledgement",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "relay",
			Name:      "publish_failures_total",
			Help:      "Total outbound events dropped after a publish failure",
		}),
		ConsumerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "friends_connect",
			Subsystem: "relay",
			Name:      "consumer_errors_total",
			Help:      "Total inbound consumer receive errors",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "friends_connect",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection health (1=connected, 0=disconnected)",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "friends_connect",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route", "status"}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.ConnectionsCreated,
		m.ConnectionsJoined,
		m.ConnectionsRecovered,
		m.MessagesSent,
		m.NotificationsDelivered,
		m.NotificationsAcknowledged,
		m.PublishFailures,
		m.ConsumerErrors,
		m.NATSConnected,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{registry: registry, Metrics: m}
}

// Handler returns the HTTP handler exposing the metrics
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying gatherer for tests
func (r *Registry) Gather() prometheus.Gatherer {
	return r.registry
}
