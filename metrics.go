package xpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "xpc").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Metrics counts connection activity. A nil *Metrics records nothing.
type Metrics struct {
	connections *prometheus.CounterVec
	messages    *prometheus.CounterVec
	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// Drop reasons.
const (
	dropReleased   = "released"
	dropNoDelegate = "no_delegate"
	dropPanic      = "delegate_panic"
)

// NewMetrics registers the collectors with cfg.Registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "xpc"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connections_total",
			Help:        "Connection state transitions (created, released)",
			ConstLabels: cfg.ConstLabels,
		}, []string{"event"}),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Messages sent, by mode and result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"mode", "result"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "events_dispatched_total",
			Help:        "Events forwarded to delegates, by kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "events_dropped_total",
			Help:        "Events not forwarded to a delegate, by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
	}
}

var defaultMetrics = atomic.NewPointer[Metrics](nil)

// SetMetrics sets the package metrics, used by connections created without
// WithMetrics and for events whose connection is already gone. Pass nil to
// disable.
func SetMetrics(m *Metrics) {
	defaultMetrics.Store(m)
}

func (m *Metrics) connection(event string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(event).Inc()
}

func (m *Metrics) message(mode string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) dispatched(kind EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
