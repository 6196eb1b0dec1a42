package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus metrics published by the ingestion service.
type Metrics struct {
	namespace string

	messagesReceived prometheus.Counter
	messagesDropped  prometheus.Counter
	decodeErrors     prometheus.Counter
	undecryptable    prometheus.Counter
	packetsStored    *prometheus.CounterVec
	duplicatesSeen   prometheus.Counter
	storeRetries     prometheus.Counter
	storeDrops       prometheus.Counter
	nodeMerges       prometheus.Counter
	routeAnomalies   prometheus.Counter
	subscriberDrops  prometheus.Counter
	queueDepth       prometheus.Gauge
	brokerConnected  prometheus.Gauge
	subscribers      prometheus.Gauge

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshsink).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers the service metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshsink",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		namespace: cfg.namespace,
		messagesReceived: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_received_total",
			Help:      "Total number of MQTT messages received from the broker.",
		}),
		messagesDropped: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of MQTT messages evicted from the full listener queue.",
		}),
		decodeErrors: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of malformed messages rejected by the decoder.",
		}),
		undecryptable: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "undecryptable_payloads_total",
			Help:      "Total number of encrypted payloads recorded as opaque observations.",
		}),
		packetsStored: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_stored_total",
			Help:      "Total number of packets persisted, partitioned by payload kind.",
		}, []string{"kind"}),
		duplicatesSeen: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "duplicate_observations_total",
			Help:      "Total number of deliveries that were dedup no-ops.",
		}),
		storeRetries: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_retries_total",
			Help:      "Total number of retried storage writes.",
		}),
		storeDrops: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_drops_total",
			Help:      "Total number of envelopes dropped after storage retries were exhausted.",
		}),
		nodeMerges: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "node_merges_total",
			Help:      "Total number of node state merges applied.",
		}),
		routeAnomalies: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "route_anomalies_total",
			Help:      "Total number of conflicting forward routes rejected.",
		}),
		subscriberDrops: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Total number of live events lost to slow subscribers.",
		}),
		queueDepth: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "listener_queue_depth",
			Help:      "Current number of messages waiting for a decode worker.",
		}),
		brokerConnected: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "broker_connected",
			Help:      "Whether the MQTT broker connection is up (1) or down (0).",
		}),
		subscribers: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "live_subscribers",
			Help:      "Current number of attached live stream subscribers.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncMessagesReceived increments the raw message counter.
func (m *Metrics) IncMessagesReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// IncMessagesDropped increments the listener eviction counter.
func (m *Metrics) IncMessagesDropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

// IncDecodeErrors increments the malformed-message counter.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// IncUndecryptable notes an encrypted payload stored as opaque.
func (m *Metrics) IncUndecryptable() {
	if m == nil {
		return
	}
	m.undecryptable.Inc()
}

// ObservePacketStored records a persisted packet by payload kind.
func (m *Metrics) ObservePacketStored(kind string) {
	if m == nil {
		return
	}
	m.packetsStored.WithLabelValues(kind).Inc()
}

// IncDuplicates notes a dedup no-op delivery.
func (m *Metrics) IncDuplicates() {
	if m == nil {
		return
	}
	m.duplicatesSeen.Inc()
}

// IncStoreRetries notes a retried storage write.
func (m *Metrics) IncStoreRetries() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

// IncStoreDrops notes an envelope lost after retry exhaustion and marks the
// service unhealthy.
func (m *Metrics) IncStoreDrops() {
	if m == nil {
		return
	}
	m.storeDrops.Inc()
	m.healthy.Store(false)
}

// IncNodeMerges notes an applied node state merge.
func (m *Metrics) IncNodeMerges() {
	if m == nil {
		return
	}
	m.nodeMerges.Inc()
}

// IncRouteAnomalies notes a rejected conflicting forward route.
func (m *Metrics) IncRouteAnomalies() {
	if m == nil {
		return
	}
	m.routeAnomalies.Inc()
}

// IncSubscriberDrops notes live events lost to slow consumers.
func (m *Metrics) IncSubscriberDrops(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.subscriberDrops.Add(float64(n))
}

// ObserveQueueDepth tracks the listener queue depth.
func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetBrokerConnected flips the broker connectivity gauge.
func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}

// SetSubscribers tracks the number of live subscribers.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// Healthy reports whether recent operations have seen unrecoverable errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
