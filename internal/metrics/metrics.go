// Package metrics wraps the Prometheus collectors shared by the broker,
// broadcaster, and gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector Erebus emits.
type Registry struct {
	ConnectionsActive prometheus.Gauge

	PublishesTotal   *prometheus.CounterVec
	BroadcastSent    *prometheus.CounterVec
	BroadcastSkipped *prometheus.CounterVec
	BroadcastDup     *prometheus.CounterVec
	BroadcastErrors  *prometheus.CounterVec
	BroadcastYields  *prometheus.CounterVec
	BackpressureSkip *prometheus.CounterVec
	BroadcastLatency *prometheus.HistogramVec

	SubscribeRejected *prometheus.CounterVec
	PeerRPCErrors     *prometheus.CounterVec
	RegistryErrors    *prometheus.CounterVec
	WebhookDispatched prometheus.Counter
	WebhookErrors     prometheus.Counter
}

// New creates and registers every Erebus Prometheus collector.
func New() *Registry {
	labels := []string{"project", "channel"}
	return &Registry{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "erebus_connections_active",
			Help: "Number of sockets currently attached to a broker.",
		}),
		PublishesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_publishes_total",
			Help: "Total number of publish requests handled by a broker.",
		}, labels),
		BroadcastSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_broadcast_sent_total",
			Help: "Total number of successful per-subscriber deliveries.",
		}, labels),
		BroadcastSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_broadcast_skipped_total",
			Help: "Total number of subscriber deliveries skipped (access control, missing grant).",
		}, labels),
		BroadcastDup: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_broadcast_duplicates_suppressed_total",
			Help: "Total number of duplicate deliveries suppressed within one broadcast.",
		}, labels),
		BroadcastErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_broadcast_errors_total",
			Help: "Total number of socket write errors during broadcast.",
		}, labels),
		BroadcastYields: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_broadcast_yields_total",
			Help: "Total number of cooperative yields between broadcast batches.",
		}, labels),
		BackpressureSkip: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_broadcast_backpressure_skips_total",
			Help: "Total number of deliveries skipped due to high backpressure.",
		}, labels),
		BroadcastLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erebus_broadcast_duration_seconds",
			Help:    "Wall-clock duration of a single broadcast fan-out.",
			Buckets: prometheus.DefBuckets,
		}, labels),
		SubscribeRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_subscribe_rejected_total",
			Help: "Total number of subscribe attempts rejected for capacity.",
		}, labels),
		PeerRPCErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_peer_rpc_errors_total",
			Help: "Total number of failed peer broker RPCs.",
		}, labels),
		RegistryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "erebus_global_registry_errors_total",
			Help: "Total number of failed global registry operations.",
		}, labels),
		WebhookDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "erebus_usage_webhook_events_total",
			Help: "Total number of usage events flushed to the webhook sink.",
		}),
		WebhookErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "erebus_usage_webhook_errors_total",
			Help: "Total number of usage webhook dispatch failures.",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
