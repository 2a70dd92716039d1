// Package metrics exposes Prometheus instrumentation for the sync layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsApplied counts core events applied to the zone state cache,
	// labelled by event kind.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roonrd_events_applied_total",
		Help: "Core events applied to the state cache.",
	}, []string{"kind"})

	// DeltasDropped counts deltas discarded because they referenced unknown
	// zones or queue items.
	DeltasDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roonrd_deltas_dropped_total",
		Help: "Partial updates dropped for referencing unknown state.",
	}, []string{"kind"})

	// Observers tracks currently registered real-time observers.
	Observers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roonrd_observers",
		Help: "Registered websocket observers.",
	})

	// MessagesCoalesced counts observer messages collapsed by the drop
	// policy (seek coalescing and snapshot fallback).
	MessagesCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roonrd_messages_coalesced_total",
		Help: "Observer messages coalesced or replaced by snapshots.",
	}, []string{"reason"})

	// ImageFetches counts album-art fetches, labelled hit/miss.
	ImageFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roonrd_image_fetches_total",
		Help: "Album art lookups against the image cache.",
	}, []string{"result"})

	// SubscriptionSwitches counts queue subscription transitions.
	SubscriptionSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roonrd_queue_subscription_switches_total",
		Help: "Queue subscription zone switches issued to the core.",
	})
)

// Handler serves the registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
