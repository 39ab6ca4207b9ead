// Package metrics declares the Prometheus collectors for the tracker.
//
// Collectors register with the default registry on import and are served
// by promhttp on the local API's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Location tracking
	LocationCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "location_commits_total",
			Help: "Samples accepted by the distance gate",
		},
	)

	LocationSamplesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_samples_discarded_total",
			Help: "Samples not committed",
		},
		[]string{"reason"}, // out_of_order, gated
	)

	LocationPushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "location_push_failures_total",
			Help: "Backend location pushes that failed and were dropped",
		},
	)

	SamplerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sampler_errors_total",
			Help: "Sampling errors by kind",
		},
		[]string{"kind"},
	)

	GeocodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_requests_total",
			Help: "Reverse geocode attempts by outcome",
		},
		[]string{"outcome"}, // resolved, failed, short_circuited
	)

	// Realtime bridge
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Server events received by event name",
		},
		[]string{"event"},
	)

	RealtimeReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnect_attempts_total",
			Help: "Automatic reconnection attempts",
		},
	)

	RealtimeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connected",
			Help: "1 while the realtime channel is connected",
		},
	)

	// Nearby store
	NearbyEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nearby_entities",
			Help: "Entities held in the nearby snapshot",
		},
		[]string{"kind"},
	)

	NearbyRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearby_refreshes_total",
			Help: "Full refresh fetches by outcome",
		},
		[]string{"outcome"},
	)
)
