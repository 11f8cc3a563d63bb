package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the SFU signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: sfu (application-level grouping)
// - subsystem: signaling, room, media (feature-level grouping)
//
// Gauges track current state (connections, rooms, entities), counters track
// cumulative events, histograms track latency distributions.

var (
	// ActiveConnections tracks the current number of signaling connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "connections_active",
		Help:      "Current number of active signaling connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPeers tracks the number of joined peers per room.
	RoomPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "room",
		Name:      "peers_count",
		Help:      "Number of peers joined in each room",
	}, []string{"room_id"})

	// ActiveProducers tracks live producers across all rooms.
	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "media",
		Name:      "producers_active",
		Help:      "Current number of live producers",
	})

	// ActiveConsumers tracks live consumers across all rooms.
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "media",
		Name:      "consumers_active",
		Help:      "Current number of live consumers",
	})

	// SignalingEvents counts processed signaling messages by type and outcome.
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "events_total",
		Help:      "Total signaling events processed",
	}, []string{"event_type", "status"})

	// DispatchDuration tracks the time spent dispatching signaling requests.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching signaling requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
	}, []string{"event_type"})

	// WorkerRequests counts media worker channel requests by method and outcome.
	WorkerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "media",
		Name:      "worker_requests_total",
		Help:      "Total media worker channel requests",
	}, []string{"method", "status"})

	// CircuitBreakerState reports the Redis circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts publishes dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total publishes rejected by the circuit breaker",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected connection attempts.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope", "key_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
