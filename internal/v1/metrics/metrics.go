package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the streaming signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: streamhub (application-level grouping)
// - subsystem: websocket, room, relay, cache, ratelimit, batch, store, bus
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, viewers)
// - Counter: Cumulative events (messages processed, drops, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomViewers tracks the number of admitted viewers in each room
	RoomViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "room",
		Name:      "viewers_count",
		Help:      "Number of admitted viewers in each room",
	}, []string{"room_id"})

	// PendingApprovals tracks the size of each room's approval queue
	PendingApprovals = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "room",
		Name:      "pending_approvals",
		Help:      "Number of viewers waiting for approval in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamhub",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RelaySignals tracks offer/answer/ice relay deliveries by kind and route
	RelaySignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "relay",
		Name:      "signals_total",
		Help:      "Total WebRTC signals relayed",
	}, []string{"kind", "route"})

	// CacheRequests tracks cache hits and misses per level
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by level and result",
	}, []string{"level", "result"})

	// CacheBytes tracks the L1 byte budget usage
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "cache",
		Name:      "l1_bytes",
		Help:      "Bytes currently held by the in-process cache",
	})

	// CacheInvalidations tracks invalidation fan-out by trigger
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Cache invalidations by trigger",
	}, []string{"trigger"})

	// RateLimitDecisions tracks limiter outcomes per tier
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by tier and outcome",
	}, []string{"tier", "outcome"})

	// RateLimitExceeded tracks denials at the connection gate
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Connection-gate rate limit rejections",
	}, []string{"scope"})

	// BannedIPs tracks the number of currently banned addresses
	BannedIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "ratelimit",
		Name:      "banned_ips",
		Help:      "Number of currently banned client addresses",
	})

	// ThrottleFactor reports the adaptive throttle multiplier (1.0 = off)
	ThrottleFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "ratelimit",
		Name:      "throttle_factor",
		Help:      "Adaptive throttle multiplier applied to all limits",
	})

	// BatchesFlushed counts flushed batches by priority
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "batch",
		Name:      "flushed_total",
		Help:      "Batches flushed by highest contained priority",
	}, []string{"priority"})

	// BatchMessagesDropped counts overflow drops
	BatchMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "batch",
		Name:      "dropped_total",
		Help:      "Messages dropped from full batch queues",
	})

	// BatchFillRatio observes the fill ratio of flushed batches
	BatchFillRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamhub",
		Subsystem: "batch",
		Name:      "fill_ratio",
		Help:      "Messages per batch divided by the batch cap",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	// StoreOperationDuration tracks store gateway call latency
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamhub",
		Subsystem: "store",
		Name:      "operation_seconds",
		Help:      "Store gateway operation latency",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})

	// StoreCircuitState reports the breaker state (0 closed, 1 half-open, 2 open)
	StoreCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamhub",
		Subsystem: "store",
		Name:      "circuit_state",
		Help:      "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// StoreDegradedOps counts operations dropped or emptied while the breaker is open
	StoreDegradedOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "store",
		Name:      "degraded_total",
		Help:      "Store operations degraded because the circuit breaker was open",
	}, []string{"op"})

	// BusMessages counts bus traffic by channel and direction
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Cross-server bus messages by channel and direction",
	}, []string{"channel", "direction"})

	// ProtocolFrames counts binary protocol frames by type and result
	ProtocolFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamhub",
		Subsystem: "websocket",
		Name:      "binary_frames_total",
		Help:      "Binary protocol frames by type and decode result",
	}, []string{"frame_type", "result"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
