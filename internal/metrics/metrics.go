package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Broker Metrics
var (
	// BrokerGroups tracks groups with at least one local member
	BrokerGroups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_groups",
			Help: "Number of groups with at least one local member by broker backend",
		},
		[]string{"backend"},
	)

	// BrokerPublishTotal tracks publish attempts by backend and result
	BrokerPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total envelopes published by backend and result (success/error)",
		},
		[]string{"backend", "result"},
	)

	// BrokerDeliveriesTotal tracks per-member deliveries by result
	BrokerDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Total per-member deliveries by result (delivered/dropped)",
		},
		[]string{"result"},
	)

	// PubSubDecodeErrors tracks pub/sub payloads that could not be decoded
	PubSubDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_decode_errors_total",
			Help: "Total pub/sub payloads dropped because they were not valid envelopes",
		},
	)

	// PubSubMessageLatency tracks time from pub/sub receive to local fan-out completion
	PubSubMessageLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_message_latency_seconds",
			Help:    "Latency from pub/sub message receive to local fan-out completion",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)
)

// Chat Metrics
var (
	// ChatActiveRooms tracks rooms with at least one session on this instance
	ChatActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_rooms",
			Help: "Number of rooms with at least one session on this instance",
		},
	)

	// ChatConnectedClients tracks sessions registered with the hub
	ChatConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connected_clients",
			Help: "Number of chat sessions registered on this instance",
		},
	)

	// ChatJoinsTotal tracks join attempts by result
	ChatJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_joins_total",
			Help: "Total join attempts by result (success/registration_failed/room_full)",
		},
		[]string{"result"},
	)

	// ChatMessagesRelayed tracks inbound messages published to a group
	ChatMessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_relayed_total",
			Help: "Total client messages published to their room group",
		},
	)

	// ChatMessagesRejected tracks inbound messages that were not relayed
	ChatMessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_rejected_total",
			Help: "Total client messages not relayed by reason (malformed/broker_unavailable)",
		},
		[]string{"reason"},
	)

	// ChatSlowClientsEvicted tracks sessions closed because their send buffer was full
	ChatSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_slow_clients_evicted_total",
			Help: "Total chat sessions evicted because their send buffer was full",
		},
	)

	// HubCommandChannelDepth tracks current hub command channel depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current hub command channel depth",
		},
	)

	// HubPanicsTotal tracks hub panic recoveries
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_total",
			Help: "Total hub panic recoveries",
		},
	)

	// HubStopTimeoutsTotal tracks hub stops that exceeded timeout
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub stops that exceeded timeout",
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketMessageSendDuration tracks WebSocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit/origin)",
		},
		[]string{"reason"},
	)

	// WebSocketConnectionCapacity tracks current connection capacity utilization as percentage
	WebSocketConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Current WebSocket connection capacity utilization (0-100%)",
		},
	)

	// WebSocketIdleDisconnects tracks disconnects due to idle timeout
	WebSocketIdleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_idle_disconnects_total",
			Help: "Total WebSocket connections closed due to idle timeout",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
