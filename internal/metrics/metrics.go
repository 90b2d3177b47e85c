package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway Metrics
var (
	// GatewayConnectionsCurrent tracks current active WebSocket connections
	GatewayConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// GatewayConnectionsTotal tracks connection attempts by result
	GatewayConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket connection attempts by result (accepted/auth_failed/quota_exceeded/origin_rejected/error)",
		},
		[]string{"result"},
	)

	// GatewayMessagesReceived tracks inbound client frames by kind
	GatewayMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Total client frames received by kind",
		},
		[]string{"kind"},
	)

	// GatewayRateLimitedMessages tracks frames dropped for exhausted rate tokens
	GatewayRateLimitedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_messages_total",
			Help: "Total client frames dropped because the connection was out of rate tokens",
		},
	)

	// GatewayMalformedMessages tracks frames that failed to parse or validate
	GatewayMalformedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_malformed_messages_total",
			Help: "Total client frames rejected as malformed",
		},
	)

	// GatewayMessagesDelivered tracks update frames fanned out to clients
	GatewayMessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_messages_delivered_total",
			Help: "Total update frames delivered to subscribed connections",
		},
	)

	// GatewayFanoutDuration tracks time from bus receive to the last local send
	GatewayFanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_fanout_duration_seconds",
			Help:    "Time from bus message receive to WebSocket send enqueue",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// GatewaySlowClientsEvicted tracks slow clients disconnected on a full buffer
	GatewaySlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_slow_clients_evicted_total",
			Help: "Total slow WebSocket clients evicted due to a full send buffer",
		},
	)

	// GatewayIdleDisconnects tracks disconnects due to idle timeout
	GatewayIdleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_idle_disconnects_total",
			Help: "Total WebSocket connections closed due to idle timeout",
		},
	)

	// GatewayPingFailures tracks WebSocket ping failures
	GatewayPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)
)

// Subscription Metrics
var (
	// SubscriptionsCurrent tracks total topic memberships on this process
	SubscriptionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_current",
			Help: "Current number of topic memberships across all connections",
		},
	)

	// SubscriptionsRejected tracks subscribes rejected at the per-connection cap
	SubscriptionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subscriptions_rejected_total",
			Help: "Total subscribes rejected because the connection hit its topic cap",
		},
	)
)

// Scheduler Metrics
var (
	// SchedulerFetchDuration tracks upstream fetch latency per source
	SchedulerFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_fetch_duration_seconds",
			Help:    "Upstream fetch duration in seconds per source type",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	// SchedulerFetchTotal tracks fetch attempts per source by status
	SchedulerFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_fetch_total",
			Help: "Total upstream fetches per source by status (success/failure)",
		},
		[]string{"source", "status"},
	)

	// SchedulerConsecutiveFailures tracks the current failure streak per source
	SchedulerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_consecutive_failures",
			Help: "Current consecutive upstream failure count per source type",
		},
		[]string{"source"},
	)

	// SchedulerSkippedTicks tracks ticks skipped while a fetch was in flight
	SchedulerSkippedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_skipped_ticks_total",
			Help: "Total scheduler ticks skipped because a fetch was already in flight",
		},
		[]string{"source"},
	)

	// SchedulerForcedRefreshes tracks operator-triggered refresh ticks
	SchedulerForcedRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_forced_refreshes_total",
			Help: "Total forced refresh requests per source type",
		},
		[]string{"source"},
	)

	// SchedulerCacheWritesRejected tracks monotonic-rule rejected cache writes
	SchedulerCacheWritesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_cache_writes_rejected_total",
			Help: "Total cache writes rejected because a newer entry was already stored",
		},
	)
)

// Broadcast Bus Metrics
var (
	// BusConnectivity is 1 while the bus subscription is live, 0 otherwise
	BusConnectivity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_connectivity",
			Help: "1 if the broadcast bus subscription is active, 0 if disconnected",
		},
	)

	// BusReconnects tracks reconnection attempts after a dropped link
	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Total broadcast bus reconnection attempts after disconnect",
		},
	)

	// BusMessagesReceived tracks messages received from the bus
	BusMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_messages_received_total",
			Help: "Total broadcast messages received from the bus",
		},
	)

	// BusMessagesPublished tracks messages published to the bus
	BusMessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Total broadcast messages published to the bus",
		},
	)

	// BusPublishErrors tracks failed publishes
	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_publish_errors_total",
			Help: "Total broadcast publish failures",
		},
	)
)

// Quota Metrics
var (
	// QuotaRejections tracks operations rejected by the quota collaborator
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total operations rejected by the per-principal quota",
		},
	)
)
