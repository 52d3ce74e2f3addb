package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salas_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salas_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salas_messages_appended_total",
			Help: "Total messages appended to room logs",
		},
		[]string{"role"},
	)

	DeliveryPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salas_delivery_publishes_total",
			Help: "Total message rows published to delivery subscribers",
		},
		[]string{"source"}, // "local" or "relay"
	)

	PresenceJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "salas_presence_joins_total",
			Help: "Total presence joins",
		},
	)

	PresenceEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "salas_presence_evictions_total",
			Help: "Sessions evicted for missing heartbeats",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "salas_ws_sessions_active",
			Help: "Open participant websocket sessions",
		},
	)

	SessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salas_session_errors_total",
			Help: "Errors surfaced to participant sessions",
		},
		[]string{"kind"},
	)

	// Gateway metrics
	GatewayInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salas_gateway_invocations_total",
			Help: "Agent gateway invocations",
		},
		[]string{"driver", "outcome"}, // outcome: ok, timeout, status, empty, error
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salas_gateway_latency_seconds",
			Help:    "Agent gateway latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"driver"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "salas_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
