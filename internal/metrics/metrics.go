package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_sessions_active",
			Help: "Currently connected sessions",
		},
	)

	RoomJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_room_joins_total",
			Help: "Total join-room events applied",
		},
	)

	InvalidEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_invalid_events_total",
			Help: "Inbound events dropped as invalid",
		},
		[]string{"event"},
	)

	// Relay metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_relayed_total",
			Help: "Messages stored and broadcast",
		},
		[]string{"scope"}, // "room" or "global"
	)

	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_failed_total",
			Help: "Messages rejected because storage was unavailable",
		},
	)

	FanoutRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_fanout_recipients",
			Help:    "Sessions targeted per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	HistoryRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_history_requests_total",
			Help: "Total request-history events served",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5},
		},
		[]string{"op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_store_errors_total",
			Help: "Message store operations that failed",
		},
		[]string{"op"},
	)
)
