package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StreamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_frames_total",
			Help: "Frames received from upstream streams",
		},
		[]string{"stream"},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_reconnects_total",
			Help: "Reconnect attempts scheduled per stream",
		},
		[]string{"stream"},
	)

	StreamState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_stream_state",
			Help: "Connection state per stream (0 disconnected, 1 connecting, 2 connected, 3 authenticated)",
		},
		[]string{"stream"},
	)

	LivenessTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_liveness_timeouts_total",
			Help: "Pings that went unanswered",
		},
		[]string{"stream"},
	)

	DroppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dropped_frames_total",
			Help: "Malformed frames dropped by the router",
		},
		[]string{"stream"},
	)

	UpstreamSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_upstream_subscriptions",
			Help: "Live (channel, symbol) keys held upstream",
		},
	)

	DownstreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_downstream_clients",
			Help: "Connected WebSocket clients",
		},
	)

	DownstreamDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_downstream_dropped_messages_total",
			Help: "Messages dropped because a client send buffer was full",
		},
	)

	ArtificialTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artificial_order_transitions_total",
			Help: "Synthetic order state transitions by target status",
		},
		[]string{"status"},
	)

	GatekeeperRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_rejections_total",
			Help: "Orders rejected before submission",
		},
		[]string{"reason"},
	)

	BrokerOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_orders_total",
			Help: "Orders submitted to the broker by origin and result",
		},
		[]string{"origin", "result"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "REST requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		StreamFrames,
		StreamReconnects,
		StreamState,
		LivenessTimeouts,
		DroppedFrames,
		UpstreamSubscriptions,
		DownstreamClients,
		DownstreamDrops,
		ArtificialTransitions,
		GatekeeperRejections,
		BrokerOrders,
		HTTPRequests,
		HTTPLatency,
	)
}
