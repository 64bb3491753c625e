package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Frame metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2alive_frames_received_total",
			Help: "Inbound frames that passed validation, by type",
		},
		[]string{"type"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2alive_frames_sent_total",
			Help: "Outbound frames, by type",
		},
		[]string{"type"},
	)

	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2alive_frame_errors_total",
			Help: "Error frames emitted, by code",
		},
		[]string{"code"},
	)

	Replays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2alive_replays_total",
			Help: "Duplicate frames answered from the response cache",
		},
	)

	// Session metrics
	SessionsNegotiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2alive_sessions_negotiated_total",
			Help: "Negotiations, by outcome",
		},
		[]string{"outcome"}, // "accepted" or "rejected"
	)

	SessionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2alive_sessions",
			Help: "Sessions held in memory",
		},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2alive_sessions_swept_total",
			Help: "Expired sessions removed by the sweeper",
		},
	)

	ApprovalsRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2alive_approvals_requested_total",
			Help: "needs_input approvals raised",
		},
	)

	// Reply generation
	GenerateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2alive_generate_duration_seconds",
			Help:    "Reply generation latency",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 25, 60},
		},
		[]string{"result"}, // "ok" or "fallback"
	)

	// Transport
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2alive_connections",
			Help: "Open WebSocket connections",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "a2alive_rate_limit_hits_total",
			Help: "Inbound frames dropped by the per-connection limiter",
		},
	)

	FanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2alive_fanout_messages_total",
			Help: "Frames exchanged over the fanout bus",
		},
		[]string{"direction"}, // "published" or "delivered"
	)
)
