package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Wire protocol metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latticesim_frames_total",
			Help: "Total number of wire frames processed",
		},
		[]string{"device_id", "frame_type", "result"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latticesim_requests_total",
			Help: "Total number of secure requests dispatched",
		},
		[]string{"device_id", "operation", "response_code"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "latticesim_request_duration_seconds",
			Help:    "Secure request handling latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"operation"},
	)

	// Session metrics
	SessionRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latticesim_session_rotations_total",
			Help: "Total number of ephemeral key rotations",
		},
	)

	// UI channel metrics
	UIChannelConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latticesim_ui_channel_connections",
			Help: "Number of active UI WebSocket channels",
		},
	)

	UIMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latticesim_ui_messages_total",
			Help: "Total number of UI channel messages processed",
		},
		[]string{"device_id", "message_type", "direction"},
	)

	// Signing metrics
	SigningRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latticesim_signing_requests_total",
			Help: "Total number of signing requests by outcome",
		},
		[]string{"outcome"}, // approved, rejected, expired
	)

	// Pairing metrics
	PairingWindowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latticesim_pairing_windows_total",
			Help: "Total number of pairing windows by outcome",
		},
		[]string{"outcome"}, // paired, exited; window expiry is not counted
	)
)
