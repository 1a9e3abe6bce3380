package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring call lifecycle, signaling relay, and fan-out
var (
	// Call lifecycle metrics
	CallInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_initiated_total",
		Help: "Total number of calls initiated",
	}, []string{"kind"})

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of calls ended",
	}, []string{"reason"}) // "empty", "moderator", "stale"

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Current number of live calls in the registry",
	})

	CallParticipantsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_participants_live",
		Help: "Current number of live participants across all calls",
	})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of ended calls",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
	})

	// Signaling relay metrics
	SignalRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_relayed_total",
		Help: "Total number of signaling messages relayed",
	}, []string{"kind"}) // "offer", "answer", "ice_candidate"

	SignalRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_rejected_total",
		Help: "Total number of signaling messages rejected",
	}, []string{"reason"}) // "call_not_found", "peer_not_in_call", "invalid_kind"

	// Presence fan-out metrics
	PresenceEventSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_event_sent_total",
		Help: "Total number of presence events delivered to recipients",
	}, []string{"type"})

	PresenceEventDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_event_dropped_total",
		Help: "Total number of presence events dropped per recipient",
	}, []string{"reason"}) // "sink_gone", "buffer_full"

	// Invitation metrics
	InvitationCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invitation_created_total",
		Help: "Total number of call invitations created",
	})

	InvitationResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invitation_resolved_total",
		Help: "Total number of call invitations resolved",
	}, []string{"status"}) // "accepted", "declined", "expired"

	// WebSocket lifecycle metrics
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_websocket_connections",
		Help: "Current number of active WebSocket sessions",
	})

	WebSocketDisconnectionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_websocket_disconnection_total",
		Help: "Total number of WebSocket disconnections",
	}, []string{"reason"}) // "client_close", "read_error", "write_error"

	WebSocketMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_websocket_messages_total",
		Help: "Total number of WebSocket messages",
	}, []string{"direction"}) // "in", "out"
)
