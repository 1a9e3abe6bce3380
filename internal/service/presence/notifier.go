package presence

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventsync-backend/internal/domain"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/metrics"
)

// Event types pushed to connected sessions
const (
	EventParticipantJoined  = "call.participant.joined"
	EventParticipantLeft    = "call.participant.left"
	EventMediaChanged       = "call.media.changed"
	EventInvitationIncoming = "call.invitation.incoming"
	EventCallEnded          = "call.ended"
	EventSignal             = "call.signal"
)

// Event is one server-to-client push
type Event struct {
	Type   string      `json:"type"`
	CallID uuid.UUID   `json:"call_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// ParticipantJoinedData is the payload of call.participant.joined
type ParticipantJoinedData struct {
	Participant domain.Participant `json:"participant"`
}

// ParticipantLeftData is the payload of call.participant.left
type ParticipantLeftData struct {
	UserID    uuid.UUID `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
}

// MediaChangedData is the payload of call.media.changed
type MediaChangedData struct {
	UserID    uuid.UUID         `json:"user_id"`
	SessionID uuid.UUID         `json:"session_id"`
	Media     domain.MediaState `json:"media"`
}

// CallEndedData is the payload of call.ended
type CallEndedData struct {
	Reason string `json:"reason"` // "empty", "moderator", "stale"
}

// InvitationIncomingData is the payload of call.invitation.incoming
type InvitationIncomingData struct {
	Invitation domain.Invitation `json:"invitation"`
}

// Sink delivery errors. Deliver must never block: a session that cannot keep
// up loses the event rather than stalling the fan-out to everyone else.
var (
	ErrSinkClosed = errors.New("session sink closed")
	ErrSinkFull   = errors.New("session send buffer full")
)

// Sink is one session's outbound event channel. Implemented by the
// WebSocket transport; events enqueued here are written in FIFO order.
type Sink interface {
	Deliver(event Event) error
}

// Notifier tracks connected session sinks and fans call events out to them.
// Delivery is best-effort per recipient: one failed recipient never blocks
// or fails delivery to the rest.
type Notifier struct {
	mu    sync.RWMutex
	sinks map[uuid.UUID]Sink                   // sessionID -> sink
	users map[uuid.UUID]map[uuid.UUID]struct{} // userID -> live sessionIDs
}

// NewNotifier creates an empty notifier
func NewNotifier() *Notifier {
	return &Notifier{
		sinks: make(map[uuid.UUID]Sink),
		users: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Attach registers a session's sink. Called by the transport when the
// session connects, before any call operation for that session.
func (n *Notifier) Attach(sessionID, userID uuid.UUID, sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sinks[sessionID] = sink
	sessions, ok := n.users[userID]
	if !ok {
		sessions = make(map[uuid.UUID]struct{})
		n.users[userID] = sessions
	}
	sessions[sessionID] = struct{}{}
}

// Detach unregisters a session's sink. Events addressed to the session
// afterwards are dropped with a warning.
func (n *Notifier) Detach(sessionID, userID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.sinks, sessionID)
	if sessions, ok := n.users[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(n.users, userID)
		}
	}
}

// SinkFor returns the sink of a connected session
func (n *Notifier) SinkFor(sessionID uuid.UUID) (Sink, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sink, ok := n.sinks[sessionID]
	return sink, ok
}

// IsUserOnline reports whether the user has at least one connected session
func (n *Notifier) IsUserOnline(userID uuid.UUID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.users[userID]) > 0
}

// NotifyUser delivers an event to every connected session of a user and
// returns how many sessions it reached
func (n *Notifier) NotifyUser(userID uuid.UUID, event Event) int {
	n.mu.RLock()
	sessionIDs := make([]uuid.UUID, 0, len(n.users[userID]))
	for sessionID := range n.users[userID] {
		sessionIDs = append(sessionIDs, sessionID)
	}
	n.mu.RUnlock()

	return n.Broadcast(event, sessionIDs)
}

// Broadcast delivers an event to each recipient session, best-effort.
// The recipient list is expected to have been snapshotted under the
// owning call's lock; delivery itself happens without any lock held.
func (n *Notifier) Broadcast(event Event, recipients []uuid.UUID) int {
	delivered := 0
	for _, sessionID := range recipients {
		sink, ok := n.SinkFor(sessionID)
		if !ok {
			metrics.PresenceEventDroppedTotal.WithLabelValues("sink_gone").Inc()
			logger.Warn("Dropping event for disconnected session",
				zap.String("event", event.Type),
				zap.String("session_id", sessionID.String()))
			continue
		}
		if err := sink.Deliver(event); err != nil {
			reason := "sink_gone"
			if errors.Is(err, ErrSinkFull) {
				reason = "buffer_full"
			}
			metrics.PresenceEventDroppedTotal.WithLabelValues(reason).Inc()
			logger.Warn("Failed to deliver event to session",
				zap.String("event", event.Type),
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
			continue
		}
		delivered++
		metrics.PresenceEventSentTotal.WithLabelValues(event.Type).Inc()
	}
	return delivered
}

// BroadcastJoined announces a new participant to the given recipients
func (n *Notifier) BroadcastJoined(callID uuid.UUID, participant domain.Participant, recipients []uuid.UUID) {
	n.Broadcast(Event{
		Type:   EventParticipantJoined,
		CallID: callID,
		Data:   ParticipantJoinedData{Participant: participant},
	}, recipients)
}

// BroadcastLeft announces a departed participant to the given recipients
func (n *Notifier) BroadcastLeft(callID, userID, sessionID uuid.UUID, recipients []uuid.UUID) {
	n.Broadcast(Event{
		Type:   EventParticipantLeft,
		CallID: callID,
		Data:   ParticipantLeftData{UserID: userID, SessionID: sessionID},
	}, recipients)
}

// BroadcastMediaChanged announces a participant's new media flags to the
// given recipients
func (n *Notifier) BroadcastMediaChanged(callID, userID, sessionID uuid.UUID, media domain.MediaState, recipients []uuid.UUID) {
	n.Broadcast(Event{
		Type:   EventMediaChanged,
		CallID: callID,
		Data:   MediaChangedData{UserID: userID, SessionID: sessionID, Media: media},
	}, recipients)
}

// BroadcastEnded announces call termination to the given recipients
func (n *Notifier) BroadcastEnded(callID uuid.UUID, reason string, recipients []uuid.UUID) {
	n.Broadcast(Event{
		Type:   EventCallEnded,
		CallID: callID,
		Data:   CallEndedData{Reason: reason},
	}, recipients)
}
