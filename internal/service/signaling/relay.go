package signaling

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventsync-backend/internal/domain"
	"eventsync-backend/internal/service/presence"
	"eventsync-backend/pkg/constants"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/metrics"
)

// Membership answers whether two sessions may exchange signaling traffic
// inside a call. Implemented by the call registry.
type Membership interface {
	AuthorizeRelay(callID, fromSessionID, toSessionID uuid.UUID) error
}

// SinkDirectory resolves a session to its outbound event sink.
// Implemented by the presence notifier.
type SinkDirectory interface {
	SinkFor(sessionID uuid.UUID) (presence.Sink, bool)
}

// SignalData is the payload of a relayed call.signal event
type SignalData struct {
	FromSessionID uuid.UUID         `json:"from_session_id"`
	Kind          domain.SignalKind `json:"kind"`
	Payload       interface{}       `json:"payload"`
}

// Relay forwards SDP offers, answers and ICE candidates between two live
// participants of the same call. Payloads pass through opaque; the relay
// never parses SDP.
type Relay struct {
	membership Membership
	sinks      SinkDirectory
}

// NewRelay creates a signaling relay backed by the given membership
// authority and sink directory
func NewRelay(membership Membership, sinks SinkDirectory) *Relay {
	return &Relay{
		membership: membership,
		sinks:      sinks,
	}
}

// Send relays one signaling message to its target session. The message is
// rejected when either endpoint is not a live participant of the call; a
// target whose connection is gone surfaces as PEER_NOT_IN_CALL since from
// the sender's view that peer is unreachable.
func (r *Relay) Send(msg domain.SignalingMessage) error {
	if !msg.Kind.Valid() {
		metrics.SignalRejectedTotal.WithLabelValues("invalid_kind").Inc()
		return errors.InvalidInputError("signal kind must be offer, answer or ice_candidate")
	}
	if len(msg.Payload) == 0 {
		metrics.SignalRejectedTotal.WithLabelValues("empty_payload").Inc()
		return errors.InvalidInputError("signal payload is required")
	}
	if len(msg.Payload) > constants.MaxSignalPayloadBytes {
		metrics.SignalRejectedTotal.WithLabelValues("payload_too_large").Inc()
		return errors.ValidationError("signal payload exceeds size limit")
	}
	if msg.FromSessionID == msg.ToSessionID {
		metrics.SignalRejectedTotal.WithLabelValues("self_signal").Inc()
		return errors.InvalidInputError("cannot signal to own session")
	}

	if err := r.membership.AuthorizeRelay(msg.CallID, msg.FromSessionID, msg.ToSessionID); err != nil {
		metrics.SignalRejectedTotal.WithLabelValues("unauthorized").Inc()
		return err
	}

	sink, ok := r.sinks.SinkFor(msg.ToSessionID)
	if !ok {
		metrics.SignalRejectedTotal.WithLabelValues("target_gone").Inc()
		return errors.PeerNotInCallError()
	}

	event := presence.Event{
		Type:   presence.EventSignal,
		CallID: msg.CallID,
		Data: SignalData{
			FromSessionID: msg.FromSessionID,
			Kind:          msg.Kind,
			Payload:       msg.Payload,
		},
	}
	if err := sink.Deliver(event); err != nil {
		metrics.SignalRejectedTotal.WithLabelValues("target_gone").Inc()
		logger.Warn("Failed to relay signal to target session",
			zap.String("call_id", msg.CallID.String()),
			zap.String("to_session_id", msg.ToSessionID.String()),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
		return errors.PeerNotInCallError()
	}

	metrics.SignalRelayedTotal.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}
