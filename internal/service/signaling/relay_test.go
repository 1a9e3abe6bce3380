package signaling

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsync-backend/internal/domain"
	"eventsync-backend/internal/service/presence"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

type stubMembership struct {
	err error
}

func (m *stubMembership) AuthorizeRelay(callID, fromSessionID, toSessionID uuid.UUID) error {
	return m.err
}

type captureSink struct {
	events []presence.Event
	err    error
}

func (s *captureSink) Deliver(event presence.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

type stubDirectory struct {
	sinks map[uuid.UUID]presence.Sink
}

func (d *stubDirectory) SinkFor(sessionID uuid.UUID) (presence.Sink, bool) {
	sink, ok := d.sinks[sessionID]
	return sink, ok
}

func newMessage(kind domain.SignalKind) domain.SignalingMessage {
	return domain.SignalingMessage{
		CallID:        uuid.New(),
		FromSessionID: uuid.New(),
		ToSessionID:   uuid.New(),
		Kind:          kind,
		Payload:       json.RawMessage(`{"sdp":"v=0"}`),
	}
}

func TestRelaySendDeliversToTarget(t *testing.T) {
	sink := &captureSink{}
	msg := newMessage(domain.SignalKindOffer)
	relay := NewRelay(&stubMembership{}, &stubDirectory{
		sinks: map[uuid.UUID]presence.Sink{msg.ToSessionID: sink},
	})

	require.NoError(t, relay.Send(msg))
	require.Len(t, sink.events, 1)

	event := sink.events[0]
	assert.Equal(t, presence.EventSignal, event.Type)
	assert.Equal(t, msg.CallID, event.CallID)

	data, ok := event.Data.(SignalData)
	require.True(t, ok)
	assert.Equal(t, msg.FromSessionID, data.FromSessionID)
	assert.Equal(t, domain.SignalKindOffer, data.Kind)
}

func TestRelaySendValidation(t *testing.T) {
	relay := NewRelay(&stubMembership{}, &stubDirectory{})

	msg := newMessage(domain.SignalKind("renegotiate"))
	err := relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	msg = newMessage(domain.SignalKindAnswer)
	msg.Payload = nil
	err = relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	msg = newMessage(domain.SignalKindOffer)
	msg.Payload = json.RawMessage(fmt.Sprintf(`{"sdp":%q}`, make([]byte, 70*1024)))
	err = relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	msg = newMessage(domain.SignalKindOffer)
	msg.ToSessionID = msg.FromSessionID
	err = relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestRelaySendUnauthorized(t *testing.T) {
	sink := &captureSink{}
	msg := newMessage(domain.SignalKindICECandidate)
	relay := NewRelay(&stubMembership{err: errors.PeerNotInCallError()}, &stubDirectory{
		sinks: map[uuid.UUID]presence.Sink{msg.ToSessionID: sink},
	})

	err := relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodePeerNotInCall))
	assert.Empty(t, sink.events)
}

func TestRelaySendTargetDisconnected(t *testing.T) {
	msg := newMessage(domain.SignalKindOffer)
	relay := NewRelay(&stubMembership{}, &stubDirectory{sinks: map[uuid.UUID]presence.Sink{}})

	err := relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodePeerNotInCall))
}

func TestRelaySendSinkFailure(t *testing.T) {
	sink := &captureSink{err: presence.ErrSinkClosed}
	msg := newMessage(domain.SignalKindOffer)
	relay := NewRelay(&stubMembership{}, &stubDirectory{
		sinks: map[uuid.UUID]presence.Sink{msg.ToSessionID: sink},
	})

	err := relay.Send(msg)
	assert.True(t, errors.HasCode(err, errors.ErrCodePeerNotInCall))
}

func TestRelayPreservesOrderPerPair(t *testing.T) {
	sink := &captureSink{}
	callID := uuid.New()
	from, to := uuid.New(), uuid.New()
	relay := NewRelay(&stubMembership{}, &stubDirectory{
		sinks: map[uuid.UUID]presence.Sink{to: sink},
	})

	kinds := []domain.SignalKind{
		domain.SignalKindOffer,
		domain.SignalKindICECandidate,
		domain.SignalKindICECandidate,
		domain.SignalKindAnswer,
	}
	for i, kind := range kinds {
		require.NoError(t, relay.Send(domain.SignalingMessage{
			CallID:        callID,
			FromSessionID: from,
			ToSessionID:   to,
			Kind:          kind,
			Payload:       json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}))
	}

	require.Len(t, sink.events, len(kinds))
	for i, event := range sink.events {
		data := event.Data.(SignalData)
		assert.Equal(t, kinds[i], data.Kind)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(data.Payload.(json.RawMessage)))
	}
}
