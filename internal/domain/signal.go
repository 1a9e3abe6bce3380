package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SignalKind represents the WebRTC handshake message type being relayed.
// The core never interprets the payload; the kind exists only so the
// receiving peer can dispatch it.
type SignalKind string

const (
	SignalKindOffer        SignalKind = "offer"
	SignalKindAnswer       SignalKind = "answer"
	SignalKindICECandidate SignalKind = "ice_candidate"
)

// Valid reports whether the kind is a known signal kind
func (k SignalKind) Valid() bool {
	return k == SignalKindOffer || k == SignalKindAnswer || k == SignalKindICECandidate
}

// SignalingMessage is a transient handshake message relayed between two
// live participants of the same call. Payload is forwarded byte-for-byte.
type SignalingMessage struct {
	CallID        uuid.UUID       `json:"call_id"`
	FromSessionID uuid.UUID       `json:"from_session_id"`
	ToSessionID   uuid.UUID       `json:"to_session_id"`
	Kind          SignalKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}
