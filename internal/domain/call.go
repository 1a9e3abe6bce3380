package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind represents the media kind of a call
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether the kind is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus represents the lifecycle state of a call
// Transitions only initiating -> active -> ended, never backward
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
)

// MediaField identifies one toggleable media flag of a participant
type MediaField string

const (
	MediaFieldAudio       MediaField = "audio"
	MediaFieldVideo       MediaField = "video"
	MediaFieldScreenShare MediaField = "screen_share"
)

// Valid reports whether the field is a known media field
func (f MediaField) Valid() bool {
	return f == MediaFieldAudio || f == MediaFieldVideo || f == MediaFieldScreenShare
}

// MediaState holds a participant's media flags
type MediaState struct {
	AudioEnabled       bool `json:"audio_enabled"`
	VideoEnabled       bool `json:"video_enabled"`
	ScreenShareEnabled bool `json:"screen_share_enabled"`
}

// DefaultMediaState returns the media flags a participant starts with.
// Screen share always starts disabled; audio/video follow the call kind.
func DefaultMediaState(kind CallKind) MediaState {
	return MediaState{
		AudioEnabled:       true,
		VideoEnabled:       kind == CallKindVideo,
		ScreenShareEnabled: false,
	}
}

// Set mutates the flag named by field. The caller is responsible for
// validating field first; unknown fields are ignored.
func (m *MediaState) Set(field MediaField, value bool) {
	switch field {
	case MediaFieldAudio:
		m.AudioEnabled = value
	case MediaFieldVideo:
		m.VideoEnabled = value
	case MediaFieldScreenShare:
		m.ScreenShareEnabled = value
	}
}

// Participant represents one connected session of one user inside one call
type Participant struct {
	UserID    uuid.UUID  `json:"user_id"`
	SessionID uuid.UUID  `json:"session_id"`
	PeerID    string     `json:"peer_id"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
	Media     MediaState `json:"media"`
}

// Call represents a call snapshot as observed by callers of the registry.
// Participants contains only live participants.
type Call struct {
	ID           uuid.UUID     `json:"call_id"`
	Kind         CallKind      `json:"kind"`
	Status       CallStatus    `json:"status"`
	CreatorID    uuid.UUID     `json:"creator_id"`
	CreatedAt    time.Time     `json:"created_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Participants []Participant `json:"participants"`
}
