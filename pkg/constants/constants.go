// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout is the deadline for a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// EndedCallRetention is how long an ended call stays in the registry so
	// late duplicate leave events resolve as no-ops instead of CALL_NOT_FOUND
	EndedCallRetention = 30 * time.Second

	// StaleCallCutoff is how long a call may sit in the initiating state
	// before the cleanup sweep force-ends it
	StaleCallCutoff = 2 * time.Hour

	// MaxCallParticipants is the maximum number of live participants per call
	MaxCallParticipants = 50
)

// Invitation constants
const (
	// DefaultInvitationTTL is the validity period of a call invitation
	DefaultInvitationTTL = 5 * time.Minute

	// InvitationSweepInterval is how often the ledger expires stale invitations
	InvitationSweepInterval = 30 * time.Second
)

// Transport constants
const (
	// SessionSendBuffer is the per-session outbound event channel capacity.
	// Delivery FIFO per directed pair depends on this channel, so a full
	// buffer drops the event for that recipient rather than blocking.
	SessionSendBuffer = 256

	// MaxSignalPayloadBytes caps a relayed signaling payload (SDP blobs
	// included) to bound per-message memory
	MaxSignalPayloadBytes = 64 * 1024
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 24 * time.Hour
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)
