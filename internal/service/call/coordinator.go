package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventsync-backend/internal/domain"
	"eventsync-backend/internal/service/invitation"
	"eventsync-backend/internal/service/presence"
	"eventsync-backend/internal/service/signaling"
	"eventsync-backend/pkg/constants"
	"eventsync-backend/pkg/env"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
)

// AuditLog records call lifecycle events for offline analysis. Optional and
// best-effort; a write failure never fails the call operation.
type AuditLog interface {
	RecordStart(ctx context.Context, call *domain.Call) error
	RecordEnd(ctx context.Context, callID uuid.UUID, reason string, endedAt time.Time) error
}

// ICEServer is one STUN or TURN endpoint handed to clients for connectivity
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// LoadICEServersFromEnv builds the ICE server list from ICE_SERVERS (comma
// separated URLs) plus optional TURN_USERNAME/TURN_CREDENTIAL applied to
// turn: entries
func LoadICEServersFromEnv() []ICEServer {
	urls := env.GetStringSlice("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"})
	turnUser := env.GetStringFromFile("TURN_USERNAME", "")
	turnCredential := env.GetStringFromFile("TURN_CREDENTIAL", "")

	servers := make([]ICEServer, 0, len(urls))
	for _, url := range urls {
		server := ICEServer{URLs: []string{url}}
		if len(url) > 5 && url[:5] == "turn:" {
			server.Username = turnUser
			server.Credential = turnCredential
		}
		servers = append(servers, server)
	}
	return servers
}

// InitiateResult is what a successful call.initiate returns to the creator
type InitiateResult struct {
	Call        *domain.Call        `json:"call"`
	Invitations []domain.Invitation `json:"invitations"`
}

// JoinResult is what a successful call.join returns to the joiner
type JoinResult struct {
	Call       *domain.Call         `json:"call"`
	Peers      []domain.Participant `json:"peers"`
	ICEServers []ICEServer          `json:"ice_servers"`
}

// Coordinator is the call service facade. It sequences registry mutations,
// invitation bookkeeping, presence fan-out and signaling so transports only
// translate frames.
type Coordinator struct {
	registry   *Registry
	notifier   *presence.Notifier
	relay      *signaling.Relay
	ledger     *invitation.Ledger
	audit      AuditLog
	iceServers []ICEServer

	stopCleanup chan struct{}
}

// NewCoordinator wires the call service together. audit may be nil.
func NewCoordinator(registry *Registry, notifier *presence.Notifier, relay *signaling.Relay, ledger *invitation.Ledger, audit AuditLog, iceServers []ICEServer) *Coordinator {
	return &Coordinator{
		registry:    registry,
		notifier:    notifier,
		relay:       relay,
		ledger:      ledger,
		audit:       audit,
		iceServers:  iceServers,
		stopCleanup: make(chan struct{}),
	}
}

// Initiate creates a call, joins the creator's session as its first
// participant and invites each invitee
func (c *Coordinator) Initiate(ctx context.Context, userID, sessionID uuid.UUID, kind domain.CallKind, peerID string, invitees []uuid.UUID) (*InitiateResult, error) {
	created, err := c.registry.Create(userID, kind)
	if err != nil {
		return nil, err
	}

	snapshot, _, err := c.registry.Join(created.ID, userID, sessionID, peerID)
	if err != nil {
		// creation succeeded but the creator cannot enter; tear the call down
		c.registry.End(created.ID, EndReasonEmpty)
		return nil, err
	}

	if c.audit != nil {
		if auditErr := c.audit.RecordStart(ctx, snapshot); auditErr != nil {
			logger.Warn("Failed to record call start",
				zap.String("call_id", snapshot.ID.String()),
				zap.Error(auditErr))
		}
	}

	invitations := make([]domain.Invitation, 0, len(invitees))
	for _, inviteeID := range invitees {
		inv, invErr := c.ledger.Invite(ctx, snapshot.ID, kind, userID, inviteeID, constants.DefaultInvitationTTL)
		if invErr != nil {
			logger.Warn("Failed to create invitation",
				zap.String("call_id", snapshot.ID.String()),
				zap.String("invitee_id", inviteeID.String()),
				zap.Error(invErr))
			continue
		}
		invitations = append(invitations, *inv)
	}

	return &InitiateResult{Call: snapshot, Invitations: invitations}, nil
}

// Invite creates an invitation into a call that is already running. The
// inviter must be a live participant of the call.
func (c *Coordinator) Invite(ctx context.Context, callID, inviterID, inviteeID uuid.UUID) (*domain.Invitation, error) {
	snapshot, err := c.registry.Snapshot(callID)
	if err != nil {
		return nil, err
	}
	if snapshot.Status == domain.CallStatusEnded {
		return nil, errors.CallEndedError()
	}

	live := false
	for _, p := range snapshot.Participants {
		if p.UserID == inviterID {
			live = true
			break
		}
	}
	if !live {
		return nil, errors.PeerNotInCallError()
	}

	return c.ledger.Invite(ctx, callID, snapshot.Kind, inviterID, inviteeID, constants.DefaultInvitationTTL)
}

// Join adds the session to the call and announces it to everyone already in
func (c *Coordinator) Join(ctx context.Context, callID, userID, sessionID uuid.UUID, peerID string) (*JoinResult, error) {
	snapshot, peers, err := c.registry.Join(callID, userID, sessionID, peerID)
	if err != nil {
		return nil, err
	}

	var joined domain.Participant
	for _, p := range snapshot.Participants {
		if p.SessionID == sessionID {
			joined = p
			break
		}
	}

	recipients := make([]uuid.UUID, 0, len(peers))
	for _, p := range peers {
		recipients = append(recipients, p.SessionID)
	}
	c.notifier.BroadcastJoined(callID, joined, recipients)

	return &JoinResult{Call: snapshot, Peers: peers, ICEServers: c.iceServers}, nil
}

// Leave removes the session from the call. Safe to call for sessions that
// already left; the last leave ends the call.
func (c *Coordinator) Leave(ctx context.Context, callID, userID, sessionID uuid.UUID) error {
	removed, snapshot, ended := c.registry.Leave(callID, userID, sessionID)
	if removed == nil {
		return nil
	}

	if ended {
		c.ledger.ExpireForCall(callID)
		c.recordEnd(ctx, snapshot, EndReasonEmpty)
		return nil
	}

	c.notifier.BroadcastLeft(callID, userID, sessionID, c.registry.LiveSessions(callID))
	return nil
}

// End force-terminates the call. Allowed for the call's creator and for
// moderator or admin roles.
func (c *Coordinator) End(ctx context.Context, callID, actorID uuid.UUID, actorRole string) error {
	snapshot, err := c.registry.Snapshot(callID)
	if err != nil {
		return err
	}
	if snapshot.CreatorID != actorID && !isModeratorRole(actorRole) {
		return errors.ForbiddenError("only the call creator or a moderator may end the call")
	}

	snapshot, removed, err := c.registry.End(callID, EndReasonModerator)
	if err != nil {
		return err
	}

	recipients := make([]uuid.UUID, 0, len(removed))
	for _, p := range removed {
		recipients = append(recipients, p.SessionID)
	}
	c.notifier.BroadcastEnded(callID, EndReasonModerator, recipients)

	c.ledger.ExpireForCall(callID)
	c.recordEnd(ctx, snapshot, EndReasonModerator)
	return nil
}

// Signal relays one handshake message from the session to a peer session
func (c *Coordinator) Signal(callID, fromSessionID, toSessionID uuid.UUID, kind domain.SignalKind, payload []byte) error {
	return c.relay.Send(domain.SignalingMessage{
		CallID:        callID,
		FromSessionID: fromSessionID,
		ToSessionID:   toSessionID,
		Kind:          kind,
		Payload:       payload,
	})
}

// ToggleMedia flips one media flag of the session's participant and
// announces the new state to the other participants
func (c *Coordinator) ToggleMedia(callID, userID, sessionID uuid.UUID, field domain.MediaField, enabled bool) (domain.MediaState, error) {
	media, err := c.registry.SetMedia(callID, userID, sessionID, field, enabled)
	if err != nil {
		return domain.MediaState{}, err
	}

	c.notifier.BroadcastMediaChanged(callID, userID, sessionID, media, c.registry.LiveSessions(callID, sessionID))
	return media, nil
}

// RespondInvitation resolves an invitation. Accepting verifies the call is
// still joinable; the caller follows up with Join on its own session.
func (c *Coordinator) RespondInvitation(invitationID, responderID uuid.UUID, accept bool) (*domain.Invitation, error) {
	inv, err := c.ledger.Respond(invitationID, responderID, accept)
	if err != nil {
		return nil, err
	}

	if accept {
		snapshot, snapErr := c.registry.Snapshot(inv.CallID)
		if snapErr != nil {
			return nil, errors.CallEndedError()
		}
		if snapshot.Status == domain.CallStatusEnded {
			return nil, errors.CallEndedError()
		}
	}
	return inv, nil
}

// SessionDied handles a transport disconnect as an implicit leave from
// every call the session was live in
func (c *Coordinator) SessionDied(ctx context.Context, userID, sessionID uuid.UUID) {
	for _, callID := range c.registry.SessionCalls(sessionID) {
		if err := c.Leave(ctx, callID, userID, sessionID); err != nil {
			logger.Warn("Failed to remove dead session from call",
				zap.String("call_id", callID.String()),
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}
}

// CallInfo returns the call snapshot
func (c *Coordinator) CallInfo(callID uuid.UUID) (*domain.Call, error) {
	return c.registry.Snapshot(callID)
}

// Participants returns the call's live participants
func (c *Coordinator) Participants(callID uuid.UUID) ([]domain.Participant, error) {
	snapshot, err := c.registry.Snapshot(callID)
	if err != nil {
		return nil, err
	}
	return snapshot.Participants, nil
}

// ActiveCallsForUser returns the calls the user is currently live in
func (c *Coordinator) ActiveCallsForUser(userID uuid.UUID) []*domain.Call {
	return c.registry.CallsForUser(userID)
}

// PendingInvitations returns the user's pending invitations
func (c *Coordinator) PendingInvitations(userID uuid.UUID) []domain.Invitation {
	return c.ledger.Pending(userID)
}

// ICEServers returns the STUN/TURN endpoints clients should use
func (c *Coordinator) ICEServers() []ICEServer {
	return c.iceServers
}

// StartCleanup launches the periodic sweep that force-ends calls stuck in
// the initiating state. Call StopCleanup on shutdown.
func (c *Coordinator) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepStale(context.Background())
			case <-c.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup halts the stale call sweep
func (c *Coordinator) StopCleanup() {
	close(c.stopCleanup)
}

func (c *Coordinator) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-constants.StaleCallCutoff)
	for _, callID := range c.registry.StaleCalls(cutoff) {
		snapshot, removed, err := c.registry.End(callID, EndReasonStale)
		if err != nil {
			continue
		}

		logger.Info("Force-ended stale call",
			zap.String("call_id", callID.String()))

		recipients := make([]uuid.UUID, 0, len(removed))
		for _, p := range removed {
			recipients = append(recipients, p.SessionID)
		}
		c.notifier.BroadcastEnded(callID, EndReasonStale, recipients)

		c.ledger.ExpireForCall(callID)
		c.recordEnd(ctx, snapshot, EndReasonStale)
	}
}

func (c *Coordinator) recordEnd(ctx context.Context, snapshot *domain.Call, reason string) {
	if c.audit == nil || snapshot.EndedAt == nil {
		return
	}
	if err := c.audit.RecordEnd(ctx, snapshot.ID, reason, *snapshot.EndedAt); err != nil {
		logger.Warn("Failed to record call end",
			zap.String("call_id", snapshot.ID.String()),
			zap.Error(err))
	}
}

func isModeratorRole(role string) bool {
	return role == "moderator" || role == "admin"
}
