package invitation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventsync-backend/internal/domain"
	"eventsync-backend/internal/service/presence"
	"eventsync-backend/pkg/constants"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/metrics"
)

// Notifier delivers invitation events to connected sessions.
// Implemented by the presence notifier.
type Notifier interface {
	NotifyUser(userID uuid.UUID, event presence.Event) int
	IsUserOnline(userID uuid.UUID) bool
}

// Pusher reaches invitees with no connected session. Optional; a nil Pusher
// means offline invitees only see the invitation once they reconnect and
// list their pending invitations.
type Pusher interface {
	NotifyIncomingInvitation(ctx context.Context, inviteeID, callID, inviterID uuid.UUID, kind domain.CallKind) error
}

// Ledger tracks pending call invitations. Invitations expire after a TTL;
// expiry is applied lazily on access and eagerly by a periodic sweep so an
// invitee's pending list never shows dead entries for long.
type Ledger struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*domain.Invitation
	byInvitee map[uuid.UUID]map[uuid.UUID]struct{} // inviteeID -> invitationIDs

	notifier Notifier
	pusher   Pusher

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewLedger creates an invitation ledger. pusher may be nil.
func NewLedger(notifier Notifier, pusher Pusher) *Ledger {
	return &Ledger{
		entries:   make(map[uuid.UUID]*domain.Invitation),
		byInvitee: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		notifier:  notifier,
		pusher:    pusher,
		stopSweep: make(chan struct{}),
	}
}

// Invite records a pending invitation and notifies the invitee on every
// connected session. An invitee with no connected session gets a push
// notification instead, best-effort. ttl bounds how long the invitation
// stays answerable; a non-positive ttl records an already-expired entry.
func (l *Ledger) Invite(ctx context.Context, callID uuid.UUID, kind domain.CallKind, inviterID, inviteeID uuid.UUID, ttl time.Duration) (*domain.Invitation, error) {
	if inviterID == inviteeID {
		return nil, errors.InvalidInputError("cannot invite yourself")
	}

	now := time.Now().UTC()
	inv := &domain.Invitation{
		ID:        uuid.New(),
		CallID:    callID,
		Kind:      kind,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    domain.InvitationStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	l.mu.Lock()
	l.entries[inv.ID] = inv
	ids, ok := l.byInvitee[inviteeID]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		l.byInvitee[inviteeID] = ids
	}
	ids[inv.ID] = struct{}{}
	snapshot := *inv
	l.mu.Unlock()

	metrics.InvitationCreatedTotal.Inc()

	logger.Info("Invitation created",
		zap.String("invitation_id", inv.ID.String()),
		zap.String("call_id", callID.String()),
		zap.String("inviter_id", inviterID.String()),
		zap.String("invitee_id", inviteeID.String()))

	delivered := l.notifier.NotifyUser(inviteeID, presence.Event{
		Type:   presence.EventInvitationIncoming,
		CallID: callID,
		Data:   presence.InvitationIncomingData{Invitation: snapshot},
	})
	if delivered == 0 && l.pusher != nil {
		if err := l.pusher.NotifyIncomingInvitation(ctx, inviteeID, callID, inviterID, kind); err != nil {
			logger.Warn("Failed to push invitation to offline invitee",
				zap.String("invitation_id", inv.ID.String()),
				zap.String("invitee_id", inviteeID.String()),
				zap.Error(err))
		}
	}

	return &snapshot, nil
}

// Respond resolves a pending invitation as accepted or declined. Only the
// invitee may respond; an expired invitation is rejected and marked expired
// even if the sweep has not reached it yet.
func (l *Ledger) Respond(invitationID, responderID uuid.UUID, accept bool) (*domain.Invitation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.entries[invitationID]
	if !ok {
		return nil, errors.InvitationNotFoundError()
	}
	if inv.InviteeID != responderID {
		return nil, errors.ForbiddenError("invitation belongs to another user")
	}
	if inv.Status != domain.InvitationStatusPending {
		if inv.Status == domain.InvitationStatusExpired {
			return nil, errors.InvitationExpiredError()
		}
		return nil, errors.InvitationResolvedError()
	}
	if inv.Expired(time.Now().UTC()) {
		l.expireLocked(inv)
		return nil, errors.InvitationExpiredError()
	}

	if accept {
		inv.Status = domain.InvitationStatusAccepted
	} else {
		inv.Status = domain.InvitationStatusDeclined
	}
	l.removeIndexLocked(inv)

	metrics.InvitationResolvedTotal.WithLabelValues(string(inv.Status)).Inc()

	logger.Info("Invitation resolved",
		zap.String("invitation_id", inv.ID.String()),
		zap.String("status", string(inv.Status)))

	snapshot := *inv
	return &snapshot, nil
}

// Pending returns the invitee's pending, unexpired invitations
func (l *Ledger) Pending(inviteeID uuid.UUID) []domain.Invitation {
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make([]domain.Invitation, 0, len(l.byInvitee[inviteeID]))
	for id := range l.byInvitee[inviteeID] {
		inv := l.entries[id]
		if inv.Expired(now) {
			l.expireLocked(inv)
			continue
		}
		pending = append(pending, *inv)
	}
	return pending
}

// ExpireForCall invalidates every pending invitation into a call that has
// ended, so nobody accepts an invitation into a dead call
func (l *Ledger) ExpireForCall(callID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, inv := range l.entries {
		if inv.CallID == callID && inv.Status == domain.InvitationStatusPending {
			l.expireLocked(inv)
		}
	}
}

// Start launches the periodic expiry sweep. Call Stop on shutdown.
func (l *Ledger) Start() {
	go func() {
		ticker := time.NewTicker(constants.InvitationSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now().UTC())
			case <-l.stopSweep:
				return
			}
		}
	}()
}

// Stop halts the expiry sweep
func (l *Ledger) Stop() {
	l.sweepOnce.Do(func() {
		close(l.stopSweep)
	})
}

func (l *Ledger) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, inv := range l.entries {
		if inv.Status == domain.InvitationStatusPending && inv.Expired(now) {
			l.expireLocked(inv)
			continue
		}
		// resolved entries are kept only until the sweep passes them
		if inv.Status != domain.InvitationStatusPending {
			delete(l.entries, id)
		}
	}
}

// expireLocked marks a pending invitation expired. Caller holds l.mu.
func (l *Ledger) expireLocked(inv *domain.Invitation) {
	inv.Status = domain.InvitationStatusExpired
	l.removeIndexLocked(inv)
	metrics.InvitationResolvedTotal.WithLabelValues(string(domain.InvitationStatusExpired)).Inc()
}

func (l *Ledger) removeIndexLocked(inv *domain.Invitation) {
	if ids, ok := l.byInvitee[inv.InviteeID]; ok {
		delete(ids, inv.ID)
		if len(ids) == 0 {
			delete(l.byInvitee, inv.InviteeID)
		}
	}
}
