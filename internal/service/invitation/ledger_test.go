package invitation

import (
	"context"
	"testing"
	"time"

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

type stubNotifier struct {
	online map[uuid.UUID]bool
	events []presence.Event
}

func (n *stubNotifier) NotifyUser(userID uuid.UUID, event presence.Event) int {
	if !n.online[userID] {
		return 0
	}
	n.events = append(n.events, event)
	return 1
}

func (n *stubNotifier) IsUserOnline(userID uuid.UUID) bool {
	return n.online[userID]
}

type stubPusher struct {
	pushed []uuid.UUID
	err    error
}

func (p *stubPusher) NotifyIncomingInvitation(ctx context.Context, inviteeID, callID, inviterID uuid.UUID, kind domain.CallKind) error {
	p.pushed = append(p.pushed, inviteeID)
	return p.err
}

func TestLedgerInviteNotifiesOnlineInvitee(t *testing.T) {
	inviteeID := uuid.New()
	notifier := &stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}
	pusher := &stubPusher{}
	ledger := NewLedger(notifier, pusher)

	inv, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindVideo, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationStatusPending, inv.Status)
	assert.True(t, inv.ExpiresAt.After(inv.CreatedAt))

	require.Len(t, notifier.events, 1)
	assert.Equal(t, presence.EventInvitationIncoming, notifier.events[0].Type)
	assert.Empty(t, pusher.pushed)
}

func TestLedgerInvitePushesToOfflineInvitee(t *testing.T) {
	inviteeID := uuid.New()
	notifier := &stubNotifier{online: map[uuid.UUID]bool{}}
	pusher := &stubPusher{}
	ledger := NewLedger(notifier, pusher)

	_, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)

	assert.Empty(t, notifier.events)
	assert.Equal(t, []uuid.UUID{inviteeID}, pusher.pushed)
}

func TestLedgerInviteSelf(t *testing.T) {
	ledger := NewLedger(&stubNotifier{}, nil)
	userID := uuid.New()

	_, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, userID, userID, time.Minute)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestLedgerRespondAccept(t *testing.T) {
	inviteeID := uuid.New()
	ledger := NewLedger(&stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}, nil)

	inv, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindVideo, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)

	resolved, err := ledger.Respond(inv.ID, inviteeID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationStatusAccepted, resolved.Status)

	// a resolved invitation cannot be answered again
	_, err = ledger.Respond(inv.ID, inviteeID, false)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvitationResolved))

	assert.Empty(t, ledger.Pending(inviteeID))
}

func TestLedgerRespondDecline(t *testing.T) {
	inviteeID := uuid.New()
	ledger := NewLedger(&stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}, nil)

	inv, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)

	resolved, err := ledger.Respond(inv.ID, inviteeID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationStatusDeclined, resolved.Status)
}

func TestLedgerRespondWrongUser(t *testing.T) {
	inviteeID := uuid.New()
	ledger := NewLedger(&stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}, nil)

	inv, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)

	_, err = ledger.Respond(inv.ID, uuid.New(), true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))
}

func TestLedgerRespondUnknownInvitation(t *testing.T) {
	ledger := NewLedger(&stubNotifier{}, nil)

	_, err := ledger.Respond(uuid.New(), uuid.New(), true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvitationNotFound))
}

func TestLedgerRespondExpired(t *testing.T) {
	inviteeID := uuid.New()
	ledger := NewLedger(&stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}, nil)

	// a zero ttl produces an invitation that is expired from birth
	inv, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindVideo, uuid.New(), inviteeID, 0)
	require.NoError(t, err)

	_, err = ledger.Respond(inv.ID, inviteeID, true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvitationExpired))

	// stays expired on repeat attempts
	_, err = ledger.Respond(inv.ID, inviteeID, true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvitationExpired))
}

func TestLedgerPendingSkipsExpired(t *testing.T) {
	inviteeID := uuid.New()
	notifier := &stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}
	ledger := NewLedger(notifier, nil)

	_, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, 0)
	require.NoError(t, err)

	fresh, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)

	pending := ledger.Pending(inviteeID)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestLedgerExpireForCall(t *testing.T) {
	inviteeID := uuid.New()
	ledger := NewLedger(&stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}, nil)

	callID := uuid.New()
	inv, err := ledger.Invite(context.Background(), callID, domain.CallKindVideo, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)
	other, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindVideo, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)

	ledger.ExpireForCall(callID)

	_, err = ledger.Respond(inv.ID, inviteeID, true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvitationExpired))

	pending := ledger.Pending(inviteeID)
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].ID)
}

func TestLedgerSweepDropsDeadEntries(t *testing.T) {
	inviteeID := uuid.New()
	ledger := NewLedger(&stubNotifier{online: map[uuid.UUID]bool{inviteeID: true}}, nil)

	expired, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)
	resolved, err := ledger.Invite(context.Background(), uuid.New(), domain.CallKindAudio, uuid.New(), inviteeID, time.Minute)
	require.NoError(t, err)
	_, err = ledger.Respond(resolved.ID, inviteeID, true)
	require.NoError(t, err)

	ledger.sweep(time.Now().UTC().Add(10 * time.Minute))

	// first sweep expires the stale pending entry, second drops both
	ledger.sweep(time.Now().UTC().Add(10 * time.Minute))

	ledger.mu.Lock()
	_, expiredKept := ledger.entries[expired.ID]
	_, resolvedKept := ledger.entries[resolved.ID]
	ledger.mu.Unlock()
	assert.False(t, expiredKept)
	assert.False(t, resolvedKept)
}
