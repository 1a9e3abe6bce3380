package call

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsync-backend/internal/domain"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

func TestRegistryCreateAndJoin(t *testing.T) {
	registry := NewRegistry()
	creatorID := uuid.New()

	created, err := registry.Create(creatorID, domain.CallKindVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiating, created.Status)
	assert.Empty(t, created.Participants)

	sessionID := uuid.New()
	snapshot, existing, err := registry.Join(created.ID, creatorID, sessionID, "peer-1")
	require.NoError(t, err)
	assert.Empty(t, existing)
	assert.Equal(t, domain.CallStatusActive, snapshot.Status)
	require.Len(t, snapshot.Participants, 1)
	assert.Equal(t, creatorID, snapshot.Participants[0].UserID)
	assert.True(t, snapshot.Participants[0].Media.AudioEnabled)
	assert.True(t, snapshot.Participants[0].Media.VideoEnabled)
	assert.False(t, snapshot.Participants[0].Media.ScreenShareEnabled)
}

func TestRegistryCreateInvalidKind(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Create(uuid.New(), domain.CallKind("hologram"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestRegistryJoinReturnsExistingParticipants(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	firstUser, firstSession := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, firstUser, firstSession, "peer-1")
	require.NoError(t, err)

	_, existing, err := registry.Join(created.ID, uuid.New(), uuid.New(), "peer-2")
	require.NoError(t, err)
	require.Len(t, existing, 1)
	assert.Equal(t, firstUser, existing[0].UserID)
	assert.Equal(t, firstSession, existing[0].SessionID)
}

func TestRegistryJoinUnknownCall(t *testing.T) {
	registry := NewRegistry()

	_, _, err := registry.Join(uuid.New(), uuid.New(), uuid.New(), "peer-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))
}

func TestRegistryDuplicateJoinRejected(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)

	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyJoined))
}

func TestRegistryConcurrentDuplicateJoin(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindVideo)
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, joinErr := registry.Join(created.ID, userID, sessionID, "peer-1")
			results <- joinErr
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for joinErr := range results {
		if joinErr == nil {
			succeeded++
		} else {
			assert.True(t, errors.HasCode(joinErr, errors.ErrCodeAlreadyJoined))
		}
	}
	assert.Equal(t, 1, succeeded)

	snapshot, err := registry.Snapshot(created.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot.Participants, 1)
}

func TestRegistryJoinEndRaceLeavesNoStaleSessionIndex(t *testing.T) {
	registry := NewRegistry()

	// Join records the session index after releasing the call lock, so a
	// concurrent force-end must not leave the joining session indexed into
	// the dead call.
	const rounds = 200
	for i := 0; i < rounds; i++ {
		created, err := registry.Create(uuid.New(), domain.CallKindAudio)
		require.NoError(t, err)
		_, _, err = registry.Join(created.ID, uuid.New(), uuid.New(), "peer-1")
		require.NoError(t, err)

		racerSession := uuid.New()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.Join(created.ID, uuid.New(), racerSession, "peer-2")
		}()
		go func() {
			defer wg.Done()
			registry.End(created.ID, EndReasonModerator)
		}()
		wg.Wait()

		assert.Empty(t, registry.SessionCalls(racerSession))
	}
}

func TestRegistryLeaveLastParticipantEndsCall(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)

	removed, snapshot, ended := registry.Leave(created.ID, userID, sessionID)
	require.NotNil(t, removed)
	assert.NotNil(t, removed.LeftAt)
	assert.True(t, ended)
	assert.Equal(t, domain.CallStatusEnded, snapshot.Status)
	assert.NotNil(t, snapshot.EndedAt)
}

func TestRegistryLeaveIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)

	removed, _, _ := registry.Leave(created.ID, userID, sessionID)
	require.NotNil(t, removed)

	removed, _, ended := registry.Leave(created.ID, userID, sessionID)
	assert.Nil(t, removed)
	assert.False(t, ended)

	removed, snapshot, ended := registry.Leave(uuid.New(), userID, sessionID)
	assert.Nil(t, removed)
	assert.Nil(t, snapshot)
	assert.False(t, ended)
}

func TestRegistryJoinEndedCallRejected(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)
	registry.Leave(created.ID, userID, sessionID)

	_, _, err = registry.Join(created.ID, uuid.New(), uuid.New(), "peer-2")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallEnded))
}

func TestRegistryRejoinAfterLeaveIsFresh(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindVideo)
	require.NoError(t, err)

	// a second participant keeps the call alive across the leave
	_, _, err = registry.Join(created.ID, uuid.New(), uuid.New(), "peer-other")
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()
	first, _, err := registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)
	var firstJoinedAt time.Time
	for _, p := range first.Participants {
		if p.SessionID == sessionID {
			firstJoinedAt = p.JoinedAt
		}
	}

	registry.Leave(created.ID, userID, sessionID)
	time.Sleep(2 * time.Millisecond)

	second, _, err := registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)
	for _, p := range second.Participants {
		if p.SessionID == sessionID {
			assert.True(t, p.JoinedAt.After(firstJoinedAt))
			assert.Nil(t, p.LeftAt)
		}
	}
}

func TestRegistryEndForcesAllParticipantsOut(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindVideo)
	require.NoError(t, err)

	sessions := make([]uuid.UUID, 3)
	for i := range sessions {
		sessions[i] = uuid.New()
		_, _, err = registry.Join(created.ID, uuid.New(), sessions[i], "peer")
		require.NoError(t, err)
	}

	snapshot, removed, err := registry.End(created.ID, EndReasonModerator)
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	assert.Equal(t, domain.CallStatusEnded, snapshot.Status)
	assert.Empty(t, snapshot.Participants)

	for _, sessionID := range sessions {
		assert.Empty(t, registry.SessionCalls(sessionID))
	}

	_, _, err = registry.End(created.ID, EndReasonModerator)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallEnded))
}

func TestRegistryEndedCallEvictedAfterRetention(t *testing.T) {
	registry := NewRegistry()
	registry.retention = 10 * time.Millisecond

	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)
	userID, sessionID := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)
	registry.Leave(created.ID, userID, sessionID)

	// ended call is still queryable during the retention window
	snapshot, err := registry.Snapshot(created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, snapshot.Status)

	assert.Eventually(t, func() bool {
		_, err := registry.Snapshot(created.ID)
		return errors.HasCode(err, errors.ErrCodeCallNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestRegistrySetMedia(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	userID, sessionID := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)

	media, err := registry.SetMedia(created.ID, userID, sessionID, domain.MediaFieldScreenShare, true)
	require.NoError(t, err)
	assert.True(t, media.ScreenShareEnabled)
	assert.True(t, media.AudioEnabled)
	assert.False(t, media.VideoEnabled)

	media, err = registry.SetMedia(created.ID, userID, sessionID, domain.MediaFieldAudio, false)
	require.NoError(t, err)
	assert.False(t, media.AudioEnabled)
	assert.True(t, media.ScreenShareEnabled)

	_, err = registry.SetMedia(created.ID, userID, uuid.New(), domain.MediaFieldAudio, true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePeerNotInCall))

	_, err = registry.SetMedia(created.ID, userID, sessionID, domain.MediaField("caption"), true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestRegistryAuthorizeRelay(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindVideo)
	require.NoError(t, err)

	fromSession, toSession := uuid.New(), uuid.New()
	_, _, err = registry.Join(created.ID, uuid.New(), fromSession, "peer-1")
	require.NoError(t, err)
	_, _, err = registry.Join(created.ID, uuid.New(), toSession, "peer-2")
	require.NoError(t, err)

	assert.NoError(t, registry.AuthorizeRelay(created.ID, fromSession, toSession))

	err = registry.AuthorizeRelay(created.ID, fromSession, uuid.New())
	assert.True(t, errors.HasCode(err, errors.ErrCodePeerNotInCall))

	err = registry.AuthorizeRelay(created.ID, uuid.New(), toSession)
	assert.True(t, errors.HasCode(err, errors.ErrCodePeerNotInCall))

	err = registry.AuthorizeRelay(uuid.New(), fromSession, toSession)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))
}

func TestRegistryLiveSessionsExcludesActor(t *testing.T) {
	registry := NewRegistry()
	created, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	actorSession := uuid.New()
	otherSession := uuid.New()
	_, _, err = registry.Join(created.ID, uuid.New(), actorSession, "peer-1")
	require.NoError(t, err)
	_, _, err = registry.Join(created.ID, uuid.New(), otherSession, "peer-2")
	require.NoError(t, err)

	recipients := registry.LiveSessions(created.ID, actorSession)
	require.Len(t, recipients, 1)
	assert.Equal(t, otherSession, recipients[0])

	assert.Len(t, registry.LiveSessions(created.ID), 2)
	assert.Nil(t, registry.LiveSessions(uuid.New()))
}

func TestRegistrySessionCallsTracksMembership(t *testing.T) {
	registry := NewRegistry()
	sessionID, userID := uuid.New(), uuid.New()

	first, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)
	second, err := registry.Create(uuid.New(), domain.CallKindVideo)
	require.NoError(t, err)

	_, _, err = registry.Join(first.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)
	_, _, err = registry.Join(second.ID, userID, sessionID, "peer-1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []uuid.UUID{first.ID, second.ID}, registry.SessionCalls(sessionID))

	registry.Leave(first.ID, userID, sessionID)
	assert.Equal(t, []uuid.UUID{second.ID}, registry.SessionCalls(sessionID))
}

func TestRegistryCallsForUser(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()

	mine, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)
	_, _, err = registry.Join(mine.ID, userID, uuid.New(), "peer-1")
	require.NoError(t, err)

	other, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)
	_, _, err = registry.Join(other.ID, uuid.New(), uuid.New(), "peer-2")
	require.NoError(t, err)

	calls := registry.CallsForUser(userID)
	require.Len(t, calls, 1)
	assert.Equal(t, mine.ID, calls[0].ID)
}

func TestRegistryStaleCalls(t *testing.T) {
	registry := NewRegistry()

	stale, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)

	active, err := registry.Create(uuid.New(), domain.CallKindAudio)
	require.NoError(t, err)
	_, _, err = registry.Join(active.ID, uuid.New(), uuid.New(), "peer-1")
	require.NoError(t, err)

	found := registry.StaleCalls(time.Now().UTC().Add(time.Minute))
	assert.Equal(t, []uuid.UUID{stale.ID}, found)

	assert.Empty(t, registry.StaleCalls(time.Now().UTC().Add(-time.Minute)))
}
