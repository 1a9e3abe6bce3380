package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventsync-backend/internal/domain"
	"eventsync-backend/pkg/constants"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/metrics"
)

// EndReason labels why a call ended, for events, metrics and the audit log
const (
	EndReasonEmpty     = "empty"
	EndReasonModerator = "moderator"
	EndReasonStale     = "stale"
)

// callState is the registry's mutable record of one call. Every mutation of
// a call locks its own mutex, so operations on the same call are totally
// ordered while different calls proceed in parallel. No operation ever holds
// two call locks at once.
type callState struct {
	mu sync.Mutex

	id        uuid.UUID
	kind      domain.CallKind
	status    domain.CallStatus
	creatorID uuid.UUID
	createdAt time.Time
	endedAt   *time.Time

	participants map[uuid.UUID]*domain.Participant // keyed by sessionID
}

// snapshotLocked copies the call into its public form. Caller holds s.mu.
func (s *callState) snapshotLocked() *domain.Call {
	participants := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, *p)
	}
	return &domain.Call{
		ID:           s.id,
		Kind:         s.kind,
		Status:       s.status,
		CreatorID:    s.creatorID,
		CreatedAt:    s.createdAt,
		EndedAt:      s.endedAt,
		Participants: participants,
	}
}

// endLocked transitions the call to ended and empties the participant set.
// Returns the participants that were still live. Caller holds s.mu.
func (s *callState) endLocked(now time.Time) []domain.Participant {
	removed := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		left := now
		p.LeftAt = &left
		removed = append(removed, *p)
	}
	s.participants = make(map[uuid.UUID]*domain.Participant)
	s.status = domain.CallStatusEnded
	ended := now
	s.endedAt = &ended
	return removed
}

// Registry is the authoritative in-memory table of live calls. It owns all
// call and participant state transitions; everything else observes snapshots.
type Registry struct {
	mu       sync.RWMutex
	calls    map[uuid.UUID]*callState
	sessions map[uuid.UUID]map[uuid.UUID]struct{} // sessionID -> callIDs it is live in

	retention time.Duration
}

// NewRegistry creates an empty call registry
func NewRegistry() *Registry {
	return &Registry{
		calls:     make(map[uuid.UUID]*callState),
		sessions:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		retention: constants.EndedCallRetention,
	}
}

// invariant traps a contradictory registry state. A corrupted call must not
// keep serving participants, so this panics the offending operation; the
// transport's recovery layer turns it into a failed request for the caller.
func invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		msg := fmt.Sprintf(format, args...)
		logger.Error("Call registry invariant violated", zap.String("detail", msg))
		panic("call registry invariant violated: " + msg)
	}
}

// Create adds a new call in the initiating state with no participants yet
func (r *Registry) Create(creatorID uuid.UUID, kind domain.CallKind) (*domain.Call, error) {
	if !kind.Valid() {
		return nil, errors.InvalidInputError("call kind must be audio or video")
	}

	state := &callState{
		id:           uuid.New(),
		kind:         kind,
		status:       domain.CallStatusInitiating,
		creatorID:    creatorID,
		createdAt:    time.Now().UTC(),
		participants: make(map[uuid.UUID]*domain.Participant),
	}

	snapshot := state.snapshotLocked()

	r.mu.Lock()
	r.calls[state.id] = state
	r.mu.Unlock()

	metrics.CallInitiatedTotal.WithLabelValues(string(kind)).Inc()
	metrics.CallsActive.Inc()

	logger.Info("Call created",
		zap.String("call_id", state.id.String()),
		zap.String("kind", string(kind)),
		zap.String("creator_id", creatorID.String()))

	return snapshot, nil
}

func (r *Registry) lookup(callID uuid.UUID) (*callState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.calls[callID]
	return state, ok
}

// Join adds a live participant. Returns the post-join call snapshot and the
// participants that were already live (the joiner signals toward each of
// them). A duplicate (sessionID) join is rejected with ALREADY_JOINED; a
// rejoin after leave is a fresh join with a new joinedAt.
func (r *Registry) Join(callID, userID, sessionID uuid.UUID, peerID string) (*domain.Call, []domain.Participant, error) {
	state, ok := r.lookup(callID)
	if !ok {
		return nil, nil, errors.CallNotFoundError()
	}

	state.mu.Lock()
	if state.status == domain.CallStatusEnded {
		state.mu.Unlock()
		return nil, nil, errors.CallEndedError()
	}
	if _, dup := state.participants[sessionID]; dup {
		state.mu.Unlock()
		return nil, nil, errors.AlreadyJoinedError()
	}
	if len(state.participants) >= constants.MaxCallParticipants {
		state.mu.Unlock()
		return nil, nil, errors.ValidationError("call is full")
	}

	existing := make([]domain.Participant, 0, len(state.participants))
	for _, p := range state.participants {
		existing = append(existing, *p)
	}

	participant := &domain.Participant{
		UserID:    userID,
		SessionID: sessionID,
		PeerID:    peerID,
		JoinedAt:  time.Now().UTC(),
		Media:     domain.DefaultMediaState(state.kind),
	}
	state.participants[sessionID] = participant

	if state.status == domain.CallStatusInitiating {
		state.status = domain.CallStatusActive
	}

	snapshot := state.snapshotLocked()
	state.mu.Unlock()

	r.mu.Lock()
	callIDs, ok := r.sessions[sessionID]
	if !ok {
		callIDs = make(map[uuid.UUID]struct{})
		r.sessions[sessionID] = callIDs
	}
	callIDs[callID] = struct{}{}
	r.mu.Unlock()

	// A force-end can slip in between releasing the call lock and recording
	// the index above, running its own index drop first. Re-check liveness
	// and undo the add so the index never outlives the participant.
	state.mu.Lock()
	_, stillLive := state.participants[sessionID]
	state.mu.Unlock()
	if !stillLive {
		r.dropSessionIndex(sessionID, callID)
	}

	metrics.CallParticipantsLive.Inc()

	logger.Info("Participant joined call",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()),
		zap.String("session_id", sessionID.String()))

	return snapshot, existing, nil
}

// Leave removes a live participant. Duplicate or disconnect-triggered leave
// events for an absent participant (or an already-evicted call) are no-ops.
// When the removal empties the participant set the call ends. Returns the
// removed participant (nil if no-op), the post-leave snapshot, and whether
// this leave ended the call.
func (r *Registry) Leave(callID, userID, sessionID uuid.UUID) (*domain.Participant, *domain.Call, bool) {
	state, ok := r.lookup(callID)
	if !ok {
		return nil, nil, false
	}

	state.mu.Lock()
	participant, live := state.participants[sessionID]
	if !live {
		snapshot := state.snapshotLocked()
		state.mu.Unlock()
		return nil, snapshot, false
	}
	invariant(participant.UserID == userID,
		"participant session %s owned by %s, leave requested by %s",
		sessionID, participant.UserID, userID)

	now := time.Now().UTC()
	left := now
	participant.LeftAt = &left
	removed := *participant
	delete(state.participants, sessionID)

	ended := false
	if len(state.participants) == 0 && state.status != domain.CallStatusEnded {
		state.endLocked(now)
		ended = true
	}
	snapshot := state.snapshotLocked()
	state.mu.Unlock()

	r.dropSessionIndex(sessionID, callID)
	metrics.CallParticipantsLive.Dec()

	logger.Info("Participant left call",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()),
		zap.String("session_id", sessionID.String()),
		zap.Bool("call_ended", ended))

	if ended {
		r.finishCall(snapshot, EndReasonEmpty)
	}

	return &removed, snapshot, ended
}

// End force-ends a call regardless of remaining participants. Returns the
// participants that were still live so the caller can notify them.
func (r *Registry) End(callID uuid.UUID, reason string) (*domain.Call, []domain.Participant, error) {
	state, ok := r.lookup(callID)
	if !ok {
		return nil, nil, errors.CallNotFoundError()
	}

	state.mu.Lock()
	if state.status == domain.CallStatusEnded {
		state.mu.Unlock()
		return nil, nil, errors.CallEndedError()
	}
	removed := state.endLocked(time.Now().UTC())
	snapshot := state.snapshotLocked()
	state.mu.Unlock()

	for _, p := range removed {
		r.dropSessionIndex(p.SessionID, callID)
		metrics.CallParticipantsLive.Dec()
	}

	r.finishCall(snapshot, reason)

	return snapshot, removed, nil
}

// SetMedia mutates one media flag of a live participant and returns the new
// media state. Only liveness is checked here; the coordinator enforces that
// the caller owns the session.
func (r *Registry) SetMedia(callID, userID, sessionID uuid.UUID, field domain.MediaField, value bool) (domain.MediaState, error) {
	if !field.Valid() {
		return domain.MediaState{}, errors.InvalidInputError("media field must be audio, video or screen_share")
	}

	state, ok := r.lookup(callID)
	if !ok {
		return domain.MediaState{}, errors.CallNotFoundError()
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.status == domain.CallStatusEnded {
		return domain.MediaState{}, errors.CallEndedError()
	}
	participant, live := state.participants[sessionID]
	if !live || participant.UserID != userID {
		return domain.MediaState{}, errors.PeerNotInCallError()
	}

	participant.Media.Set(field, value)
	return participant.Media, nil
}

// AuthorizeRelay checks that both sessions are live participants of the call
func (r *Registry) AuthorizeRelay(callID, fromSessionID, toSessionID uuid.UUID) error {
	state, ok := r.lookup(callID)
	if !ok {
		return errors.CallNotFoundError()
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.status == domain.CallStatusEnded {
		return errors.CallEndedError()
	}
	if _, live := state.participants[fromSessionID]; !live {
		return errors.PeerNotInCallError()
	}
	if _, live := state.participants[toSessionID]; !live {
		return errors.PeerNotInCallError()
	}
	return nil
}

// Snapshot returns a consistent copy of the call
func (r *Registry) Snapshot(callID uuid.UUID) (*domain.Call, error) {
	state, ok := r.lookup(callID)
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshotLocked(), nil
}

// LiveSessions returns the sessionIDs of the call's live participants,
// optionally excluding one session (the actor of the triggering operation)
func (r *Registry) LiveSessions(callID uuid.UUID, exclude ...uuid.UUID) []uuid.UUID {
	state, ok := r.lookup(callID)
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	sessionIDs := make([]uuid.UUID, 0, len(state.participants))
	for sessionID := range state.participants {
		skip := false
		for _, ex := range exclude {
			if sessionID == ex {
				skip = true
				break
			}
		}
		if !skip {
			sessionIDs = append(sessionIDs, sessionID)
		}
	}
	return sessionIDs
}

// SessionCalls returns the calls a session is currently live in
func (r *Registry) SessionCalls(sessionID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callIDs := make([]uuid.UUID, 0, len(r.sessions[sessionID]))
	for callID := range r.sessions[sessionID] {
		callIDs = append(callIDs, callID)
	}
	return callIDs
}

// CallsForUser returns snapshots of the calls the user is live in
func (r *Registry) CallsForUser(userID uuid.UUID) []*domain.Call {
	r.mu.RLock()
	states := make([]*callState, 0, len(r.calls))
	for _, state := range r.calls {
		states = append(states, state)
	}
	r.mu.RUnlock()

	var calls []*domain.Call
	for _, state := range states {
		state.mu.Lock()
		live := false
		for _, p := range state.participants {
			if p.UserID == userID {
				live = true
				break
			}
		}
		if live {
			calls = append(calls, state.snapshotLocked())
		}
		state.mu.Unlock()
	}
	return calls
}

// StaleCalls returns calls stuck in the initiating state since before the
// cutoff. The cleanup sweep ends them through the coordinator so the usual
// notifications and audit records fire.
func (r *Registry) StaleCalls(cutoff time.Time) []uuid.UUID {
	r.mu.RLock()
	states := make([]*callState, 0, len(r.calls))
	for _, state := range r.calls {
		states = append(states, state)
	}
	r.mu.RUnlock()

	var stale []uuid.UUID
	for _, state := range states {
		state.mu.Lock()
		if state.status == domain.CallStatusInitiating && state.createdAt.Before(cutoff) {
			stale = append(stale, state.id)
		}
		state.mu.Unlock()
	}
	return stale
}

// finishCall records end-of-call metrics and schedules eviction. The ended
// call is retained briefly so late duplicate leave events resolve as no-ops.
func (r *Registry) finishCall(snapshot *domain.Call, reason string) {
	metrics.CallsActive.Dec()
	metrics.CallEndedTotal.WithLabelValues(reason).Inc()
	if snapshot.EndedAt != nil {
		metrics.CallDurationSeconds.Observe(snapshot.EndedAt.Sub(snapshot.CreatedAt).Seconds())
	}

	logger.Info("Call ended",
		zap.String("call_id", snapshot.ID.String()),
		zap.String("reason", reason))

	callID := snapshot.ID
	time.AfterFunc(r.retention, func() {
		r.evict(callID)
	})
}

func (r *Registry) evict(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	if !ok {
		return
	}
	state.mu.Lock()
	ended := state.status == domain.CallStatusEnded
	state.mu.Unlock()
	if ended {
		delete(r.calls, callID)
	}
}

func (r *Registry) dropSessionIndex(sessionID, callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if callIDs, ok := r.sessions[sessionID]; ok {
		delete(callIDs, callID)
		if len(callIDs) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}
