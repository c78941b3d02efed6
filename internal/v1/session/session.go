// Package session implements the Session Lifecycle Manager (component F),
// the signaling/input relay (component G), and the continuous-monitoring
// exclusion handler (component I). All three share SESSIONS and so live in
// one package. StartPlaying, FailProbe and EndSession call into the registry
// while holding a session's lock, so that lock is acquired before
// PARTICIPANTS, not after it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// entry pairs a Session with the per-session lock that serializes its own
// teardown, so two racing end_session calls for the same session (e.g. a
// disconnect and an exclusion arriving together) still only run the
// termination path once (spec §4.F, P3 idempotent teardown).
type entry struct {
	mu      sync.Mutex
	session *types.Session
}

// Notifier is how the Manager reaches the transport layer without importing
// it directly: it emits the `session_ended` event (and anything else the
// manager needs to push) to every participant in a session.
type Notifier interface {
	EmitToSession(session *types.Session, envelope types.Envelope)
	EmitToSubject(subjectID types.SubjectID, envelope types.Envelope)
}

// MessageResolver maps a termination reason to the researcher-authored,
// participant-facing string for a scene (spec §7: the server never
// synthesizes these messages itself). A nil resolver yields empty messages.
type MessageResolver interface {
	MessageFor(sceneID types.SceneID, reason types.TerminationReason) string
}

// Observer is notified after a session has ended, outside any session lock.
// The admin aggregator hangs off this hook (spec §4.J: observer, never on a
// critical path).
type Observer interface {
	OnSessionEnded(sess types.Session)
}

// Manager owns SESSIONS and the operations of component F (add_subject_to_game,
// end_session, retention sweep).
type Manager struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*entry

	registry *registry.Registry
	notifier Notifier
	messages MessageResolver
	observer Observer

	auditRetention       time.Duration
	participantRetention time.Duration

	idSeq uint64
	idMu  sync.Mutex
}

// NewManager constructs a session Manager bound to the given registry and
// Notifier.
func NewManager(reg *registry.Registry, notifier Notifier, auditRetention, participantRetention time.Duration) *Manager {
	return &Manager{
		sessions:             make(map[types.SessionID]*entry),
		registry:             reg,
		notifier:             notifier,
		auditRetention:       auditRetention,
		participantRetention: participantRetention,
	}
}

// SetMessageResolver installs the per-scene termination-message map source.
func (m *Manager) SetMessageResolver(r MessageResolver) {
	m.messages = r
}

// SetObserver installs the session-end observer.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

func (m *Manager) nextSessionID() types.SessionID {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.idSeq++
	return types.SessionID(fmt.Sprintf("session-%d", m.idSeq))
}

// FormSession performs the SESSIONS/PARTICIPANTS half of add_subject_to_game
// (spec §4.F steps 4-6): it allocates a SessionID, creates the Session in
// state MATCHED, and stamps group membership on every matched participant.
// The matched participants stay IN_WAITROOM — they only move to IN_GAME when
// the probe gate passes and StartPlaying runs, so a failed probe can return
// them to the queue without any state repair (P7). Steps 1-3 and 7-8 are
// orchestrated by the caller, which owns the waitroom and probe coordinator.
func (m *Manager) FormSession(ctx context.Context, sceneID types.SceneID, matched []types.SubjectID) (*types.Session, error) {
	for _, id := range matched {
		p, ok := m.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("participant %s: %w", id, registry.ErrNotFound)
		}
		if p.State != types.ParticipantInWaitroom {
			return nil, fmt.Errorf("participant %s is %s, not IN_WAITROOM", id, p.State)
		}
	}

	sessionID := m.nextSessionID()
	groupID := types.GroupID(sessionID)
	now := time.Now()

	sess := &types.Session{
		SessionID:    sessionID,
		State:        types.SessionMatched,
		Participants: matched,
		SceneID:      sceneID,
		CreatedAt:    now,
		MatchedAt:    now,
		P2PHealth:    make(map[types.SubjectID]types.P2PHealth),
		AuditExports: make(map[types.SubjectID]*types.ValidationExport),
	}

	m.mu.Lock()
	m.sessions[sessionID] = &entry{session: sess}
	m.mu.Unlock()

	m.registry.SetGroup(matched, sceneID, groupID)
	metrics.ActiveSessions.Inc()

	logging.Info(ctx, "session matched",
		zap.String("session_id", string(sessionID)),
		zap.String("scene_id", string(sceneID)),
		zap.Int("group_size", len(matched)))

	return sess, nil
}

// BeginValidating marks a MATCHED session as running its P2P probe gate.
func (m *Manager) BeginValidating(sessionID types.SessionID) error {
	e, ok := m.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State != types.SessionMatched {
		return nil
	}
	e.session.State = types.SessionValidating
	return nil
}

// StartPlaying transitions a MATCHED/VALIDATING session to PLAYING once the
// probe gate has passed: every participant moves IN_WAITROOM -> IN_GAME and
// game_start carries the stable slot assignment (participant order defines
// player 0, player 1, ...).
func (m *Manager) StartPlaying(ctx context.Context, sessionID types.SessionID) error {
	e, ok := m.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State == types.SessionEnded || e.session.State == types.SessionPlaying {
		return nil
	}

	for _, id := range e.session.Participants {
		if err := m.registry.Transition(ctx, id, types.ParticipantInGame); err != nil {
			return fmt.Errorf("transition %s to in_game: %w", id, err)
		}
	}

	e.session.State = types.SessionPlaying
	e.session.PlayingAt = time.Now()

	slots := make(map[types.SubjectID]int, len(e.session.Participants))
	for i, id := range e.session.Participants {
		slots[id] = i
	}

	if m.notifier != nil {
		m.notifier.EmitToSession(e.session, types.Envelope{Event: types.EventGameStart, Payload: map[string]any{
			"session_id":       e.session.SessionID,
			"scene_id":         e.session.SceneID,
			"participants":     e.session.Participants,
			"slot_assignments": slots,
		}})
	}
	logging.Info(ctx, "session playing", zap.String("session_id", string(sessionID)))
	return nil
}

// FailProbe terminates a MATCHED/VALIDATING session whose P2P probe gate
// failed. Unlike EndSession, the participants never reached IN_GAME: they
// stay IN_WAITROOM, no group history is recorded, and no session_ended is
// broadcast — the caller re-enqueues them and emits probe_failed instead
// (spec §4.F step 7). Returns the participant list for that re-enqueue, or
// nil if the session was already ended.
func (m *Manager) FailProbe(ctx context.Context, sessionID types.SessionID) []types.SubjectID {
	e, ok := m.get(sessionID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State == types.SessionEnded {
		return nil
	}
	if e.session.State == types.SessionPlaying {
		// probe verdicts are causally before PLAYING; a late one is stale.
		return nil
	}

	e.session.State = types.SessionEnded
	e.session.EndedAt = time.Now()
	e.session.TerminationReason = types.ReasonProbeFailed

	m.registry.SetGroup(e.session.Participants, e.session.SceneID, "")
	metrics.ActiveSessions.Dec()
	metrics.SessionTerminations.WithLabelValues(string(types.ReasonProbeFailed)).Inc()

	logging.Info(ctx, "session failed probe gate",
		zap.String("session_id", string(sessionID)),
		zap.Int("group_size", len(e.session.Participants)))

	return append([]types.SubjectID(nil), e.session.Participants...)
}

var ErrSessionNotFound = fmt.Errorf("session not found")

func (m *Manager) get(sessionID types.SessionID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	return e, ok
}

// Get returns a copy of a session's current state.
func (m *Manager) Get(sessionID types.SessionID) (types.Session, bool) {
	e, ok := m.get(sessionID)
	if !ok {
		return types.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.session, true
}

// All returns a snapshot of every tracked session, used by the admin
// aggregator.
func (m *Manager) All() []types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		e.mu.Lock()
		out = append(out, *e.session)
		e.mu.Unlock()
	}
	return out
}

// EndSession idempotently terminates a session (spec §4.F, P3). The
// per-session lock makes the short-circuit on an already-ENDED session
// race-free: whichever caller acquires the lock first performs the
// teardown, every later caller (and any racing caller) sees State == ENDED
// and returns immediately.
func (m *Manager) EndSession(ctx context.Context, sessionID types.SessionID, reason types.TerminationReason) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()

	if e.session.State == types.SessionEnded {
		e.mu.Unlock()
		return
	}

	e.session.State = types.SessionEnded
	e.session.EndedAt = time.Now()
	e.session.TerminationReason = reason

	for _, id := range e.session.Participants {
		_ = m.registry.Transition(ctx, id, types.ParticipantGameEnded)
	}

	m.registry.RecordGroup(e.session.Participants, e.session.SceneID, types.GroupID(sessionID))

	metrics.ActiveSessions.Dec()
	metrics.SessionTerminations.WithLabelValues(string(reason)).Inc()

	logging.Info(ctx, "session ended",
		zap.String("session_id", string(sessionID)),
		zap.String("reason", string(reason)))

	var message string
	if m.messages != nil {
		message = m.messages.MessageFor(e.session.SceneID, reason)
	}

	if m.notifier != nil {
		m.notifier.EmitToSession(e.session, types.Envelope{
			Event: types.EventSessionEnded,
			Payload: map[string]any{
				"session_id": sessionID,
				"reason":     reason,
				"message":    message,
			},
		})
	}

	snapshot := *e.session
	e.mu.Unlock()

	if m.observer != nil {
		m.observer.OnSessionEnded(snapshot)
	}
}

// MidGameExclusion implements component I: a subject is flagged for
// sustained degraded connectivity or a custom rule. It validates membership
// and PLAYING state before ending the session, and logs the exclusion event
// regardless of whether the session was already ending (spec §4.I).
func (m *Manager) MidGameExclusion(ctx context.Context, sessionID types.SessionID, subjectID types.SubjectID, reason types.TerminationReason) error {
	e, ok := m.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	isMember := false
	for _, id := range e.session.Participants {
		if id == subjectID {
			isMember = true
			break
		}
	}
	isPlaying := e.session.State == types.SessionPlaying
	e.mu.Unlock()

	if !isMember {
		return fmt.Errorf("subject %s is not a participant of session %s", subjectID, sessionID)
	}
	if !isPlaying {
		return fmt.Errorf("session %s is not in PLAYING state", sessionID)
	}

	logging.Warn(ctx, "mid-game exclusion",
		zap.String("session_id", string(sessionID)),
		zap.String("subject_id", string(subjectID)),
		zap.String("reason", string(reason)))

	m.EndSession(ctx, sessionID, reason)
	return nil
}

// RecordHealth stores the latest per-subject P2P health report (component G:
// p2p_health_report is consumed here, not relayed to peers).
func (m *Manager) RecordHealth(sessionID types.SessionID, subjectID types.SubjectID, health types.P2PHealth) {
	e, ok := m.get(sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.P2PHealth[subjectID] = health
}

// SweepRetention evicts ENDED sessions past auditRetention and disconnected
// participants past participantRetention (spec §4.F retention sweep).
func (m *Manager) SweepRetention(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var toDelete []types.SessionID
	for id, e := range m.sessions {
		e.mu.Lock()
		if e.session.State == types.SessionEnded && now.Sub(e.session.EndedAt) > m.auditRetention {
			toDelete = append(toDelete, id)
		}
		e.mu.Unlock()
	}
	for _, id := range toDelete {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(toDelete) > 0 {
		logging.Info(ctx, "retention sweep evicted sessions", zap.Int("count", len(toDelete)))
	}

	// Any disconnected Participant past retention is hard-evicted,
	// whatever state it was stranded in (spec §4.C "any -> IDLE after
	// retention"; P10): a partner_disconnected teardown leaves the dropped
	// subject disconnected in GAME_ENDED, a waitroom drop leaves them in
	// IN_WAITROOM.
	evicted := 0
	for _, p := range m.registry.All() {
		if !p.IsConnected && now.Sub(p.LastUpdatedAt) > m.participantRetention {
			m.registry.HardEvict(p.SubjectID)
			evicted++
		}
	}
	if evicted == 0 {
		return
	}

	// end any session whose participants have all been evicted
	for _, sess := range m.All() {
		if sess.State == types.SessionEnded {
			continue
		}
		orphaned := true
		for _, id := range sess.Participants {
			if _, ok := m.registry.Get(id); ok {
				orphaned = false
				break
			}
		}
		if orphaned {
			m.EndSession(ctx, sess.SessionID, types.ReasonPartnerDisconnected)
		}
	}
}
