// Package registry owns PARTICIPANTS, the single source of truth for every
// participant's identity and state machine (components B and C). Every
// mutation takes the registry's lock; callers elsewhere in the coordinator
// never write Participant fields directly.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// transitions enumerates the valid ParticipantState edges. A transition not
// present here is rejected rather than silently coerced.
var transitions = map[types.ParticipantState]map[types.ParticipantState]bool{
	types.ParticipantIdle: {
		types.ParticipantInWaitroom: true,
	},
	types.ParticipantInWaitroom: {
		types.ParticipantInGame: true,
		types.ParticipantIdle:   true,
	},
	types.ParticipantInGame: {
		types.ParticipantGameEnded: true,
		types.ParticipantIdle:      true,
	},
	types.ParticipantGameEnded: {
		types.ParticipantIdle: true,
	},
}

// ErrInvalidTransition is returned when a requested state change has no edge
// in the participant state machine (spec §4.C).
type ErrInvalidTransition struct {
	From types.ParticipantState
	To   types.ParticipantState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid participant transition: %s -> %s", e.From, e.To)
}

// ErrNotFound is returned for operations against an unknown SubjectID.
var ErrNotFound = fmt.Errorf("participant not found")

// Registry guards PARTICIPANTS and the group histories under a single coarse
// lock. It takes no other lock while holding its own; the session manager
// calls into it while holding a per-session lock, so the registry's lock is
// acquired after a session's, not before it.
type Registry struct {
	mu           sync.RWMutex
	participants map[types.SubjectID]*types.Participant
	histories    map[types.SubjectID]*types.GroupHistory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		participants: make(map[types.SubjectID]*types.Participant),
		histories:    make(map[types.SubjectID]*types.GroupHistory),
	}
}

// RegisterOrRecover binds a new connection to either a fresh SubjectID or,
// when presentedToken resolves to a known, disconnected Participant, that
// Participant's existing identity (spec §4.B `register_or_recover`).
//
// resolveToken maps a presented reconnect token to a SubjectID; callers pass
// the auth package's token validator. It is nil-safe: an empty or unresolved
// token always yields a fresh registration.
func (r *Registry) RegisterOrRecover(ctx context.Context, connID types.ConnectionID, presentedToken string, resolveToken func(string) (types.SubjectID, bool)) (types.SubjectID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if presentedToken != "" && resolveToken != nil {
		if subjectID, ok := resolveToken(presentedToken); ok {
			// recovery only re-binds a disconnected Participant (spec §4.B);
			// a token for a still-connected identity gets a fresh SubjectID
			if p, exists := r.participants[subjectID]; exists && !p.IsConnected {
				p.CurrentConnection = connID
				p.IsConnected = true
				p.LastUpdatedAt = time.Now()
				logging.Info(ctx, "participant recovered", zap.String("subject_id", string(subjectID)))
				return subjectID, true
			}
		}
	}

	subjectID := types.SubjectID(uuid.NewString())
	now := time.Now()
	r.participants[subjectID] = &types.Participant{
		SubjectID:         subjectID,
		CurrentConnection: connID,
		IsConnected:       true,
		State:             types.ParticipantIdle,
		CreatedAt:         now,
		LastUpdatedAt:     now,
	}
	logging.Info(ctx, "participant registered", zap.String("subject_id", string(subjectID)))
	return subjectID, false
}

// BindConnection re-points an already-known Participant at a new
// ConnectionID, used when a reconnect arrives mid-session.
func (r *Registry) BindConnection(subjectID types.SubjectID, connID types.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return ErrNotFound
	}
	p.CurrentConnection = connID
	p.IsConnected = true
	p.LastUpdatedAt = time.Now()
	return nil
}

// MarkDisconnected flags a Participant as transport-disconnected without
// changing its ParticipantState; the grace/session layers decide what, if
// anything, follows from this (spec §4.H/§4.F).
func (r *Registry) MarkDisconnected(subjectID types.SubjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return ErrNotFound
	}
	p.IsConnected = false
	p.LastUpdatedAt = time.Now()
	return nil
}

// Get returns a copy of the current Participant record.
func (r *Registry) Get(subjectID types.SubjectID) (types.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return types.Participant{}, false
	}
	return *p, true
}

// IterByScene returns a snapshot of every Participant currently associated
// with sceneID, in no particular order.
func (r *Registry) IterByScene(sceneID types.SceneID) []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Participant, 0)
	for _, p := range r.participants {
		if p.SceneID == sceneID {
			out = append(out, *p)
		}
	}
	return out
}

// All returns a snapshot of every tracked Participant, used by the
// retention sweep.
func (r *Registry) All() []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// IterByState returns a snapshot of every Participant in the given state.
func (r *Registry) IterByState(state types.ParticipantState) []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Participant, 0)
	for _, p := range r.participants {
		if p.State == state {
			out = append(out, *p)
		}
	}
	return out
}

// RecordRTT folds a new server-RTT sample into the Participant's tracked
// value. Callers apply their own smoothing (the transport layer uses an EWMA
// before calling this); the registry just stores the latest figure.
func (r *Registry) RecordRTT(subjectID types.SubjectID, sampleMs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return ErrNotFound
	}
	p.RTTToServerMs = &sampleMs
	p.LastUpdatedAt = time.Now()
	return nil
}

// SetGroup stamps group membership on every listed Participant when a match
// is formed, satisfying the invariant that every participant of a non-ENDED
// session has group_id == session_id (spec §3). Group history is written
// separately, by RecordGroup, once the session actually ENDs.
func (r *Registry) SetGroup(subjectIDs []types.SubjectID, sceneID types.SceneID, groupID types.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range subjectIDs {
		if p, ok := r.participants[id]; ok {
			p.GroupID = groupID
			p.SceneID = sceneID
			p.LastUpdatedAt = time.Now()
		}
	}
}

// SetScene re-points a Participant at a new scene, used by advance_scene.
func (r *Registry) SetScene(subjectID types.SubjectID, sceneID types.SceneID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return ErrNotFound
	}
	p.SceneID = sceneID
	p.LastUpdatedAt = time.Now()
	return nil
}

// SetStagerState stores the scene sequencer's opaque blob so it survives a
// reconnect (spec §3: stager_state preserved across reconnects).
func (r *Registry) SetStagerState(subjectID types.SubjectID, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return ErrNotFound
	}
	p.StagerState = blob
	p.LastUpdatedAt = time.Now()
	return nil
}

// RecordGroup stamps every listed SubjectID's group history when their
// session ends, so future matchmaker passes can test group-reunion
// membership (spec §4.D).
func (r *Registry) RecordGroup(subjectIDs []types.SubjectID, sceneID types.SceneID, groupID types.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range subjectIDs {
		// no history for subjects already hard-evicted; recreating the
		// entry would outlive its participant
		if _, present := r.participants[id]; !present {
			continue
		}
		h, ok := r.histories[id]
		if !ok {
			h = &types.GroupHistory{PreviousPartners: set.New[types.SubjectID]()}
			r.histories[id] = h
		}
		for _, other := range subjectIDs {
			if other != id {
				h.PreviousPartners.Insert(other)
			}
		}
		h.SourceSceneID = sceneID
		h.GroupID = groupID

		if p, ok := r.participants[id]; ok {
			p.GroupID = groupID
			p.SceneID = sceneID
		}
	}
}

// GroupHistory returns the stored GroupHistory for subjectID, or nil if none
// has been recorded yet.
func (r *Registry) GroupHistory(subjectID types.SubjectID) *types.GroupHistory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.histories[subjectID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// HardEvict permanently removes a Participant from the registry, including
// its GroupHistory; used by the retention sweep once a disconnected
// Participant has passed participant_retention_timeout (spec §4.F).
func (r *Registry) HardEvict(subjectID types.SubjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, subjectID)
	delete(r.histories, subjectID)
}

// CanJoinWaitroom reports whether subjectID is eligible to enter a waitroom:
// it must exist and currently be IDLE (spec §4.C).
func (r *Registry) CanJoinWaitroom(subjectID types.SubjectID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return false
	}
	return p.State == types.ParticipantIdle
}

// Transition validates and applies a ParticipantState change. An invalid
// edge is logged and rejected rather than applied (spec §7:
// invalid_transition never throws, it is refused and observed).
func (r *Registry) Transition(ctx context.Context, subjectID types.SubjectID, to types.ParticipantState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[subjectID]
	if !ok {
		return ErrNotFound
	}

	if p.State == to {
		return nil
	}

	allowed, knownFrom := transitions[p.State]
	if !knownFrom || !allowed[to] {
		err := &ErrInvalidTransition{From: p.State, To: to}
		logging.Warn(ctx, "rejected invalid participant transition",
			zap.String("subject_id", string(subjectID)),
			zap.String("from", string(p.State)),
			zap.String("to", string(to)))
		return err
	}

	p.State = to
	p.LastUpdatedAt = time.Now()
	if to == types.ParticipantIdle {
		// IDLE participants keep their scene (IDLE is per-scene) but no
		// longer belong to an active group.
		p.GroupID = ""
	}
	return nil
}

// Count returns the number of tracked participants, used by admin summaries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
