package matchmaker

import (
	"sync"

	"github.com/labcoord/coordinator/internal/v1/types"
)

// Waitroom is an insertion-order-preserving queue of MatchCandidates for one
// scene. It owns no Matchmaker logic itself; SESSIONS-layer callers pull a
// snapshot, run a Matchmaker against it, then call Remove for whichever
// candidates got selected.
type Waitroom struct {
	mu    sync.Mutex
	order []types.SubjectID
	byID  map[types.SubjectID]types.MatchCandidate
}

// NewWaitroom returns an empty Waitroom.
func NewWaitroom() *Waitroom {
	return &Waitroom{byID: make(map[types.SubjectID]types.MatchCandidate)}
}

// Add appends a candidate to the back of the queue. A candidate already
// present is left at its original position with refreshed attributes.
func (w *Waitroom) Add(c types.MatchCandidate) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.byID[c.SubjectID]; !exists {
		w.order = append(w.order, c.SubjectID)
	}
	w.byID[c.SubjectID] = c
}

// Remove drops the listed SubjectIDs from the queue, used after a match is
// formed or a participant leaves the waitroom.
func (w *Waitroom) Remove(ids ...types.SubjectID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	toRemove := make(map[types.SubjectID]bool, len(ids))
	for _, id := range ids {
		toRemove[id] = true
		delete(w.byID, id)
	}

	kept := w.order[:0:0]
	for _, id := range w.order {
		if !toRemove[id] {
			kept = append(kept, id)
		}
	}
	w.order = kept
}

// Requeue re-inserts candidates at the FRONT of the queue in the order
// given, used when a matched group's P2P probe fails and its members go back
// to the waitroom. They are placed ahead of everyone already waiting, so a
// candidate that was selected from behind other waiters does not return to
// its earlier position. Candidates already queued keep their current position.
func (w *Waitroom) Requeue(candidates []types.MatchCandidate) {
	w.mu.Lock()
	defer w.mu.Unlock()

	front := make([]types.SubjectID, 0, len(candidates))
	for _, c := range candidates {
		if _, exists := w.byID[c.SubjectID]; exists {
			continue
		}
		w.byID[c.SubjectID] = c
		front = append(front, c.SubjectID)
	}
	w.order = append(front, w.order...)
}

// Snapshot returns the current queue contents in arrival order. The caller
// receives a copy: mutating it has no effect on the Waitroom.
func (w *Waitroom) Snapshot() []types.MatchCandidate {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]types.MatchCandidate, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.byID[id])
	}
	return out
}

// Len returns the number of participants currently queued.
func (w *Waitroom) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Contains reports whether subjectID is currently queued.
func (w *Waitroom) Contains(subjectID types.SubjectID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byID[subjectID]
	return ok
}
