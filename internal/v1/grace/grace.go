// Package grace implements the Pyodide loading grace protocol (component H):
// a participant who announces they're loading the scene's Python runtime
// gets a window where a transport disconnect must NOT be treated as an
// abandonment, because the loading step can legitimately hang the event
// loop long enough to miss transport keepalives.
package grace

import (
	"sync"
	"time"

	"github.com/labcoord/coordinator/internal/v1/types"
)

// DefaultTimeout is the loading safety-valve default (spec §6
// LOADING_TIMEOUT): if pyodide_loading_complete never arrives, the grace
// window is forcibly closed after this long.
const DefaultTimeout = 60 * time.Second

// Table tracks which SubjectIDs are currently within their loading grace
// window (spec §4.H: `LOADING: map[SubjectID]time.Time`).
type Table struct {
	mu      sync.Mutex
	started map[types.SubjectID]time.Time
	timeout time.Duration
}

// New returns an empty Table using timeout, or DefaultTimeout if zero.
func New(timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{started: make(map[types.SubjectID]time.Time), timeout: timeout}
}

// Start records that subjectID began loading, in response to
// pyodide_loading_start.
func (t *Table) Start(subjectID types.SubjectID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[subjectID] = now
}

// Complete clears subjectID's grace window, in response to
// pyodide_loading_complete.
func (t *Table) Complete(subjectID types.SubjectID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, subjectID)
}

// IsInLoadingGrace reports whether subjectID is currently within its grace
// window. This MUST be checked at the top of the disconnect handler before
// any teardown logic runs (spec §4.H): a disconnect during grace is
// swallowed rather than triggering partner_disconnected.
func (t *Table) IsInLoadingGrace(subjectID types.SubjectID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.started[subjectID]
	if !ok {
		return false
	}
	return now.Sub(started) < t.timeout
}

// SweepExpired removes every grace entry that has exceeded the timeout and
// returns the SubjectIDs it evicted, so the caller can treat them as no
// longer protected (spec §6 safety-valve sweep).
func (t *Table) SweepExpired(now time.Time) []types.SubjectID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []types.SubjectID
	for id, started := range t.started {
		if now.Sub(started) >= t.timeout {
			expired = append(expired, id)
			delete(t.started, id)
		}
	}
	return expired
}

// Len returns the number of participants currently in their grace window.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
