package admin

import (
	"sync"
	"time"

	"github.com/labcoord/coordinator/internal/v1/types"
)

// Broadcaster throttles per-session state_update emission to at most one
// update per interval (spec §4.J, recommended 500ms): a burst of mutations
// on one session collapses to a single trailing update instead of flooding
// the dashboard.
type Broadcaster struct {
	mu       sync.Mutex
	timers   map[types.SessionID]*time.Timer
	interval time.Duration
	emit     func(types.SessionID)
}

// NewBroadcaster returns a Broadcaster that calls emit at most once per
// interval per SessionID.
func NewBroadcaster(interval time.Duration, emit func(types.SessionID)) *Broadcaster {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Broadcaster{
		timers:   make(map[types.SessionID]*time.Timer),
		interval: interval,
		emit:     emit,
	}
}

// Notify schedules an emit for sessionID if one isn't already pending.
func (b *Broadcaster) Notify(sessionID types.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, pending := b.timers[sessionID]; pending {
		return
	}

	b.timers[sessionID] = time.AfterFunc(b.interval, func() {
		b.mu.Lock()
		delete(b.timers, sessionID)
		b.mu.Unlock()
		b.emit(sessionID)
	})
}

// Stop cancels any pending timer for sessionID, used when a session ends.
func (b *Broadcaster) Stop(sessionID types.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[sessionID]; ok {
		t.Stop()
		delete(b.timers, sessionID)
	}
}
