// Package admin implements the Admin Aggregator (component J): a read-only
// view over active sessions plus rolling completion statistics, and the
// throttled state_update broadcast that keeps a dashboard current without
// flooding it on every session mutation.
package admin

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/session"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// SessionView is the admin-facing projection of a Session plus derived
// fields spec §4.J asks for beyond what types.Session stores directly.
type SessionView struct {
	SessionID      types.SessionID    `json:"session_id"`
	State          types.SessionState `json:"state"`
	SceneID        types.SceneID      `json:"scene_id"`
	Participants   []types.SubjectID  `json:"participants"`
	ConnectionKind string             `json:"connection_kind"`
	AvgRTTMs       float64            `json:"avg_rtt_ms"`
	Health         string             `json:"health"`
}

// TerminationRecord is kept for every ended session so the dashboard can
// show why a session ended even after it falls out of the active list.
type TerminationRecord struct {
	Reason  types.TerminationReason `json:"reason"`
	Details string                  `json:"details,omitempty"`
}

// Summary is the rolling completion-rate statistics block (spec §4.J).
type Summary struct {
	TotalStarted         int     `json:"total_started"`
	TotalCompleted       int     `json:"total_completed"`
	CompletionRate       float64 `json:"completion_rate"`
	AvgSessionDurationMs float64 `json:"avg_session_duration_ms"`
}

// healthRank orders health states from healthiest to least healthy so the
// derivation function below is monotone (spec §4.J requirement).
var healthRank = map[string]int{"healthy": 0, "degraded": 1, "reconnecting": 2}

// DeriveHealth reduces a session's per-subject P2P health reports to a
// single worst-case label.
func DeriveHealth(healthReports map[types.SubjectID]types.P2PHealth) string {
	worst := "healthy"
	for _, h := range healthReports {
		status := h.Status
		if status == "" {
			status = "healthy"
		}
		if healthRank[status] > healthRank[worst] {
			worst = status
		}
	}
	return worst
}

// Aggregator reads sessions out of the session.Manager and participants out
// of the registry; it owns no mutable session state of its own beyond
// termination history and rolling stats.
type Aggregator struct {
	sessions *session.Manager
	registry *registry.Registry

	broadcaster *Broadcaster

	mu            sync.Mutex
	terminations  map[types.SessionID]TerminationRecord
	consoleLogs   map[types.SubjectID][]ConsoleEntry
	totalStarted  int
	totalEnded    int
	totalDuration time.Duration
}

// ConsoleEntry is one browser console error/warning reported by a client;
// the dashboard shows the last maxConsoleEntries per participant.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const maxConsoleEntries = 20

// NewAggregator builds an Aggregator over the given session manager and
// participant registry.
func NewAggregator(sessions *session.Manager, reg *registry.Registry) *Aggregator {
	return &Aggregator{
		sessions:     sessions,
		registry:     reg,
		terminations: make(map[types.SessionID]TerminationRecord),
		consoleLogs:  make(map[types.SubjectID][]ConsoleEntry),
	}
}

// EnableBroadcast turns on the throttled state_update stream: at most one
// update per interval per session, delivered through emit (normally the
// transport hub's admin-room broadcast).
func (a *Aggregator) EnableBroadcast(interval time.Duration, emit func(types.Envelope)) {
	a.broadcaster = NewBroadcaster(interval, func(id types.SessionID) {
		view, ok := a.SessionDetail(id)
		if !ok {
			return
		}
		emit(types.Envelope{Event: types.EventStateUpdate, Payload: view})
	})
}

// NotifyChanged schedules a throttled state_update for sessionID.
func (a *Aggregator) NotifyChanged(sessionID types.SessionID) {
	if a.broadcaster != nil {
		a.broadcaster.Notify(sessionID)
	}
}

// OnSessionEnded implements session.Observer: fold the terminated session
// into the rolling stats and push one final state_update.
func (a *Aggregator) OnSessionEnded(sess types.Session) {
	a.RecordTermination(sess.SessionID, sess.TerminationReason, sess)
	a.NotifyChanged(sess.SessionID)
}

// RecordConsole appends one console error/warning for subjectID, keeping
// only the most recent maxConsoleEntries.
func (a *Aggregator) RecordConsole(subjectID types.SubjectID, level, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := append(a.consoleLogs[subjectID], ConsoleEntry{Level: level, Message: message, Timestamp: time.Now()})
	if len(entries) > maxConsoleEntries {
		entries = entries[len(entries)-maxConsoleEntries:]
	}
	a.consoleLogs[subjectID] = entries
}

// ConsoleLogs returns the recorded console entries for subjectID.
func (a *Aggregator) ConsoleLogs(subjectID types.SubjectID) []ConsoleEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ConsoleEntry(nil), a.consoleLogs[subjectID]...)
}

// RecordTermination logs a session's outcome into the termination registry
// and folds it into the rolling summary. Callers invoke this from the
// session_ended notification path.
func (a *Aggregator) RecordTermination(sessionID types.SessionID, reason types.TerminationReason, sess types.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.terminations[sessionID] = TerminationRecord{Reason: reason}
	a.totalEnded++
	if reason == types.ReasonNormal && !sess.PlayingAt.IsZero() && !sess.EndedAt.IsZero() {
		a.totalDuration += sess.EndedAt.Sub(sess.PlayingAt)
	}
}

// RecordStarted increments total_started, called when a session reaches
// MATCHED.
func (a *Aggregator) RecordStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalStarted++
}

// Summary computes the rolling completion statistics.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	completed := 0
	for _, t := range a.terminations {
		if t.Reason == types.ReasonNormal {
			completed++
		}
	}

	s := Summary{TotalStarted: a.totalStarted, TotalCompleted: completed}
	if a.totalStarted > 0 {
		s.CompletionRate = float64(completed) / float64(a.totalStarted)
	}
	if completed > 0 {
		s.AvgSessionDurationMs = float64(a.totalDuration.Milliseconds()) / float64(completed)
	}
	return s
}

// ActiveSessions builds the SessionView list for every non-ENDED session.
func (a *Aggregator) ActiveSessions() []SessionView {
	all := a.sessions.All()
	out := make([]SessionView, 0, len(all))
	for _, s := range all {
		if s.State == types.SessionEnded {
			continue
		}
		out = append(out, a.toView(s))
	}
	return out
}

// SessionDetail returns the SessionView and last-known termination for one
// session, including ENDED ones still within retention.
func (a *Aggregator) SessionDetail(sessionID types.SessionID) (SessionView, bool) {
	s, ok := a.sessions.Get(sessionID)
	if !ok {
		return SessionView{}, false
	}
	return a.toView(s), true
}

func (a *Aggregator) toView(s types.Session) SessionView {
	var sum, n float64
	for _, id := range s.Participants {
		if p, ok := a.registry.Get(id); ok && p.RTTToServerMs != nil {
			sum += float64(*p.RTTToServerMs)
			n++
		}
	}
	avg := 0.0
	if n > 0 {
		avg = sum / n
	}

	return SessionView{
		SessionID:    s.SessionID,
		State:        s.State,
		SceneID:      s.SceneID,
		Participants: s.Participants,
		AvgRTTMs:     avg,
		Health:       DeriveHealth(s.P2PHealth),
	}
}

// RegisterRoutes mounts the admin read API under the given router group,
// guarded by authMiddleware (spec §4.J: "guarded by TokenValidator").
func (a *Aggregator) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	group := rg.Group("/admin/sessions")
	if authMiddleware != nil {
		group.Use(authMiddleware)
	}

	group.GET("", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"sessions": a.ActiveSessions(),
			"summary":  a.Summary(),
		})
	})

	group.GET("/:id", func(c *gin.Context) {
		id := types.SessionID(c.Param("id"))
		view, ok := a.SessionDetail(id)
		if !ok {
			c.JSON(404, gin.H{"error": "session not found"})
			return
		}

		console := make(map[types.SubjectID][]ConsoleEntry, len(view.Participants))
		for _, subject := range view.Participants {
			console[subject] = a.ConsoleLogs(subject)
		}

		a.mu.Lock()
		termination, terminated := a.terminations[id]
		a.mu.Unlock()

		detail := gin.H{
			"session":         view,
			"console_logs":    console,
			"scene_occupancy": len(a.registry.IterByScene(view.SceneID)),
		}
		if terminated {
			detail["termination"] = termination
		}
		c.JSON(200, detail)
	})
}
