// Package coordinator wires every component package (registry, matchmaker,
// probe, grace, session, admin, audit, scenes) into the single Dispatcher
// the transport Hub calls into for every inbound envelope. The component
// packages themselves stay free of wire-format concerns.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labcoord/coordinator/internal/v1/admin"
	"github.com/labcoord/coordinator/internal/v1/audit"
	"github.com/labcoord/coordinator/internal/v1/grace"
	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/matchmaker"
	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/labcoord/coordinator/internal/v1/probe"
	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/scenes"
	"github.com/labcoord/coordinator/internal/v1/session"
	"github.com/labcoord/coordinator/internal/v1/transport"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// Notifier is the surface the Dispatcher needs from the transport Hub:
// emitting to one subject, a scene, or a session's participants, plus
// connection bookkeeping the disconnect and advance_scene paths require.
type Notifier interface {
	EmitToScene(sceneID types.SceneID, envelope types.Envelope)
	EmitToSession(session *types.Session, envelope types.Envelope)
	EmitToSubject(subjectID types.SubjectID, envelope types.Envelope)
	RemoveClient(client *transport.Client)
	MoveClient(client *transport.Client, to types.SceneID)
}

// pendingGroup tracks a matched group waiting on its P2P probe gate before
// the session is allowed into PLAYING (spec §4.F step 7/8).
type pendingGroup struct {
	sessionID   types.SessionID
	sceneID     types.SceneID
	matchmaker  string
	probeIDs    []types.ProbeID
	candidates  []types.MatchCandidate
	maxP2PRTTMs int
	release     func(success bool)
}

// Dispatcher implements transport.Dispatcher, routing every inbound
// envelope to the component that owns it.
type Dispatcher struct {
	registry     *registry.Registry
	grace        *grace.Table
	probes       *probe.Coordinator
	sessions     *session.Manager
	relay        *session.Relay
	admin        *admin.Aggregator
	auditSink    *audit.Sink
	scenesClient *scenes.Client
	notifier     Notifier
	experimentID string

	mu               sync.Mutex
	waitrooms        map[types.SceneID]*matchmaker.Waitroom
	pendingGroups    map[types.SessionID]*pendingGroup
	groupByProbe     map[types.ProbeID]types.SessionID
	sessionBySubject map[types.SubjectID]types.SessionID
	episodeEnds      map[types.SessionID]map[types.SubjectID]bool
}

var _ transport.Dispatcher = (*Dispatcher)(nil)

// New builds a Dispatcher from the fully constructed component set.
func New(reg *registry.Registry, gr *grace.Table, probes *probe.Coordinator, sessions *session.Manager, relay *session.Relay, agg *admin.Aggregator, auditSink *audit.Sink, scenesClient *scenes.Client, notifier Notifier, experimentID string) *Dispatcher {
	return &Dispatcher{
		registry:         reg,
		grace:            gr,
		probes:           probes,
		sessions:         sessions,
		relay:            relay,
		admin:            agg,
		auditSink:        auditSink,
		scenesClient:     scenesClient,
		notifier:         notifier,
		experimentID:     experimentID,
		waitrooms:        make(map[types.SceneID]*matchmaker.Waitroom),
		pendingGroups:    make(map[types.SessionID]*pendingGroup),
		groupByProbe:     make(map[types.ProbeID]types.SessionID),
		sessionBySubject: make(map[types.SubjectID]types.SessionID),
		episodeEnds:      make(map[types.SessionID]map[types.SubjectID]bool),
	}
}

func (d *Dispatcher) waitroomFor(sceneID types.SceneID) *matchmaker.Waitroom {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.waitrooms[sceneID]
	if !ok {
		w = matchmaker.NewWaitroom()
		d.waitrooms[sceneID] = w
	}
	return w
}

// decodePayload re-marshals the generic envelope payload into a concrete
// handler type. A malformed payload is a client protocol error, not a server
// fault, so the error is surfaced to the caller for an error(...) emit.
func decodePayload(payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (d *Dispatcher) emitError(subjectID types.SubjectID, code, message string) {
	d.notifier.EmitToSubject(subjectID, types.Envelope{Event: types.EventError, Payload: map[string]any{
		"code":    code,
		"message": message,
	}})
}

// Dispatch routes one decoded envelope per spec §4.G/§6's event table.
func (d *Dispatcher) Dispatch(ctx context.Context, client *transport.Client, envelope types.Envelope) {
	if session.IsRelayable(envelope.Event) {
		d.relayToSession(ctx, client, envelope)
		return
	}

	switch envelope.Event {
	case types.EventJoinGame:
		d.handleJoinGame(ctx, client)
	case types.EventLeaveGame:
		d.handleLeaveGame(ctx, client)
	case types.EventAdvanceScene:
		d.handleAdvanceScene(ctx, client, envelope)
	case types.EventPyodideLoadingStart:
		d.grace.Start(client.SubjectID, time.Now())
	case types.EventPyodideLoadingComplete:
		d.grace.Complete(client.SubjectID)
	case types.EventPing:
		d.handlePing(client, envelope)
	case types.EventProbeSignal:
		d.handleProbeSignal(client, envelope)
	case types.EventProbeConnected, types.EventProbeRTTReport, types.EventProbeFailed:
		d.handleProbeEvent(ctx, client, envelope)
	case types.EventP2PHealthReport:
		d.handleHealthReport(client, envelope)
	case types.EventMidGameExclusion:
		d.handleMidGameExclusion(ctx, client, envelope)
	case types.EventValidationExport:
		d.handleValidationExport(ctx, client, envelope)
	case "console_log":
		d.handleConsoleLog(client, envelope)
	default:
		logging.Warn(ctx, "unhandled event", zap.String("event", envelope.Event), zap.String("subject_id", string(client.SubjectID)))
	}
}

// relayToSession forwards a relayable envelope verbatim to the sender's
// session peers, with the sender stamped authoritatively by the server and a
// per-(sender, channel) sequence number so receivers can detect reordering
// (spec §4.G). Relay failures are silent: the DataChannel is the primary
// path, this is the bootstrap/fallback.
func (d *Dispatcher) relayToSession(ctx context.Context, client *transport.Client, envelope types.Envelope) {
	d.mu.Lock()
	sessionID, ok := d.sessionBySubject[client.SubjectID]
	d.mu.Unlock()
	if !ok {
		return
	}

	sess, ok := d.sessions.Get(sessionID)
	if !ok || sess.State == types.SessionEnded {
		return
	}

	seq := d.relay.Next(client.SubjectID, envelope.Event)
	out := types.Envelope{Event: envelope.Event, Payload: map[string]any{
		"from":    client.SubjectID,
		"seq":     seq,
		"payload": envelope.Payload,
	}}

	for _, id := range sess.Participants {
		if id != client.SubjectID {
			d.notifier.EmitToSubject(id, out)
		}
	}

	if envelope.Event == types.EventEpisodeEnd {
		d.noteEpisodeEnd(ctx, client.SubjectID, &sess)
	}
}

// noteEpisodeEnd tracks which participants have announced the episode is
// over; once every participant has, the session completes normally. A
// session ending any other way first wins — EndSession is idempotent.
func (d *Dispatcher) noteEpisodeEnd(ctx context.Context, subjectID types.SubjectID, sess *types.Session) {
	d.mu.Lock()
	reported, ok := d.episodeEnds[sess.SessionID]
	if !ok {
		reported = make(map[types.SubjectID]bool, len(sess.Participants))
		d.episodeEnds[sess.SessionID] = reported
	}
	reported[subjectID] = true
	complete := len(reported) >= len(sess.Participants)
	if complete {
		delete(d.episodeEnds, sess.SessionID)
	}
	d.mu.Unlock()

	if complete {
		d.sessions.EndSession(ctx, sess.SessionID, types.ReasonNormal)
		d.mu.Lock()
		for _, id := range sess.Participants {
			if d.sessionBySubject[id] == sess.SessionID {
				delete(d.sessionBySubject, id)
			}
		}
		d.mu.Unlock()
	}
}

// handleJoinGame implements add_subject_to_game (spec §4.F): gate on
// CanJoinWaitroom, run the scene's matchmaker over the waitroom snapshot,
// and either enqueue the arrival or form a session and drive the probe gate.
func (d *Dispatcher) handleJoinGame(ctx context.Context, client *transport.Client) {
	if !d.registry.CanJoinWaitroom(client.SubjectID) {
		d.emitError(client.SubjectID, "invalid_state", "cannot join waitroom from current state")
		return
	}

	if err := d.registry.Transition(ctx, client.SubjectID, types.ParticipantInWaitroom); err != nil {
		d.emitError(client.SubjectID, "invalid_state", err.Error())
		return
	}

	sceneID := client.SceneID
	meta, groupSize, mm := d.resolveMatchmaker(ctx, sceneID)

	participant, _ := d.registry.Get(client.SubjectID)
	arriving := types.MatchCandidate{
		SubjectID:        client.SubjectID,
		RTTToServerMs:    participant.RTTToServerMs,
		GroupHistory:     d.registry.GroupHistory(client.SubjectID),
		CustomAttributes: participant.CustomAttributes,
	}

	w := d.waitroomFor(sceneID)
	waiting := w.Snapshot()

	selected, ok := mm.FindMatch(arriving, waiting, groupSize)
	if !ok {
		w.Add(arriving)
		metrics.WaitroomSize.WithLabelValues(string(sceneID)).Set(float64(w.Len()))
		d.notifier.EmitToSubject(client.SubjectID, types.Envelope{Event: types.EventWaitroomJoined, Payload: map[string]any{
			"scene_id": sceneID,
			"position": w.Len(),
		}})
		return
	}

	// slot order: selected partners first (waitroom order), arriving last
	group := append(append([]types.MatchCandidate(nil), selected...), arriving)
	ids := make([]types.SubjectID, len(group))
	for i, c := range group {
		ids[i] = c.SubjectID
	}

	w.Remove(ids...)
	metrics.WaitroomSize.WithLabelValues(string(sceneID)).Set(float64(w.Len()))
	metrics.MatchesFormed.WithLabelValues(mm.Name(), string(sceneID)).Inc()

	sess, err := d.sessions.FormSession(ctx, sceneID, ids)
	if err != nil {
		logging.Error(ctx, "failed to form session", zap.Error(err))
		w.Requeue(group)
		return
	}
	d.admin.RecordStarted()
	d.admin.NotifyChanged(sess.SessionID)

	d.mu.Lock()
	for _, id := range ids {
		d.sessionBySubject[id] = sess.SessionID
	}
	d.mu.Unlock()

	d.auditSink.ExpectExports(sess.SessionID, ids)

	if meta.MatchmakerConfig.MaxP2PRTTMs > 0 {
		d.startProbeGate(ctx, sess, mm.Name(), group, meta.MatchmakerConfig.MaxP2PRTTMs)
		return
	}

	d.logMatch(ctx, sess, mm.Name(), nil)
	if err := d.sessions.StartPlaying(ctx, sess.SessionID); err != nil {
		logging.Error(ctx, "failed to start session", zap.Error(err))
	}
	d.admin.NotifyChanged(sess.SessionID)
}

func (d *Dispatcher) resolveMatchmaker(ctx context.Context, sceneID types.SceneID) (scenes.Metadata, int, matchmaker.Matchmaker) {
	if d.scenesClient != nil {
		meta, err := d.scenesClient.GetSceneMetadata(ctx, sceneID)
		if err == nil {
			groupSize := meta.GroupSize
			if groupSize < 2 {
				groupSize = 2
			}
			return meta, groupSize, matchmaker.ByName(meta.MatchmakerName, meta.MatchmakerConfig.MaxServerRTTSumMs, meta.MatchmakerConfig.FallbackToFIFO)
		}
		logging.Warn(ctx, "scene metadata unavailable, falling back to FIFO defaults", zap.String("scene_id", string(sceneID)), zap.Error(err))
	}
	return scenes.Metadata{SceneID: sceneID, GroupSize: 2}, 2, matchmaker.FIFO{}
}

// startProbeGate runs component E for a freshly matched group: every pair
// must probe successfully before the session moves to PLAYING (spec §4.F
// step 7, Open Question #1: any pair failure fails the whole group). The
// attempt first passes the coordinator's circuit breaker; when probes have
// been failing in a streak the group is rejected immediately with
// probe_rejected instead of hanging for the full probe_timeout.
func (d *Dispatcher) startProbeGate(ctx context.Context, sess *types.Session, matchmakerName string, candidates []types.MatchCandidate, maxP2PRTTMs int) {
	_ = d.sessions.BeginValidating(sess.SessionID)

	g := &pendingGroup{
		sessionID:   sess.SessionID,
		sceneID:     sess.SceneID,
		matchmaker:  matchmakerName,
		candidates:  candidates,
		maxP2PRTTMs: maxP2PRTTMs,
	}

	release, err := d.probes.Gate()
	if err != nil {
		metrics.ProbeOutcomes.WithLabelValues("rejected").Inc()
		logging.Warn(ctx, "probe gate rejected by circuit breaker",
			zap.String("session_id", string(sess.SessionID)))
		d.failProbeGate(ctx, sess.SessionID, g, "probe_rejected")
		return
	}
	g.release = release

	for i := 0; i < len(sess.Participants); i++ {
		for j := i + 1; j < len(sess.Participants); j++ {
			a, b := sess.Participants[i], sess.Participants[j]
			probeID := types.ProbeID(fmt.Sprintf("%s-%s-%s", sess.SessionID, a, b))
			d.probes.Start(probeID, a, b)
			g.probeIDs = append(g.probeIDs, probeID)

			d.notifier.EmitToSubject(a, types.Envelope{Event: types.EventProbeStart, Payload: map[string]any{
				"probe_id": probeID,
				"role":     probe.RoleOfferer,
				"peer":     b,
			}})
			d.notifier.EmitToSubject(b, types.Envelope{Event: types.EventProbeStart, Payload: map[string]any{
				"probe_id": probeID,
				"role":     probe.RoleAnswerer,
				"peer":     a,
			}})
		}
	}

	d.mu.Lock()
	d.pendingGroups[sess.SessionID] = g
	for _, id := range g.probeIDs {
		d.groupByProbe[id] = sess.SessionID
	}
	d.mu.Unlock()

	logging.Info(ctx, "probe gate started",
		zap.String("session_id", string(sess.SessionID)),
		zap.Int("pairs", len(g.probeIDs)))
}

// handleProbeSignal relays opaque SDP/ICE payloads between the two peers of
// a pair probe (spec §4.E step 3). Signals for an unknown probe_id (expired
// or already resolved) are discarded.
func (d *Dispatcher) handleProbeSignal(client *transport.Client, envelope types.Envelope) {
	var payload struct {
		ProbeID types.ProbeID `json:"probe_id"`
		Payload any           `json:"payload"`
	}
	if err := decodePayload(envelope.Payload, &payload); err != nil || payload.ProbeID == "" {
		return
	}

	peer, ok := d.probes.PeerOf(payload.ProbeID, client.SubjectID)
	if !ok {
		return
	}

	d.notifier.EmitToSubject(peer, types.Envelope{Event: types.EventProbeSignal, Payload: map[string]any{
		"probe_id": payload.ProbeID,
		"from":     client.SubjectID,
		"payload":  payload.Payload,
	}})
}

func (d *Dispatcher) handleProbeEvent(ctx context.Context, client *transport.Client, envelope types.Envelope) {
	var payload struct {
		ProbeID types.ProbeID `json:"probe_id"`
		RTTMs   int           `json:"rtt_ms"`
		Reason  string        `json:"reason"`
	}
	if err := decodePayload(envelope.Payload, &payload); err != nil || payload.ProbeID == "" {
		return
	}

	switch envelope.Event {
	case types.EventProbeConnected:
		if d.probes.Connected(payload.ProbeID, client.SubjectID) {
			peer, _ := d.probes.PeerOf(payload.ProbeID, client.SubjectID)
			ping := types.Envelope{Event: types.EventProbePingReq, Payload: map[string]any{"probe_id": payload.ProbeID}}
			d.notifier.EmitToSubject(client.SubjectID, ping)
			d.notifier.EmitToSubject(peer, ping)
		}
		return
	case types.EventProbeRTTReport:
		d.probes.ReportRTT(payload.ProbeID, payload.RTTMs)
	case types.EventProbeFailed:
		logging.Info(ctx, "peer reported probe failure",
			zap.String("probe_id", string(payload.ProbeID)),
			zap.String("reason", payload.Reason))
		d.probes.Fail(payload.ProbeID)
	}

	d.tryResolveProbeGate(ctx, payload.ProbeID)
}

// tryResolveProbeGate checks whether every pair probe of the group owning
// probeID has resolved, and if so moves the session to PLAYING or tears it
// down and returns the candidates to the waitroom (spec §4.F steps 7-8, P7).
func (d *Dispatcher) tryResolveProbeGate(ctx context.Context, probeID types.ProbeID) {
	d.mu.Lock()
	sessionID, ok := d.groupByProbe[probeID]
	if !ok {
		d.mu.Unlock()
		return
	}
	group := d.pendingGroups[sessionID]
	d.mu.Unlock()
	if group == nil {
		return
	}

	pairs := make([]probe.PairProbe, 0, len(group.probeIDs))
	for _, id := range group.probeIDs {
		current, found := d.probes.Get(id)
		if !found {
			return
		}
		if current.Phase != probe.PhaseDone && current.Phase != probe.PhaseFailed {
			return
		}
		pairs = append(pairs, current)
	}

	d.mu.Lock()
	if _, still := d.pendingGroups[sessionID]; !still {
		// another event resolved the gate first
		d.mu.Unlock()
		return
	}
	delete(d.pendingGroups, sessionID)
	for _, id := range group.probeIDs {
		delete(d.groupByProbe, id)
	}
	d.mu.Unlock()

	for _, id := range group.probeIDs {
		d.probes.Clear(id)
	}

	outcome := probe.Evaluate(ctx, pairs, group.maxP2PRTTMs)
	if group.release != nil {
		group.release(outcome.Succeeded)
	}
	if outcome.Succeeded {
		if sess, ok := d.sessions.Get(sessionID); ok {
			d.logMatch(ctx, &sess, group.matchmaker, pairs)
		}
		if err := d.sessions.StartPlaying(ctx, sessionID); err != nil {
			logging.Error(ctx, "failed to start session after probe", zap.Error(err))
		}
		d.admin.NotifyChanged(sessionID)
		return
	}

	d.failProbeGate(ctx, sessionID, group, "p2p_probe_failed")
}

// failProbeGate tears down a session whose probe gate failed or was
// rejected: the session ENDs with reason probe_failed, every still-connected
// candidate returns to the front of the waitroom in the group's order (see
// Waitroom.Requeue), and each participant gets a probe_failed event carrying
// the given reason. No session_ended is
// broadcast — the group never started playing.
func (d *Dispatcher) failProbeGate(ctx context.Context, sessionID types.SessionID, group *pendingGroup, reason string) {
	participants := d.sessions.FailProbe(ctx, sessionID)
	if participants == nil {
		return
	}

	d.mu.Lock()
	for _, id := range participants {
		delete(d.sessionBySubject, id)
	}
	d.mu.Unlock()

	// only still-connected candidates go back in the queue; a candidate
	// whose disconnect caused the failure is already gone
	requeue := make([]types.MatchCandidate, 0, len(group.candidates))
	for _, c := range group.candidates {
		if p, ok := d.registry.Get(c.SubjectID); ok && p.IsConnected {
			requeue = append(requeue, c)
		}
	}

	w := d.waitroomFor(group.sceneID)
	w.Requeue(requeue)
	metrics.WaitroomSize.WithLabelValues(string(group.sceneID)).Set(float64(w.Len()))

	for _, id := range participants {
		d.notifier.EmitToSubject(id, types.Envelope{Event: types.EventProbeFailed, Payload: map[string]any{
			"session_id": sessionID,
			"reason":     reason,
		}})
	}
	d.admin.NotifyChanged(sessionID)
}

func (d *Dispatcher) logMatch(ctx context.Context, sess *types.Session, matchmakerName string, pairs []probe.PairProbe) {
	entry := audit.MatchLogEntry{
		SessionID:  sess.SessionID,
		SceneID:    sess.SceneID,
		Subjects:   sess.Participants,
		Matchmaker: matchmakerName,
		MatchedAt:  sess.MatchedAt,
	}
	if len(pairs) > 0 {
		entry.PairRTTsMs = make(map[string]int, len(pairs))
		for _, p := range pairs {
			entry.PairRTTsMs[fmt.Sprintf("%s|%s", p.A, p.B)] = p.RTTMs
		}
	}
	if err := d.auditSink.AppendMatchLog(d.experimentID, entry); err != nil {
		logging.Error(ctx, "failed to append match log", zap.Error(err))
	}
}

// handlePing answers the application-level RTT ping (spec §4.A layer 2):
// the client sends its clock, the server folds the computed sample into the
// connection's EWMA and echoes both clocks back.
func (d *Dispatcher) handlePing(client *transport.Client, envelope types.Envelope) {
	var payload struct {
		Timestamp float64 `json:"timestamp"`
	}
	if err := decodePayload(envelope.Payload, &payload); err != nil {
		return
	}

	now := float64(time.Now().UnixMilli())
	sampleMs := int(now - payload.Timestamp)
	if sampleMs < 0 {
		sampleMs = 0
	}
	smoothed := client.RecordRTTSample(sampleMs)
	_ = d.registry.RecordRTT(client.SubjectID, smoothed)

	d.notifier.EmitToSubject(client.SubjectID, types.Envelope{Event: types.EventPong, Payload: map[string]any{
		"timestamp":        payload.Timestamp,
		"server_timestamp": now,
		"rtt_ms":           smoothed,
	}})
}

func (d *Dispatcher) handleHealthReport(client *transport.Client, envelope types.Envelope) {
	d.mu.Lock()
	sessionID, ok := d.sessionBySubject[client.SubjectID]
	d.mu.Unlock()
	if !ok {
		return
	}

	var health types.P2PHealth
	if err := decodePayload(envelope.Payload, &health); err != nil {
		return
	}

	d.sessions.RecordHealth(sessionID, client.SubjectID, health)
	d.admin.NotifyChanged(sessionID)
}

func (d *Dispatcher) handleConsoleLog(client *transport.Client, envelope types.Envelope) {
	var payload struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := decodePayload(envelope.Payload, &payload); err != nil {
		return
	}
	d.admin.RecordConsole(client.SubjectID, payload.Level, payload.Message)
}

// exclusionReason maps the client monitor's reason string into the
// termination_reason taxonomy (spec §4.I/§7); anything unrecognized counts
// as a custom researcher rule.
func exclusionReason(raw string) types.TerminationReason {
	switch types.TerminationReason(raw) {
	case types.ReasonSustainedLatency, types.ReasonTabHiddenTimeout, types.ReasonFocusLossTimeout:
		return types.TerminationReason(raw)
	default:
		return types.ReasonCustomExclusion
	}
}

func (d *Dispatcher) handleMidGameExclusion(ctx context.Context, client *transport.Client, envelope types.Envelope) {
	var payload struct {
		SessionID   types.SessionID `json:"session_id"`
		Reason      string          `json:"reason"`
		FrameNumber int             `json:"frame_number"`
		Timestamp   float64         `json:"timestamp"`
	}
	if err := decodePayload(envelope.Payload, &payload); err != nil {
		d.emitError(client.SubjectID, "bad_payload", "malformed mid_game_exclusion")
		return
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		d.mu.Lock()
		sessionID = d.sessionBySubject[client.SubjectID]
		d.mu.Unlock()
	}
	if sessionID == "" {
		d.emitError(client.SubjectID, "unknown_session", "no active session for exclusion")
		return
	}

	reason := exclusionReason(payload.Reason)

	// the exclusion event is filed to the audit trail before the session is
	// torn down (spec §4.I step 4)
	if err := d.auditSink.AppendExclusion(d.experimentID, audit.ExclusionEntry{
		SessionID:   sessionID,
		SubjectID:   client.SubjectID,
		Reason:      string(reason),
		RawReason:   payload.Reason,
		FrameNumber: payload.FrameNumber,
		ReportedAt:  time.Now(),
	}); err != nil {
		logging.Error(ctx, "failed to persist exclusion event", zap.Error(err))
	}

	if err := d.sessions.MidGameExclusion(ctx, sessionID, client.SubjectID, reason); err != nil {
		logging.Warn(ctx, "mid_game_exclusion rejected", zap.Error(err))
		d.emitError(client.SubjectID, "unknown_session", err.Error())
		return
	}

	if sess, ok := d.sessions.Get(sessionID); ok {
		d.mu.Lock()
		for _, id := range sess.Participants {
			if d.sessionBySubject[id] == sessionID {
				delete(d.sessionBySubject, id)
			}
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) handleValidationExport(ctx context.Context, client *transport.Client, envelope types.Envelope) {
	var export types.ValidationExport
	if err := decodePayload(envelope.Payload, &export); err != nil {
		d.emitError(client.SubjectID, "bad_payload", "malformed validation_export")
		return
	}
	// the server, not the client, decides who this export belongs to
	export.SubjectID = client.SubjectID

	if _, ok := d.sessions.Get(export.SessionID); !ok {
		if !d.auditSink.Tracks(export.SessionID) {
			d.emitError(client.SubjectID, "unknown_session", fmt.Sprintf("session %s is not known", export.SessionID))
			return
		}
	}

	d.auditSink.Ingest(ctx, &export)
	if d.auditSink.Ready(export.SessionID) {
		result := d.auditSink.Validate(ctx, export.SessionID)
		if err := d.auditSink.Persist(ctx, d.experimentID, export.SessionID, result); err != nil {
			logging.Error(ctx, "failed to persist audit record", zap.Error(err))
		}
	}
}

func (d *Dispatcher) handleAdvanceScene(ctx context.Context, client *transport.Client, envelope types.Envelope) {
	var payload struct {
		SceneID     types.SceneID `json:"scene_id"`
		StagerState []byte        `json:"stager_state,omitempty"`
	}
	if err := decodePayload(envelope.Payload, &payload); err != nil || payload.SceneID == "" {
		d.emitError(client.SubjectID, "bad_payload", "advance_scene requires scene_id")
		return
	}

	if err := d.registry.Transition(ctx, client.SubjectID, types.ParticipantIdle); err != nil {
		d.emitError(client.SubjectID, "invalid_state", err.Error())
		return
	}

	_ = d.registry.SetScene(client.SubjectID, payload.SceneID)
	if len(payload.StagerState) > 0 {
		// the sequencer blob rides along so a reconnect on the new scene
		// resumes from the right step
		_ = d.registry.SetStagerState(client.SubjectID, payload.StagerState)
	}
	d.notifier.MoveClient(client, payload.SceneID)

	logging.Info(ctx, "participant advanced scene",
		zap.String("subject_id", string(client.SubjectID)),
		zap.String("scene_id", string(payload.SceneID)))
}

func (d *Dispatcher) handleLeaveGame(ctx context.Context, client *transport.Client) {
	w := d.waitroomFor(client.SceneID)
	w.Remove(client.SubjectID)
	metrics.WaitroomSize.WithLabelValues(string(client.SceneID)).Set(float64(w.Len()))

	d.mu.Lock()
	sessionID, inSession := d.sessionBySubject[client.SubjectID]
	if inSession {
		delete(d.sessionBySubject, client.SubjectID)
	}
	pending := d.pendingGroups[sessionID]
	d.mu.Unlock()

	if inSession {
		if pending != nil {
			// leaving mid-probe: fail the gate so the rest of the group
			// returns to the waitroom, then let the leaver go IDLE below
			for _, id := range pending.probeIDs {
				d.probes.Fail(id)
			}
			d.tryResolveProbeGate(ctx, pending.probeIDs[0])
			// gate failure requeued the whole group; the leaver is leaving
			w.Remove(client.SubjectID)
		} else {
			d.sessions.EndSession(ctx, sessionID, types.ReasonPartnerDisconnected)
			return
		}
	}

	_ = d.registry.Transition(ctx, client.SubjectID, types.ParticipantIdle)
}

// HandleDisconnect is the disconnect hook transport calls from readPump's
// deferred cleanup. The loading grace check runs FIRST, before any teardown
// logic (spec §4.H): a disconnect during Pyodide loading preserves the
// participant, their session, and their partner's ignorance of the blip.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, client *transport.Client) {
	defer d.notifier.RemoveClient(client)

	if d.grace.IsInLoadingGrace(client.SubjectID, time.Now()) {
		_ = d.registry.MarkDisconnected(client.SubjectID)
		logging.Info(ctx, "disconnect within loading grace, preserving state",
			zap.String("subject_id", string(client.SubjectID)))
		return
	}

	_ = d.registry.MarkDisconnected(client.SubjectID)

	w := d.waitroomFor(client.SceneID)
	w.Remove(client.SubjectID)
	metrics.WaitroomSize.WithLabelValues(string(client.SceneID)).Set(float64(w.Len()))

	d.mu.Lock()
	sessionID, inSession := d.sessionBySubject[client.SubjectID]
	if inSession {
		delete(d.sessionBySubject, client.SubjectID)
	}
	pending := d.pendingGroups[sessionID]
	d.mu.Unlock()

	if !inSession {
		return
	}

	if pending != nil {
		// mid-probe disconnect: fail the gate so the remaining candidates
		// return to the waitroom instead of ending up partner_disconnected
		for _, id := range pending.probeIDs {
			d.probes.Fail(id)
		}
		d.tryResolveProbeGate(ctx, pending.probeIDs[0])
		return
	}

	d.sessions.EndSession(ctx, sessionID, types.ReasonPartnerDisconnected)
}

// Sweep runs the coordinator's periodic maintenance: expired probes resolve
// their gates, stale loading-grace entries are dropped, sessions past the
// audit window are finalized with whatever exports arrived, and retention
// eviction runs (spec §5 cancellation/timeout table).
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time, auditRetention time.Duration) {
	for _, probeID := range d.probes.SweepExpired(ctx, now) {
		d.tryResolveProbeGate(ctx, probeID)
	}

	for _, subjectID := range d.grace.SweepExpired(now) {
		logging.Warn(ctx, "loading grace expired without completion",
			zap.String("subject_id", string(subjectID)))
	}

	for _, sess := range d.sessions.All() {
		if sess.State == types.SessionEnded && now.Sub(sess.EndedAt) > auditRetention {
			d.auditSink.Finalize(ctx, d.experimentID, sess.SessionID)
		}
	}

	d.sessions.SweepRetention(ctx, now)
}
