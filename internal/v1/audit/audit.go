// Package audit implements the Audit/Export Sink (component K): ingesting
// each participant's post-episode ValidationExport, cross-checking them for
// parity, and persisting the result for offline replay.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// Sink collects ValidationExports per session and writes the validated
// result to disk.
type Sink struct {
	mu       sync.Mutex
	exports  map[types.SessionID]map[types.SubjectID]*types.ValidationExport
	expected map[types.SessionID][]types.SubjectID
	outDir   string
}

// NewSink returns a Sink that persists under outDir/<experiment_id>.
func NewSink(outDir string) *Sink {
	return &Sink{
		exports:  make(map[types.SessionID]map[types.SubjectID]*types.ValidationExport),
		expected: make(map[types.SessionID][]types.SubjectID),
		outDir:   outDir,
	}
}

// ExpectExports records which participants a session should collect exports
// from before parity validation runs.
func (s *Sink) ExpectExports(sessionID types.SessionID, participants []types.SubjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[sessionID] = append([]types.SubjectID(nil), participants...)
}

// Ingest stores a ValidationExport. It returns false and logs a warning when
// the export arrives for a session the sink no longer tracks (the audit
// window closed and the record was persisted) or from a subject the session
// never contained — the late or foreign export is dropped, not merged in
// after the fact (spec Open Question #2: late-export-drop-with-warning).
func (s *Sink) Ingest(ctx context.Context, export *types.ValidationExport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, tracked := s.expected[export.SessionID]
	if !tracked {
		logging.Warn(ctx, "dropping late validation export",
			zap.String("session_id", string(export.SessionID)),
			zap.String("subject_id", string(export.SubjectID)))
		return false
	}

	member := false
	for _, id := range expected {
		if id == export.SubjectID {
			member = true
			break
		}
	}
	if !member {
		logging.Warn(ctx, "dropping validation export from non-participant",
			zap.String("session_id", string(export.SessionID)),
			zap.String("subject_id", string(export.SubjectID)))
		return false
	}

	bySubject, ok := s.exports[export.SessionID]
	if !ok {
		bySubject = make(map[types.SubjectID]*types.ValidationExport)
		s.exports[export.SessionID] = bySubject
	}
	bySubject[export.SubjectID] = export
	return true
}

// Ready reports whether every expected export has arrived for sessionID.
func (s *Sink) Ready(sessionID types.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expected, ok := s.expected[sessionID]
	if !ok {
		return false
	}
	return len(s.exports[sessionID]) >= len(expected)
}

// Tracks reports whether the sink still holds in-memory state for sessionID,
// used by the retention sweep to decide which sessions need finalizing.
func (s *Sink) Tracks(sessionID types.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.expected[sessionID]
	return ok
}

// Validate runs the parity algorithm of spec §4.K over every export
// collected for sessionID.
func (s *Sink) Validate(ctx context.Context, sessionID types.SessionID) types.ParityResult {
	s.mu.Lock()
	exports := s.exports[sessionID]
	expected := s.expected[sessionID]
	s.mu.Unlock()

	result := ComputeParity(exports, expected)

	metrics.AuditParityResults.WithLabelValues(string(result.Status)).Inc()
	logging.Info(ctx, "audit parity validated",
		zap.String("session_id", string(sessionID)),
		zap.String("status", string(result.Status)),
		zap.Int("desync_count", len(result.DesyncRecords)),
		zap.Int("divergence_count", len(result.DivergenceRecords)))

	return result
}

// ComputeParity is the pure parity check: for every frame up to the minimum
// verified_frame across exports, confirmed hashes must agree (else DESYNC)
// and every reported action for a subject must agree across reporters (else
// DIVERGENCE). Missing expected exports mark the result partial; any
// disagreement outranks a missing export.
func ComputeParity(exports map[types.SubjectID]*types.ValidationExport, expected []types.SubjectID) types.ParityResult {
	var missing []types.SubjectID
	for _, id := range expected {
		if _, ok := exports[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(exports) == 0 {
		return types.ParityResult{Status: types.ParityPartial, MissingSubjects: missing}
	}

	minVerified := -1
	for _, e := range exports {
		if minVerified == -1 || e.Summary.VerifiedFrame < minVerified {
			minVerified = e.Summary.VerifiedFrame
		}
	}

	hashesByFrame := make(map[int]map[types.SubjectID]string)
	for subjectID, e := range exports {
		for _, fh := range e.ConfirmedHashes {
			if fh.Frame > minVerified {
				continue
			}
			if hashesByFrame[fh.Frame] == nil {
				hashesByFrame[fh.Frame] = make(map[types.SubjectID]string)
			}
			hashesByFrame[fh.Frame][subjectID] = fh.Hash
		}
	}

	var desyncs []types.DesyncRecord
	for frame, byPeer := range hashesByFrame {
		if !allAgree(byPeer) {
			desyncs = append(desyncs, types.DesyncRecord{Frame: frame, Hashes: byPeer})
		}
	}

	actionsByFrameAndSubject := make(map[int]map[types.SubjectID]map[types.SubjectID]any)
	for reporter, e := range exports {
		for referenced, actions := range e.VerifiedActions {
			for _, a := range actions {
				if a.Frame > minVerified {
					continue
				}
				if actionsByFrameAndSubject[a.Frame] == nil {
					actionsByFrameAndSubject[a.Frame] = make(map[types.SubjectID]map[types.SubjectID]any)
				}
				if actionsByFrameAndSubject[a.Frame][referenced] == nil {
					actionsByFrameAndSubject[a.Frame][referenced] = make(map[types.SubjectID]any)
				}
				actionsByFrameAndSubject[a.Frame][referenced][reporter] = a.Action
			}
		}
	}

	var divergences []types.DivergenceRecord
	for frame, byReferenced := range actionsByFrameAndSubject {
		for referenced, byReporter := range byReferenced {
			if !allActionsAgree(byReporter) {
				divergences = append(divergences, types.DivergenceRecord{
					Frame:             frame,
					ReferencedSubject: referenced,
					Actions:           byReporter,
				})
			}
		}
	}

	result := types.ParityResult{
		Status:            types.ParityOK,
		MissingSubjects:   missing,
		DesyncRecords:     desyncs,
		DivergenceRecords: divergences,
	}
	switch {
	case len(desyncs) > 0 || len(divergences) > 0:
		result.Status = types.ParityDesync
	case len(missing) > 0:
		result.Status = types.ParityPartial
	}
	return result
}

func allAgree(byPeer map[types.SubjectID]string) bool {
	var first string
	seen := false
	for _, h := range byPeer {
		if !seen {
			first = h
			seen = true
			continue
		}
		if h != first {
			return false
		}
	}
	return true
}

func allActionsAgree(byReporter map[types.SubjectID]any) bool {
	var first any
	seen := false
	for _, a := range byReporter {
		if !seen {
			first = a
			seen = true
			continue
		}
		if fmt.Sprintf("%v", a) != fmt.Sprintf("%v", first) {
			return false
		}
	}
	return true
}

// Record is the on-disk shape of one session's validated audit trail,
// written to data/<experiment_id>/audit/<session_id>.json.
type Record struct {
	SessionID types.SessionID                             `json:"session_id"`
	Expected  []types.SubjectID                           `json:"expected"`
	Exports   map[types.SubjectID]*types.ValidationExport `json:"exports"`
	Parity    types.ParityResult                          `json:"parity"`
}

// Persist writes the session's collected exports and parity result to disk
// under experimentID, then drops the in-memory copy: any export arriving
// after this point is late and Ingest refuses it.
func (s *Sink) Persist(ctx context.Context, experimentID string, sessionID types.SessionID, parity types.ParityResult) error {
	s.mu.Lock()
	exports := s.exports[sessionID]
	expected := s.expected[sessionID]
	delete(s.exports, sessionID)
	delete(s.expected, sessionID)
	s.mu.Unlock()

	dir := filepath.Join(s.outDir, experimentID, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	record := Record{SessionID: sessionID, Expected: expected, Exports: exports, Parity: parity}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.json", sessionID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}

	logging.Info(ctx, "persisted audit record", zap.String("path", path))
	return nil
}

// Finalize closes a session's audit window whether or not every export
// arrived: whatever was collected is validated (missing exports mark the
// result partial) and persisted. No-op for sessions the sink no longer
// tracks.
func (s *Sink) Finalize(ctx context.Context, experimentID string, sessionID types.SessionID) {
	if !s.Tracks(sessionID) {
		return
	}
	result := s.Validate(ctx, sessionID)
	if err := s.Persist(ctx, experimentID, sessionID, result); err != nil {
		logging.Error(ctx, "failed to persist audit record", zap.Error(err),
			zap.String("session_id", string(sessionID)))
	}
}

// MatchLogEntry is one line of data/<experiment_id>/match_log.jsonl: the
// append-only record of every matched group (spec §6).
type MatchLogEntry struct {
	SessionID  types.SessionID   `json:"session_id"`
	SceneID    types.SceneID     `json:"scene_id"`
	Subjects   []types.SubjectID `json:"subjects"`
	Matchmaker string            `json:"matchmaker"`
	PairRTTsMs map[string]int    `json:"pair_rtts_ms,omitempty"`
	MatchedAt  time.Time         `json:"matched_at"`
}

// AppendMatchLog appends one matched-group record to the experiment's
// match_log.jsonl.
func (s *Sink) AppendMatchLog(experimentID string, entry MatchLogEntry) error {
	dir := filepath.Join(s.outDir, experimentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create experiment dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "match_log.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open match log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// ExclusionEntry is one mid-game exclusion event, appended to the audit
// trail before the session it names is torn down (spec §4.I).
type ExclusionEntry struct {
	SessionID   types.SessionID `json:"session_id"`
	SubjectID   types.SubjectID `json:"subject_id"`
	Reason      string          `json:"reason"`
	RawReason   string          `json:"raw_reason,omitempty"`
	FrameNumber int             `json:"frame_number"`
	ReportedAt  time.Time       `json:"reported_at"`
}

// AppendExclusion appends one exclusion event to the experiment's
// exclusions.jsonl.
func (s *Sink) AppendExclusion(experimentID string, entry ExclusionEntry) error {
	dir := filepath.Join(s.outDir, experimentID, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "exclusions.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open exclusion log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadRecord loads one persisted audit record, used by the replay-audit CLI.
func ReadRecord(outDir, experimentID string, sessionID types.SessionID) (Record, error) {
	path := filepath.Join(outDir, experimentID, "audit", fmt.Sprintf("%s.json", sessionID))
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read audit record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decode audit record %s: %w", path, err)
	}
	return record, nil
}

// Replay re-runs parity validation over a persisted record and reports
// whether the stored verdict still holds, the offline check behind the
// replay-audit CLI.
func Replay(outDir, experimentID string, sessionID types.SessionID) (Record, types.ParityResult, bool, error) {
	record, err := ReadRecord(outDir, experimentID, sessionID)
	if err != nil {
		return Record{}, types.ParityResult{}, false, err
	}
	recomputed := ComputeParity(record.Exports, record.Expected)
	return record, recomputed, recomputed.Status == record.Parity.Status, nil
}
