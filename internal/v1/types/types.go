// Package types holds the domain types shared across the coordinator:
// participant and session identifiers, the participant/session state
// machines, and the wire envelope exchanged with clients.
package types

import (
	"time"

	"k8s.io/utils/set"
)

// SubjectID is an opaque, stable participant identifier issued at first
// contact. It survives reconnects and is unique within a coordinator
// process.
type SubjectID string

// ConnectionID is ephemeral per physical connection. A Participant may
// cycle through many ConnectionIDs over its lifetime.
type ConnectionID string

// SessionID uniquely identifies one matched group's playthrough of one
// scene. Assigned when the session reaches MATCHED.
type SessionID string

// GroupID identifies a matched group; by convention it equals the
// SessionID of the session that group was matched into.
type GroupID string

// SceneID identifies one experiment content unit.
type SceneID string

// ProbeID identifies one P2P connectivity probe.
type ProbeID string

// ParticipantState is the state of a Participant per spec §4.C.
type ParticipantState string

const (
	ParticipantIdle       ParticipantState = "IDLE"
	ParticipantInWaitroom ParticipantState = "IN_WAITROOM"
	ParticipantInGame     ParticipantState = "IN_GAME"
	ParticipantGameEnded  ParticipantState = "GAME_ENDED"
)

// SessionState is the state of a Session per spec §3/§4.F.
type SessionState string

const (
	SessionWaiting    SessionState = "WAITING"
	SessionMatched    SessionState = "MATCHED"
	SessionValidating SessionState = "VALIDATING"
	SessionPlaying    SessionState = "PLAYING"
	SessionEnded      SessionState = "ENDED"
)

// TerminationReason enumerates why a Session ended, per spec §3/§7.
type TerminationReason string

const (
	ReasonNormal              TerminationReason = "normal"
	ReasonPartnerDisconnected TerminationReason = "partner_disconnected"
	ReasonSustainedLatency    TerminationReason = "sustained_latency"
	ReasonTabHiddenTimeout    TerminationReason = "tab_hidden_timeout"
	ReasonCustomExclusion     TerminationReason = "custom_exclusion"
	ReasonProbeFailed         TerminationReason = "probe_failed"
	ReasonFocusLossTimeout    TerminationReason = "focus_loss_timeout"
)

// Client -> server event names (spec §6).
const (
	EventRegister               = "register"
	EventJoinGame               = "join_game"
	EventLeaveGame              = "leave_game"
	EventAdvanceScene           = "advance_scene"
	EventPyodideLoadingStart    = "pyodide_loading_start"
	EventPyodideLoadingComplete = "pyodide_loading_complete"
	EventPing                   = "ping"
	EventPeerSDP                = "peer_sdp"
	EventPeerICE                = "peer_ice"
	EventProbeSignal            = "probe_signal"
	EventProbeConnected         = "probe_connected"
	EventProbeRTTReport         = "probe_rtt_report"
	EventProbeFailed            = "probe_failed"
	EventPlayerAction           = "player_action"
	EventEpisodeEnd             = "episode_end"
	EventStateHash              = "state_hash"
	EventFocusState             = "focus_state"
	EventP2PHealthReport        = "p2p_health_report"
	EventMidGameExclusion       = "mid_game_exclusion"
	EventValidationExport       = "validation_export"
)

// Server -> client event names (spec §6).
const (
	EventRegistered     = "registered"
	EventWaitroomJoined = "waitroom_joined"
	EventGameStart      = "game_start"
	EventSessionEnded   = "session_ended"
	EventProbeStart     = "probe_start"
	EventProbePingReq   = "probe_ping_request"
	EventPong           = "pong"
	EventError          = "error"
	EventStateUpdate    = "state_update"
)

// Envelope is the typed wire protocol required by spec §4.G: every message
// in either direction is `{event, payload}`. Payload holds the generic value
// the JSON decoder produced (or the sender supplied); handlers re-marshal it
// into their own concrete type.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Participant is owned by the Participant Registry (component B).
type Participant struct {
	SubjectID         SubjectID
	CurrentConnection ConnectionID
	IsConnected       bool
	State             ParticipantState
	SceneID           SceneID
	GroupID           GroupID
	RTTToServerMs     *int
	CustomAttributes  map[string]any
	StagerState       []byte
	LastUpdatedAt     time.Time
	CreatedAt         time.Time
}

// GroupHistory is owned by the registry, keyed by SubjectID (spec §3). The
// group-reunion matchmaker tests membership against a candidate's previous
// partners on every match attempt, so this is kept as a set.Set rather than
// a plain slice.
type GroupHistory struct {
	PreviousPartners set.Set[SubjectID]
	SourceSceneID    SceneID
	GroupID          GroupID
}

// MatchCandidate is ephemeral, constructed per match attempt (spec §3).
type MatchCandidate struct {
	SubjectID        SubjectID
	RTTToServerMs    *int
	GroupHistory     *GroupHistory
	CustomAttributes map[string]any
}

// P2PHealth is the last-reported per-participant connection health.
type P2PHealth struct {
	ConnectionType string `json:"connection_type"`
	RTTMs          int    `json:"rtt_ms"`
	Status         string `json:"status"`
}

// Session is owned by the Session Lifecycle Manager (component F).
type Session struct {
	SessionID         SessionID
	State             SessionState
	Participants      []SubjectID
	SceneID           SceneID
	CreatedAt         time.Time
	MatchedAt         time.Time
	PlayingAt         time.Time
	EndedAt           time.Time
	TerminationReason TerminationReason
	P2PHealth         map[SubjectID]P2PHealth
	AuditExports      map[SubjectID]*ValidationExport
}

// FrameHash is one confirmed (frame, hash) pair in a ValidationExport.
type FrameHash struct {
	Frame int    `json:"frame"`
	Hash  string `json:"hash"`
}

// Action is one verified (frame, action) pair reported by a peer.
type Action struct {
	Frame  int `json:"frame"`
	Action any `json:"action"`
}

// DesyncEvent records a detected divergence reported by a client.
type DesyncEvent struct {
	Frame              int       `json:"frame"`
	OurHash            string    `json:"our_hash"`
	PeerHash           string    `json:"peer_hash"`
	Timestamp          time.Time `json:"timestamp"`
	HashWasStateDumped bool      `json:"hash_was_state_dumped"`
}

// ExportSummary is the self-reported coverage of one ValidationExport.
type ExportSummary struct {
	TotalFrames   int `json:"total_frames"`
	VerifiedFrame int `json:"verified_frame"`
	DesyncCount   int `json:"desync_count"`
}

// ValidationExport is the post-episode blob sent by each client (spec §3).
type ValidationExport struct {
	SessionID       SessionID              `json:"session_id"`
	SubjectID       SubjectID              `json:"subject_id"`
	ConfirmedHashes []FrameHash            `json:"confirmed_hashes"`
	VerifiedActions map[SubjectID][]Action `json:"verified_actions"`
	DesyncEvents    []DesyncEvent          `json:"desync_events"`
	Summary         ExportSummary          `json:"summary"`
}

// ParityStatus is the outcome of cross-peer parity validation (spec §4.K).
type ParityStatus string

const (
	ParityOK      ParityStatus = "ok"
	ParityPartial ParityStatus = "partial"
	ParityDesync  ParityStatus = "desync"
)

// ParityResult is persisted alongside a session's audit exports.
type ParityResult struct {
	Status            ParityStatus       `json:"status"`
	MissingSubjects   []SubjectID        `json:"missing_subjects,omitempty"`
	DesyncRecords     []DesyncRecord     `json:"desync_records,omitempty"`
	DivergenceRecords []DivergenceRecord `json:"divergence_records,omitempty"`
}

// DesyncRecord flags a frame whose hash disagreed across exports.
type DesyncRecord struct {
	Frame  int                  `json:"frame"`
	Hashes map[SubjectID]string `json:"hashes"`
}

// DivergenceRecord flags an action that disagreed across exports.
type DivergenceRecord struct {
	Frame             int               `json:"frame"`
	ReferencedSubject SubjectID         `json:"referenced_subject"`
	Actions           map[SubjectID]any `json:"actions"`
}
