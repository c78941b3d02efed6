// Package probe implements the P2P Probe Coordinator (component E): after a
// Matchmaker forms a group, each pair must demonstrate a working direct (or
// relayed) connection before the session is allowed into PLAYING.
package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// Phase is one step of a single pair's probe.
type Phase string

const (
	PhaseOffering  Phase = "offering"
	PhaseAnswering Phase = "answering"
	PhaseICE       Phase = "ice"
	PhaseMeasuring Phase = "measuring"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// DefaultTimeout is the probe_timeout default (spec §6).
const DefaultTimeout = 10 * time.Second

// Role names a peer's part in the probe handshake. The first subject of a
// pair offers, the second answers.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// PairProbe tracks one pair's progress through the probe state machine.
// A is the offerer, B the answerer.
type PairProbe struct {
	ProbeID  types.ProbeID
	A, B     types.SubjectID
	Phase    Phase
	RTTMs    int
	Deadline time.Time

	connectedA bool
	connectedB bool
}

// GroupOutcome is the coordinator's verdict for an entire matched group.
type GroupOutcome struct {
	Succeeded bool
	Pairs     []PairProbe
	// FailedPair is set when Succeeded is false and identifies which pair
	// caused the whole group to fail (spec Open Question: fail-whole-group
	// on any single pair failure).
	FailedPair *PairProbe
}

// ErrRejected is returned by Gate when the circuit breaker is open: probes
// have been failing or timing out in a streak (e.g. a STUN/TURN outage) and
// new groups fail fast with probe_rejected instead of each hanging for the
// full probe_timeout.
var ErrRejected = errors.New("probe gate rejected: circuit open")

// Coordinator runs probes for matched groups. One Coordinator instance is
// shared across all scenes; pair probes are keyed by ProbeID and carry no
// cross-probe state, but group outcomes feed a shared circuit breaker (the
// same gobreaker façade shape as the scene content client).
type Coordinator struct {
	mu      sync.Mutex
	active  map[types.ProbeID]*PairProbe
	timeout time.Duration

	cb *gobreaker.TwoStepCircuitBreaker
}

// New returns a Coordinator using timeout for each pair probe, or
// DefaultTimeout if timeout is zero.
func New(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	st := gobreaker.Settings{
		Name:        "p2p-probe",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("p2p-probe").Set(stateVal)
		},
	}

	return &Coordinator{
		active:  make(map[types.ProbeID]*PairProbe),
		timeout: timeout,
		cb:      gobreaker.NewTwoStepCircuitBreaker(st),
	}
}

// Gate admits one group probe attempt through the circuit breaker. Callers
// invoke the returned release with the group's eventual outcome; a
// rejection (ErrRejected) means the breaker is open and the group should
// fail fast with probe_rejected, skipping the signaling round trip
// entirely. Probes are asynchronous, so this is the two-step breaker API
// rather than Execute.
func (c *Coordinator) Gate() (release func(success bool), err error) {
	done, err := c.cb.Allow()
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues("p2p-probe").Inc()
		return nil, ErrRejected
	}
	return done, nil
}

// Start registers a new pair probe and returns its handle.
func (c *Coordinator) Start(probeID types.ProbeID, a, b types.SubjectID) *PairProbe {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &PairProbe{
		ProbeID:  probeID,
		A:        a,
		B:        b,
		Phase:    PhaseOffering,
		Deadline: time.Now().Add(c.timeout),
	}
	c.active[probeID] = p
	return p
}

// Advance moves a probe to the next phase. Transitions are not validated
// against a strict graph here (unlike the participant state machine) because
// WebRTC signaling steps can legitimately race or repeat; Advance simply
// records the latest phase.
func (c *Coordinator) Advance(probeID types.ProbeID, phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.active[probeID]; ok {
		p.Phase = phase
	}
}

// Connected records a probe_connected from one peer. It returns true once
// BOTH peers have reported, at which point the pair moves to PhaseMeasuring
// and the caller should emit probe_ping_request (spec §4.E step 4-5).
func (c *Coordinator) Connected(probeID types.ProbeID, from types.SubjectID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.active[probeID]
	if !ok {
		return false
	}
	switch from {
	case p.A:
		p.connectedA = true
	case p.B:
		p.connectedB = true
	default:
		return false
	}
	if p.connectedA && p.connectedB {
		p.Phase = PhaseMeasuring
		return true
	}
	return false
}

// PeerOf returns the other subject of a pair probe, used to relay
// probe_signal payloads between the two peers.
func (c *Coordinator) PeerOf(probeID types.ProbeID, from types.SubjectID) (types.SubjectID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.active[probeID]
	if !ok {
		return "", false
	}
	switch from {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	}
	return "", false
}

// RoleOf returns the handshake role assigned to subject in this probe.
func (c *Coordinator) RoleOf(probeID types.ProbeID, subject types.SubjectID) (Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.active[probeID]
	if !ok {
		return "", false
	}
	switch subject {
	case p.A:
		return RoleOfferer, true
	case p.B:
		return RoleAnswerer, true
	}
	return "", false
}

// ReportRTT records the measured RTT for a pair and marks it done; it does
// not check which phase the pair was in.
func (c *Coordinator) ReportRTT(probeID types.ProbeID, rttMs int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.active[probeID]; ok {
		p.RTTMs = rttMs
		p.Phase = PhaseDone
	}
}

// Fail marks a pair probe as failed, e.g. on an ICE failure event or a
// timeout sweep.
func (c *Coordinator) Fail(probeID types.ProbeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.active[probeID]; ok {
		p.Phase = PhaseFailed
	}
}

// Get returns a copy of a pair probe's current state.
func (c *Coordinator) Get(probeID types.ProbeID) (PairProbe, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.active[probeID]
	if !ok {
		return PairProbe{}, false
	}
	return *p, true
}

// SweepExpired fails any active probe past its deadline, used by a periodic
// timer the same way the session manager sweeps retention.
func (c *Coordinator) SweepExpired(ctx context.Context, now time.Time) []types.ProbeID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []types.ProbeID
	for id, p := range c.active {
		if p.Phase != PhaseDone && p.Phase != PhaseFailed && now.After(p.Deadline) {
			p.Phase = PhaseFailed
			expired = append(expired, id)
			logging.Warn(ctx, "p2p probe timed out", zap.String("probe_id", string(id)))
		}
	}
	return expired
}

// Clear removes a probe's bookkeeping once its group's verdict has been
// resolved.
func (c *Coordinator) Clear(probeID types.ProbeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, probeID)
}

// Evaluate derives the group outcome for a set of pair probes: the whole
// group succeeds only if every pair reached PhaseDone with a measured RTT
// within maxRTTMs (0 disables the threshold). Any single failing or
// over-threshold pair fails the whole group.
func Evaluate(ctx context.Context, pairs []PairProbe, maxRTTMs int) GroupOutcome {
	for i := range pairs {
		if pairs[i].Phase != PhaseDone {
			metrics.ProbeOutcomes.WithLabelValues("failed").Inc()
			logging.Info(ctx, "p2p probe group failed",
				zap.String("probe_id", string(pairs[i].ProbeID)),
				zap.String("phase", string(pairs[i].Phase)))
			return GroupOutcome{Succeeded: false, Pairs: pairs, FailedPair: &pairs[i]}
		}
		if maxRTTMs > 0 && pairs[i].RTTMs > maxRTTMs {
			metrics.ProbeOutcomes.WithLabelValues("over_threshold").Inc()
			logging.Info(ctx, "p2p probe rtt over threshold",
				zap.String("probe_id", string(pairs[i].ProbeID)),
				zap.Int("rtt_ms", pairs[i].RTTMs),
				zap.Int("max_rtt_ms", maxRTTMs))
			return GroupOutcome{Succeeded: false, Pairs: pairs, FailedPair: &pairs[i]}
		}
	}
	metrics.ProbeOutcomes.WithLabelValues("succeeded").Inc()
	return GroupOutcome{Succeeded: true, Pairs: pairs}
}
