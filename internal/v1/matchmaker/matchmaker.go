// Package matchmaker implements the pluggable group-formation strategies of
// spec §4.D. A Matchmaker never mutates its inputs and never touches the
// registry or any lock directly: it is handed a snapshot of the waiting
// queue and returns a selection, so every implementation here is trivially
// testable in isolation and safe to call while WAITROOMS is held.
package matchmaker

import (
	"github.com/labcoord/coordinator/internal/v1/types"
)

// Matchmaker selects groupSize-1 partners for arriving out of waiting, or
// reports that no match is currently possible. Implementations must be pure:
// same inputs, same output, no side effects.
type Matchmaker interface {
	Name() string
	FindMatch(arriving types.MatchCandidate, waiting []types.MatchCandidate, groupSize int) (selected []types.MatchCandidate, ok bool)
}

// FIFO matches strictly in arrival order: the first groupSize-1 entries of
// waiting, regardless of any other attribute.
type FIFO struct{}

func (FIFO) Name() string { return "fifo" }

func (FIFO) FindMatch(_ types.MatchCandidate, waiting []types.MatchCandidate, groupSize int) ([]types.MatchCandidate, bool) {
	need := groupSize - 1
	if need <= 0 {
		return nil, true
	}
	if len(waiting) < need {
		return nil, false
	}
	return append([]types.MatchCandidate(nil), waiting[:need]...), true
}

// LatencyFIFO is FIFO restricted to candidates whose combined server RTT
// stays within maxServerRTTSumMs. A nil RTT on either side is treated as
// unknown and always passes the filter (spec §4.D: "tolerant of nil RTT").
type LatencyFIFO struct {
	MaxServerRTTSumMs int
}

func (LatencyFIFO) Name() string { return "latency_fifo" }

func (l LatencyFIFO) FindMatch(arriving types.MatchCandidate, waiting []types.MatchCandidate, groupSize int) ([]types.MatchCandidate, bool) {
	need := groupSize - 1
	if need <= 0 {
		return nil, true
	}

	eligible := make([]types.MatchCandidate, 0, len(waiting))
	for _, w := range waiting {
		if l.withinBudget(arriving, w) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) < need {
		return nil, false
	}
	return eligible[:need], true
}

func (l LatencyFIFO) withinBudget(a, b types.MatchCandidate) bool {
	if a.RTTToServerMs == nil || b.RTTToServerMs == nil {
		return true
	}
	return *a.RTTToServerMs+*b.RTTToServerMs <= l.MaxServerRTTSumMs
}

// GroupReunion re-pairs a candidate with their most recent group: when enough
// of arriving's previous partners are waiting to fill the group, they are
// selected (in waitroom order) ahead of unrelated candidates that arrived
// earlier. A candidate with no history, or with too few partners here, waits
// — unless FallbackToFIFO lets them match fresh.
type GroupReunion struct {
	FallbackToFIFO bool
}

func (GroupReunion) Name() string { return "group_reunion" }

func (g GroupReunion) FindMatch(arriving types.MatchCandidate, waiting []types.MatchCandidate, groupSize int) ([]types.MatchCandidate, bool) {
	need := groupSize - 1
	if need <= 0 {
		return nil, true
	}

	if arriving.GroupHistory != nil && arriving.GroupHistory.PreviousPartners.Len() > 0 {
		former := make([]types.MatchCandidate, 0, need)
		for _, w := range waiting {
			if arriving.GroupHistory.PreviousPartners.Has(w.SubjectID) {
				former = append(former, w)
				if len(former) == need {
					return former, true
				}
			}
		}
	}

	if !g.FallbackToFIFO {
		return nil, false
	}
	return FIFO{}.FindMatch(arriving, waiting, groupSize)
}

// ByName resolves a matchmaker implementation from its configured name
// (spec §6: each scene's matchmaker_config names one of these).
func ByName(name string, maxServerRTTSumMs int, fallbackToFIFO bool) Matchmaker {
	switch name {
	case "latency_fifo":
		return LatencyFIFO{MaxServerRTTSumMs: maxServerRTTSumMs}
	case "group_reunion":
		return GroupReunion{FallbackToFIFO: fallbackToFIFO}
	default:
		return FIFO{}
	}
}
