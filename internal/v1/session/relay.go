package session

import (
	"sync"

	"github.com/labcoord/coordinator/internal/v1/types"
)

// Relay implements component G's ordering guarantee: messages from a given
// (sender, channel) pair are delivered to the rest of the session in the
// order they were sent (spec §4.G, P9). WebRTC signaling payloads
// (peer_sdp/peer_ice) are opaque and relayed verbatim; this type only
// sequences them, it never inspects payload contents.
type Relay struct {
	mu  sync.Mutex
	seq map[types.SubjectID]map[string]uint64
}

// NewRelay returns an empty Relay.
func NewRelay() *Relay {
	return &Relay{seq: make(map[types.SubjectID]map[string]uint64)}
}

// Next returns the next sequence number for (sender, channel), starting at 1.
// The transport layer attaches this to the outgoing envelope so receivers
// can detect gaps or reordering introduced downstream.
func (r *Relay) Next(sender types.SubjectID, channel string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.seq[sender]
	if !ok {
		channels = make(map[string]uint64)
		r.seq[sender] = channels
	}
	channels[channel]++
	return channels[channel]
}

// Relayable lists the event names that are forwarded to session peers
// verbatim rather than interpreted by the session manager (spec §4.G).
var Relayable = map[string]bool{
	types.EventPeerSDP:      true,
	types.EventPeerICE:      true,
	types.EventPlayerAction: true,
	types.EventEpisodeEnd:   true,
	types.EventStateHash:    true,
	types.EventFocusState:   true,
}

// IsRelayable reports whether event should be forwarded verbatim to the rest
// of the session rather than consumed by a handler.
func IsRelayable(event string) bool {
	return Relayable[event]
}
