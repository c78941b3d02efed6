package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/types"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []types.Envelope
}

func (f *fakeNotifier) EmitToSession(_ *types.Session, e types.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeNotifier) EmitToSubject(_ types.SubjectID, e types.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func newTestManager() (*Manager, *registry.Registry, *fakeNotifier) {
	reg := registry.New()
	notifier := &fakeNotifier{}
	mgr := NewManager(reg, notifier, time.Minute, time.Minute)
	return mgr, reg, notifier
}

func registerAndQueue(ctx context.Context, reg *registry.Registry, conn string) types.SubjectID {
	id, _ := reg.RegisterOrRecover(ctx, types.ConnectionID(conn), "", nil)
	_ = reg.Transition(ctx, id, types.ParticipantInWaitroom)
	return id
}

func TestFormSession_KeepsParticipantsInWaitroom(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()

	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")

	sess, err := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, err)
	assert.Equal(t, types.SessionMatched, sess.State)

	// matched participants stay IN_WAITROOM until the probe gate passes,
	// but already carry the group stamp
	pa, _ := reg.Get(a)
	assert.Equal(t, types.ParticipantInWaitroom, pa.State)
	assert.Equal(t, types.GroupID(sess.SessionID), pa.GroupID)

	// group history is only written once the session actually ends
	assert.Nil(t, reg.GroupHistory(a))
}

func TestFormSession_RejectsNonWaitingParticipant(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()

	a, _ := reg.RegisterOrRecover(ctx, "conn-a", "", nil)
	b := registerAndQueue(ctx, reg, "conn-b")

	_, err := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	assert.Error(t, err)
}

func TestStartPlaying_TransitionsAndEmitsGameStart(t *testing.T) {
	ctx := context.Background()
	mgr, reg, notifier := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})

	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))

	got, _ := mgr.Get(sess.SessionID)
	assert.Equal(t, types.SessionPlaying, got.State)

	pa, _ := reg.Get(a)
	assert.Equal(t, types.ParticipantInGame, pa.State)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, types.EventGameStart, notifier.events[0].Event)
}

func TestFailProbe_ReturnsParticipantsStillWaiting(t *testing.T) {
	ctx := context.Background()
	mgr, reg, notifier := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.BeginValidating(sess.SessionID))

	returned := mgr.FailProbe(ctx, sess.SessionID)
	assert.ElementsMatch(t, []types.SubjectID{a, b}, returned)

	got, _ := mgr.Get(sess.SessionID)
	assert.Equal(t, types.SessionEnded, got.State)
	assert.Equal(t, types.ReasonProbeFailed, got.TerminationReason)

	// P7: no participant ever reached IN_GAME; both observable IN_WAITROOM
	pa, _ := reg.Get(a)
	pb, _ := reg.Get(b)
	assert.Equal(t, types.ParticipantInWaitroom, pa.State)
	assert.Equal(t, types.ParticipantInWaitroom, pb.State)

	// no session_ended broadcast on the probe-failure path
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.events)

	// a second call observes the already-ended session
	assert.Nil(t, mgr.FailProbe(ctx, sess.SessionID))
}

func TestEndSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	mgr, reg, notifier := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))
	notifier.events = nil

	mgr.EndSession(ctx, sess.SessionID, types.ReasonNormal)
	mgr.EndSession(ctx, sess.SessionID, types.ReasonNormal)
	mgr.EndSession(ctx, sess.SessionID, types.ReasonNormal)

	got, _ := mgr.Get(sess.SessionID)
	assert.Equal(t, types.SessionEnded, got.State)

	require.Len(t, notifier.events, 1, "session_ended must only be emitted once")

	pa, _ := reg.Get(a)
	assert.Equal(t, types.ParticipantGameEnded, pa.State)

	// group history is recorded at session end
	hist := reg.GroupHistory(a)
	require.NotNil(t, hist)
	assert.True(t, hist.PreviousPartners.Has(b))
}

func TestEndSession_ConcurrentCallsOnlyTerminateOnce(t *testing.T) {
	ctx := context.Background()
	mgr, reg, notifier := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))
	notifier.events = nil

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.EndSession(ctx, sess.SessionID, types.ReasonNormal)
		}()
	}
	wg.Wait()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Len(t, notifier.events, 1)
}

func TestMidGameExclusion_ValidatesMembership(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))

	err := mgr.MidGameExclusion(ctx, sess.SessionID, "not-a-member", types.ReasonCustomExclusion)
	assert.Error(t, err)

	got, _ := mgr.Get(sess.SessionID)
	assert.Equal(t, types.SessionPlaying, got.State)
}

func TestMidGameExclusion_RequiresPlayingState(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})

	err := mgr.MidGameExclusion(ctx, sess.SessionID, a, types.ReasonCustomExclusion)
	assert.Error(t, err)
}

func TestMidGameExclusion_EndsSession(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))

	require.NoError(t, mgr.MidGameExclusion(ctx, sess.SessionID, a, types.ReasonCustomExclusion))

	got, _ := mgr.Get(sess.SessionID)
	assert.Equal(t, types.SessionEnded, got.State)
	assert.Equal(t, types.ReasonCustomExclusion, got.TerminationReason)
}

func TestSweepRetention_EvictsDisconnectedNonIdleParticipants(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))

	// a drops mid-game; partner_disconnected teardown leaves them
	// disconnected in GAME_ENDED
	require.NoError(t, reg.MarkDisconnected(a))
	mgr.EndSession(ctx, sess.SessionID, types.ReasonPartnerDisconnected)

	pa, _ := reg.Get(a)
	require.Equal(t, types.ParticipantGameEnded, pa.State)
	require.False(t, pa.IsConnected)

	mgr.SweepRetention(ctx, time.Now().Add(2*time.Minute))

	_, ok := reg.Get(a)
	assert.False(t, ok, "disconnected participant must be hard-evicted past retention")
	assert.Nil(t, reg.GroupHistory(a), "hard eviction includes group history")

	// b is still connected and survives
	_, ok = reg.Get(b)
	assert.True(t, ok)
}

func TestSweepRetention_EndsSessionWhoseParticipantsAreAllEvicted(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	require.NoError(t, mgr.StartPlaying(ctx, sess.SessionID))

	require.NoError(t, reg.MarkDisconnected(a))
	require.NoError(t, reg.MarkDisconnected(b))

	mgr.SweepRetention(ctx, time.Now().Add(2*time.Minute))

	got, ok := mgr.Get(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, types.SessionEnded, got.State)
	assert.Equal(t, types.ReasonPartnerDisconnected, got.TerminationReason)
}

func TestSweepRetention_EvictsEndedSessions(t *testing.T) {
	ctx := context.Background()
	mgr, reg, _ := newTestManager()
	a := registerAndQueue(ctx, reg, "conn-a")
	b := registerAndQueue(ctx, reg, "conn-b")
	sess, _ := mgr.FormSession(ctx, "scene-1", []types.SubjectID{a, b})
	mgr.EndSession(ctx, sess.SessionID, types.ReasonNormal)

	mgr.SweepRetention(ctx, time.Now().Add(2*time.Minute))

	_, ok := mgr.Get(sess.SessionID)
	assert.False(t, ok)
}

func TestRelay_SequenceIsPerSenderPerChannel(t *testing.T) {
	r := NewRelay()

	assert.Equal(t, uint64(1), r.Next("a", "player_action"))
	assert.Equal(t, uint64(2), r.Next("a", "player_action"))
	assert.Equal(t, uint64(1), r.Next("a", "peer_sdp"))
	assert.Equal(t, uint64(1), r.Next("b", "player_action"))
}

func TestIsRelayable(t *testing.T) {
	assert.True(t, IsRelayable(types.EventPeerSDP))
	assert.True(t, IsRelayable(types.EventPlayerAction))
	assert.False(t, IsRelayable(types.EventMidGameExclusion))
}
