package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcoord/coordinator/internal/v1/types"
)

func TestCoordinator_HappyPath(t *testing.T) {
	c := New(time.Second)
	p := c.Start("probe-1", "a", "b")
	assert.Equal(t, PhaseOffering, p.Phase)

	c.Advance("probe-1", PhaseAnswering)
	c.Advance("probe-1", PhaseICE)
	c.Advance("probe-1", PhaseMeasuring)
	c.ReportRTT("probe-1", 42)

	got, ok := c.Get("probe-1")
	require.True(t, ok)
	assert.Equal(t, PhaseDone, got.Phase)
	assert.Equal(t, 42, got.RTTMs)
}

func TestCoordinator_Fail(t *testing.T) {
	c := New(time.Second)
	c.Start("probe-1", "a", "b")
	c.Fail("probe-1")

	got, ok := c.Get("probe-1")
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, got.Phase)
}

func TestCoordinator_SweepExpired(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Start("probe-1", "a", "b")

	time.Sleep(20 * time.Millisecond)

	expired := c.SweepExpired(context.Background(), time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, types.ProbeID("probe-1"), expired[0])

	got, _ := c.Get("probe-1")
	assert.Equal(t, PhaseFailed, got.Phase)
}

func TestCoordinator_SweepExpired_SkipsDone(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Start("probe-1", "a", "b")
	c.ReportRTT("probe-1", 10)

	time.Sleep(20 * time.Millisecond)

	expired := c.SweepExpired(context.Background(), time.Now())
	assert.Empty(t, expired)
}

func TestCoordinator_Clear(t *testing.T) {
	c := New(time.Second)
	c.Start("probe-1", "a", "b")
	c.Clear("probe-1")

	_, ok := c.Get("probe-1")
	assert.False(t, ok)
}

func TestEvaluate_AllDoneSucceeds(t *testing.T) {
	pairs := []PairProbe{
		{ProbeID: "p1", Phase: PhaseDone, RTTMs: 10},
		{ProbeID: "p2", Phase: PhaseDone, RTTMs: 20},
	}
	outcome := Evaluate(context.Background(), pairs, 0)
	assert.True(t, outcome.Succeeded)
	assert.Nil(t, outcome.FailedPair)
}

func TestEvaluate_OverThresholdFailsGroup(t *testing.T) {
	pairs := []PairProbe{
		{ProbeID: "p1", Phase: PhaseDone, RTTMs: 40},
		{ProbeID: "p2", Phase: PhaseDone, RTTMs: 120},
	}
	outcome := Evaluate(context.Background(), pairs, 50)
	assert.False(t, outcome.Succeeded)
	require.NotNil(t, outcome.FailedPair)
	assert.Equal(t, types.ProbeID("p2"), outcome.FailedPair.ProbeID)
}

func TestConnected_BothPeersAdvanceToMeasuring(t *testing.T) {
	c := New(time.Second)
	c.Start("probe-1", "a", "b")

	assert.False(t, c.Connected("probe-1", "a"))
	assert.False(t, c.Connected("probe-1", "stranger"))
	assert.True(t, c.Connected("probe-1", "b"))

	got, _ := c.Get("probe-1")
	assert.Equal(t, PhaseMeasuring, got.Phase)
}

func TestPeerOfAndRoleOf(t *testing.T) {
	c := New(time.Second)
	c.Start("probe-1", "a", "b")

	peer, ok := c.PeerOf("probe-1", "a")
	require.True(t, ok)
	assert.Equal(t, types.SubjectID("b"), peer)

	role, ok := c.RoleOf("probe-1", "b")
	require.True(t, ok)
	assert.Equal(t, RoleAnswerer, role)

	_, ok = c.PeerOf("probe-1", "stranger")
	assert.False(t, ok)
	_, ok = c.PeerOf("unknown", "a")
	assert.False(t, ok)
}

func TestEvaluate_AnyFailureFailsWholeGroup(t *testing.T) {
	pairs := []PairProbe{
		{ProbeID: "p1", Phase: PhaseDone},
		{ProbeID: "p2", Phase: PhaseFailed},
		{ProbeID: "p3", Phase: PhaseDone},
	}
	outcome := Evaluate(context.Background(), pairs, 0)
	assert.False(t, outcome.Succeeded)
	require.NotNil(t, outcome.FailedPair)
	assert.Equal(t, types.ProbeID("p2"), outcome.FailedPair.ProbeID)
}

func TestNew_DefaultTimeout(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestGate_AdmitsWhileClosed(t *testing.T) {
	c := New(time.Second)

	release, err := c.Gate()
	require.NoError(t, err)
	require.NotNil(t, release)
	release(true)
}

func TestGate_RejectsAfterConsecutiveFailures(t *testing.T) {
	c := New(time.Second)

	// a streak of failing groups (e.g. a TURN outage) trips the breaker
	for i := 0; i < 6; i++ {
		release, err := c.Gate()
		require.NoError(t, err)
		release(false)
	}

	_, err := c.Gate()
	assert.ErrorIs(t, err, ErrRejected)
}

func TestGate_SuccessResetsFailureStreak(t *testing.T) {
	c := New(time.Second)

	for i := 0; i < 5; i++ {
		release, err := c.Gate()
		require.NoError(t, err)
		release(false)
	}
	release, err := c.Gate()
	require.NoError(t, err)
	release(true)

	// the streak was broken, so the next attempt is still admitted
	release, err = c.Gate()
	require.NoError(t, err)
	release(true)
}
