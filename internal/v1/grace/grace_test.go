package grace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/labcoord/coordinator/internal/v1/types"
)

func TestIsInLoadingGrace(t *testing.T) {
	tbl := New(50 * time.Millisecond)
	now := time.Now()

	assert.False(t, tbl.IsInLoadingGrace("a", now))

	tbl.Start("a", now)
	assert.True(t, tbl.IsInLoadingGrace("a", now.Add(10*time.Millisecond)))
	assert.False(t, tbl.IsInLoadingGrace("a", now.Add(60*time.Millisecond)))
}

func TestComplete(t *testing.T) {
	tbl := New(time.Second)
	now := time.Now()
	tbl.Start("a", now)
	tbl.Complete("a")

	assert.False(t, tbl.IsInLoadingGrace("a", now))
	assert.Equal(t, 0, tbl.Len())
}

func TestSweepExpired(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	now := time.Now()
	tbl.Start("a", now)
	tbl.Start("b", now)

	expired := tbl.SweepExpired(now.Add(20 * time.Millisecond))
	assert.ElementsMatch(t, []types.SubjectID{"a", "b"}, expired)
	assert.Equal(t, 0, tbl.Len())
}

func TestSweepExpired_KeepsFresh(t *testing.T) {
	tbl := New(time.Minute)
	now := time.Now()
	tbl.Start("a", now)

	expired := tbl.SweepExpired(now.Add(time.Second))
	assert.Empty(t, expired)
	assert.Equal(t, 1, tbl.Len())
}

func TestNew_DefaultTimeout(t *testing.T) {
	tbl := New(0)
	assert.Equal(t, DefaultTimeout, tbl.timeout)
}
