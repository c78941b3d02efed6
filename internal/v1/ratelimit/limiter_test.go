package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labcoord/coordinator/internal/v1/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{
		RateLimitWsIp:   "5-M",
		RateLimitWsUser: "5-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIp:   "5-M",
		RateLimitWsUser: "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
	assert.Nil(t, rl.redisClient)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIp:   "not-a-rate",
		RateLimitWsUser: "5-M",
	}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	for i := 0; i < 5; i++ {
		allowed := rl.CheckWebSocket(ctx)
		assert.True(t, allowed)
	}

	allowed := rl.CheckWebSocket(ctx)
	assert.False(t, allowed)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := rl.CheckWebSocketUser(ctx, "subject-1")
		assert.NoError(t, err)
	}

	err := rl.CheckWebSocketUser(ctx, "subject-1")
	assert.Error(t, err)
}

func TestCheckWebSocketUser_DistinctSubjectsIndependent(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.CheckWebSocketUser(ctx, "subject-a"))
	}
	// subject-b has its own bucket, unaffected by subject-a's exhaustion.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "subject-b"))
}

func TestRedisFailure_FailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	allowed := rl.CheckWebSocket(ctx)
	assert.True(t, allowed)
}
