// Package ratelimit throttles connection attempts on the transport hub.
// The coordinator has no REST surface beyond health/metrics/admin-read, so
// unlike the teacher's per-endpoint API limiters, the only thing worth
// bounding here is how fast a single IP or SubjectID can open WebSocket
// connections (spec.md §4.A: "throttles register/reconnect attempts per IP
// and per SubjectID").
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labcoord/coordinator/internal/v1/config"
	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter bounds WebSocket connection attempts.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter backed by Redis when redisClient is
// non-nil, falling back to an in-process memory store otherwise (e.g. a
// single-instance deployment with REDIS_ENABLED=false).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckWebSocket enforces the per-IP connection rate before the upgrade
// handshake is attempted. Returns true if the connection should proceed.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (ip)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", ipContext.Reset))
		c.AbortWithStatus(http.StatusTooManyRequests)
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser enforces the per-SubjectID register/reconnect rate.
// Call after a reconnect token (or freshly minted SubjectID) is known, since
// the IP check alone can't distinguish one SubjectID hammering reconnects
// behind a shared NAT from many distinct participants.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, subjectID string) error {
	userContext, err := rl.wsUser.Get(ctx, subjectID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (subject)", zap.Error(err))
		return nil
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "subject").Inc()
		return fmt.Errorf("rate limit exceeded for subject %s", subjectID)
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_register").Inc()
	return nil
}
