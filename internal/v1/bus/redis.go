// Package bus carries matchmaker and session events between coordinator
// instances when the deployment is horizontally scaled (spec.md §5: a scene's
// waitroom and active sessions are pinned to one instance, but admin reads and
// cross-instance audit visibility still need a shared channel).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// PubSubPayload is the standardized container for moving coordinator events
// between instances.
type PubSubPayload struct {
	SceneID  string          `json:"sceneId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"` // SubjectID of the originating participant, used to suppress echo
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis pub/sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every other instance watching sceneID's
// waitroom/session traffic.
func (s *Service) Publish(ctx context.Context, sceneID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			SceneID:  sceneID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		channel := fmt.Sprintf("coordinator:scene:%s", sceneID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping publish", "sceneID", sceneID)
			return nil // graceful degradation: drop message, don't crash caller
		}
		slog.Error("redis publish failed", "sceneID", sceneID, "error", err)
		return err
	}

	return nil
}

// PublishDirect sends a message directly to a specific subject via Redis,
// used to relay admin notifications or audit acks to whichever instance
// currently owns that SubjectID's connection.
func (s *Service) PublishDirect(ctx context.Context, targetSubjectID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload for direct message: %w", err)
		}

		msg := PubSubPayload{
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal direct message envelope: %w", err)
		}

		channel := fmt.Sprintf("coordinator:subject:%s", targetSubjectID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping direct message", "targetSubjectID", targetSubjectID)
			return nil
		}
		slog.Error("redis publish direct failed", "targetSubjectID", targetSubjectID, "senderID", senderID, "event", event, "error", err)
		return err
	}

	slog.Debug("published direct message via redis", "targetSubjectID", targetSubjectID, "senderID", senderID, "event", event)
	return nil
}

// Subscribe starts a background goroutine listening for events published by
// other instances for sceneID.
func (s *Service) Subscribe(ctx context.Context, sceneID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := fmt.Sprintf("coordinator:scene:%s", sceneID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal redis message", "error", err, "raw", msg.Payload)
					continue
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity, used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set, used for distributed group-history
// bookkeeping (previous-partner sets keyed by GroupID).
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		slog.Error("redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
