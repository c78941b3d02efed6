// Package scenes is the coordinator's client for the out-of-scope scene
// content service, which owns scene authoring, group_size and matchmaker
// configuration. The gRPC SFU client pattern from the transport side of the
// stack is adapted here for an HTTP/JSON collaborator instead: same
// circuit-breaker-wrapped-call shape, different transport.
package scenes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// MatchmakerConfig is the per-scene matchmaker selection fetched alongside
// scene metadata (spec §3/§4.D).
type MatchmakerConfig struct {
	MaxServerRTTSumMs int  `json:"max_server_rtt_sum_ms"`
	MaxP2PRTTMs       int  `json:"max_p2p_rtt_ms"`
	FallbackToFIFO    bool `json:"fallback_to_fifo"`
}

// Metadata is the scene content service's description of one scene.
// MessageMap carries the researcher-authored participant-facing string per
// termination reason; the coordinator never synthesizes these itself.
type Metadata struct {
	SceneID          types.SceneID     `json:"scene_id"`
	GroupSize        int               `json:"group_size"`
	MatchmakerName   string            `json:"matchmaker_name"`
	MatchmakerConfig MatchmakerConfig  `json:"matchmaker_config"`
	MessageMap       map[string]string `json:"message_map,omitempty"`
}

type cacheEntry struct {
	meta      Metadata
	expiresAt time.Time
}

// Client fetches and caches SceneMetadata from the scene content service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[types.SceneID]cacheEntry
	ttl   time.Duration
}

// NewClient builds a Client against baseURL (the scene content service's
// HTTP address), caching each scene's metadata for ttl.
func NewClient(baseURL string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "scene-service",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues("scene-service").Set(stateVal)
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cb:         gobreaker.NewCircuitBreaker(st),
		cache:      make(map[types.SceneID]cacheEntry),
		ttl:        ttl,
	}
}

// GetSceneMetadata returns sceneID's metadata, serving from cache when
// fresh and otherwise issuing an HTTP GET against the scene content
// service, wrapped in the circuit breaker (spec §6).
func (c *Client) GetSceneMetadata(ctx context.Context, sceneID types.SceneID) (Metadata, error) {
	c.mu.Lock()
	if entry, ok := c.cache[sceneID]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.meta, nil
	}
	c.mu.Unlock()

	result, err := c.cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/scenes/%s", c.baseURL, sceneID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Metadata{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Metadata{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return Metadata{}, fmt.Errorf("scene service returned status %d for scene %s", resp.StatusCode, sceneID)
		}

		var meta Metadata
		if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
			return Metadata{}, fmt.Errorf("decode scene metadata: %w", err)
		}
		return meta, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("scene-service").Inc()
		}
		return Metadata{}, err
	}

	meta := result.(Metadata)
	c.mu.Lock()
	c.cache[sceneID] = cacheEntry{meta: meta, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return meta, nil
}

// MessageFor resolves the participant-facing message for a termination
// reason from the scene's cached message map. Only the cache is consulted:
// this runs on the session-teardown path and must not block on the network.
func (c *Client) MessageFor(sceneID types.SceneID, reason types.TerminationReason) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[sceneID]
	if !ok {
		return ""
	}
	return entry.meta.MessageMap[string(reason)]
}

// InvalidateCache drops any cached metadata for sceneID, used when an admin
// signals a scene was re-authored.
func (c *Client) InvalidateCache(sceneID types.SceneID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, sceneID)
}
