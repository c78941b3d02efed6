package transport

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labcoord/coordinator/internal/v1/auth"
	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/ratelimit"
	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// Hub owns the live Client set, keyed by scene, and performs the WebSocket
// upgrade and origin check. It has no notion of waitrooms or sessions; it
// is the transport the rest of the coordinator is built on.
type Hub struct {
	mu     sync.RWMutex
	scenes map[types.SceneID]map[types.ConnectionID]*Client

	validator  *auth.Validator
	registry   *registry.Registry
	limiter    *ratelimit.RateLimiter
	dispatcher Dispatcher

	allowedOrigins []string

	pingInterval time.Duration
	pingTimeout  time.Duration
}

// NewHub builds a Hub with its dependencies. With allowedOrigins empty, only
// requests that carry no Origin header are accepted.
func NewHub(validator *auth.Validator, reg *registry.Registry, limiter *ratelimit.RateLimiter, dispatcher Dispatcher, allowedOrigins []string, pingInterval, pingTimeout time.Duration) *Hub {
	return &Hub{
		scenes:         make(map[types.SceneID]map[types.ConnectionID]*Client),
		validator:      validator,
		registry:       reg,
		limiter:        limiter,
		dispatcher:     dispatcher,
		allowedOrigins: allowedOrigins,
		pingInterval:   pingInterval,
		pingTimeout:    pingTimeout,
	}
}

// SetDispatcher installs the dispatcher after construction. The hub and the
// dispatcher reference each other (the hub hands it inbound envelopes, the
// dispatcher emits through the hub), so one side is wired late.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return false
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWs upgrades the connection, rate-limits the attempt, registers or
// recovers the participant, and starts the client's pumps (spec §4.A).
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // limiter already wrote the response
	}

	sceneID := types.SceneID(c.Param("sceneId"))
	token := c.Query("token")

	var resolve func(string) (types.SubjectID, bool)
	if h.validator != nil {
		resolve = func(t string) (types.SubjectID, bool) {
			claims, err := h.validator.ValidateToken(t)
			if err != nil {
				return "", false
			}
			return types.SubjectID(claims.Subject), true
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	connID := types.ConnectionID(c.Query("conn_id"))
	if connID == "" {
		connID = types.ConnectionID(c.ClientIP() + ":" + time.Now().Format(time.RFC3339Nano))
	}

	subjectID, recovered := h.registry.RegisterOrRecover(ctx, connID, token, resolve)

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(ctx, string(subjectID)); err != nil {
			conn.Close()
			return
		}
	}

	_ = h.registry.BindConnection(subjectID, connID)

	client := NewClient(conn, h.dispatcher, subjectID, connID, sceneID, h.pingInterval, h.pingTimeout)
	h.addClient(sceneID, client)

	var issuedToken string
	if h.validator != nil {
		issuedToken, _ = h.validator.IssueToken(string(subjectID))
	}

	logging.Info(ctx, "participant connected",
		zap.String("subject_id", string(subjectID)),
		zap.String("scene_id", string(sceneID)),
		zap.Bool("recovered", recovered))

	client.Start(ctx)
	client.Emit(types.Envelope{Event: types.EventRegistered, Payload: map[string]any{
		"subject_id": subjectID,
		"token":      issuedToken,
		"recovered":  recovered,
	}})
}

func (h *Hub) addClient(sceneID types.SceneID, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.scenes[sceneID]
	if !ok {
		clients = make(map[types.ConnectionID]*Client)
		h.scenes[sceneID] = clients
	}
	clients[client.ConnectionID] = client
}

// RemoveClient drops a client from its scene's registry, called by the
// dispatcher's disconnect handler once teardown has run.
func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.scenes[client.SceneID]; ok {
		delete(clients, client.ConnectionID)
		if len(clients) == 0 {
			delete(h.scenes, client.SceneID)
		}
	}
}

// MoveClient re-homes a live connection under a new scene, used when a
// participant advances to the next experiment scene without reconnecting.
func (h *Hub) MoveClient(client *Client, to types.SceneID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.scenes[client.SceneID]; ok {
		delete(clients, client.ConnectionID)
		if len(clients) == 0 {
			delete(h.scenes, client.SceneID)
		}
	}

	client.SceneID = to
	clients, ok := h.scenes[to]
	if !ok {
		clients = make(map[types.ConnectionID]*Client)
		h.scenes[to] = clients
	}
	clients[client.ConnectionID] = client
}

// EmitToScene broadcasts an envelope to every connection currently
// registered under sceneID.
func (h *Hub) EmitToScene(sceneID types.SceneID, envelope types.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.scenes[sceneID] {
		client.Emit(envelope)
	}
}

// EmitToSession implements admin.Notifier-compatible broadcasting: it fans
// out to every participant in the session by looking up their current scene
// connection. Sessions are scene-scoped (a group plays one scene together),
// so this is a filtered scene broadcast.
func (h *Hub) EmitToSession(session *types.Session, envelope types.Envelope) {
	wanted := make(map[types.SubjectID]bool, len(session.Participants))
	for _, id := range session.Participants {
		wanted[id] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.scenes[session.SceneID] {
		if wanted[client.SubjectID] {
			client.Emit(envelope)
		}
	}
}

// EmitToSubject sends an envelope to whichever connection currently belongs
// to subjectID, wherever its scene-group lookup lands it.
func (h *Hub) EmitToSubject(subjectID types.SubjectID, envelope types.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.scenes {
		for _, client := range clients {
			if client.SubjectID == subjectID {
				client.Emit(envelope)
				return
			}
		}
	}
}

// ConnectionCount reports the number of live connections in sceneID, used
// by metrics.WaitroomSize and admin summaries.
func (h *Hub) ConnectionCount(sceneID types.SceneID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scenes[sceneID])
}
