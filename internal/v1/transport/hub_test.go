package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/types"
)

func newTestHub(allowed []string) *Hub {
	return NewHub(nil, registry.New(), nil, &fakeDispatcher{}, allowed, time.Second, time.Second)
}

func TestCheckOrigin_NoOriginHeaderAllowed(t *testing.T) {
	h := newTestHub([]string{"https://example.com"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, h.checkOrigin(req))
}

func TestCheckOrigin_AllowedOriginMatches(t *testing.T) {
	h := newTestHub([]string{"https://example.com"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	assert.True(t, h.checkOrigin(req))
}

func TestCheckOrigin_DisallowedOriginRejected(t *testing.T) {
	h := newTestHub([]string{"https://example.com"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))
}

func TestCheckOrigin_EmptyAllowListRejectsNamedOrigin(t *testing.T) {
	h := newTestHub(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	assert.False(t, h.checkOrigin(req))
}

func TestEmitToScene_OnlyReachesScene(t *testing.T) {
	h := newTestHub(nil)
	connA := &fakeConn{}
	connB := &fakeConn{}

	clientA := NewClient(connA, &fakeDispatcher{}, "a", "conn-a", "scene-1", time.Second, time.Second)
	clientB := NewClient(connB, &fakeDispatcher{}, "b", "conn-b", "scene-2", time.Second, time.Second)

	h.addClient("scene-1", clientA)
	h.addClient("scene-2", clientB)

	assert.Equal(t, 1, h.ConnectionCount("scene-1"))
	assert.Equal(t, 1, h.ConnectionCount("scene-2"))

	h.RemoveClient(clientA)
	assert.Equal(t, 0, h.ConnectionCount("scene-1"))
}

func TestMoveClient_RehomesConnection(t *testing.T) {
	h := newTestHub(nil)
	client := NewClient(&fakeConn{}, &fakeDispatcher{}, "a", "conn-a", "scene-1", time.Second, time.Second)
	h.addClient("scene-1", client)

	h.MoveClient(client, "scene-2")

	assert.Equal(t, 0, h.ConnectionCount("scene-1"))
	assert.Equal(t, 1, h.ConnectionCount("scene-2"))
	assert.Equal(t, types.SceneID("scene-2"), client.SceneID)
}
