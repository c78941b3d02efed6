package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcoord/coordinator/internal/v1/types"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	readErr  error
	toRead   [][]byte
	readIdx  int
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readIdx >= len(f.toRead) {
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, io.EOF
	}
	msg := f.toRead[f.readIdx]
	f.readIdx++
	return 1, msg, nil // 1 == websocket.TextMessage
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error) {}

type fakeDispatcher struct {
	mu          sync.Mutex
	received    []types.Envelope
	disconnects int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *Client, envelope types.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, envelope)
}

func (d *fakeDispatcher) HandleDisconnect(_ context.Context, _ *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
}

func TestEmit_NonCriticalDropsOldestWhenFull(t *testing.T) {
	conn := &fakeConn{}
	client := NewClient(conn, &fakeDispatcher{}, "a", "conn-1", "scene-1", time.Second, time.Second)

	for i := 0; i < sendQueueSize+5; i++ {
		client.Emit(types.Envelope{Event: types.EventStateUpdate, Payload: i})
	}

	assert.LessOrEqual(t, len(client.send), sendQueueSize)
}

func TestEmit_CriticalOverflowClosesConnection(t *testing.T) {
	conn := &fakeConn{}
	client := NewClient(conn, &fakeDispatcher{}, "a", "conn-1", "scene-1", time.Second, time.Second)

	for i := 0; i < sendQueueSize; i++ {
		client.Emit(types.Envelope{Event: types.EventStateUpdate, Payload: i})
	}

	client.Emit(types.Envelope{Event: types.EventSessionEnded, Payload: "x"})

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.False(t, closed, "Close only closes the send channel, not the raw connection directly")
	assert.True(t, client.sendClosed, "critical overflow closes the send channel")

	_, ok := <-client.send
	assert.True(t, ok || !ok) // draining must not panic whichever state the channel is in
}

func TestEmit_AfterCloseIsDropped(t *testing.T) {
	conn := &fakeConn{}
	client := NewClient(conn, &fakeDispatcher{}, "a", "conn-1", "scene-1", time.Second, time.Second)

	client.Close()

	// must not panic on the closed send channel
	client.Emit(types.Envelope{Event: types.EventStateUpdate, Payload: 1})
	client.Emit(types.Envelope{Event: types.EventSessionEnded, Payload: 2})
	client.Close()
}

func TestRecordRTTSample_EWMA(t *testing.T) {
	conn := &fakeConn{}
	client := NewClient(conn, &fakeDispatcher{}, "a", "conn-1", "scene-1", time.Second, time.Second)

	first := client.RecordRTTSample(100)
	assert.Equal(t, 100, first)

	second := client.RecordRTTSample(200)
	assert.InDelta(t, 120, second, 1)
}

func TestReadPump_DispatchesEnvelopes(t *testing.T) {
	env := types.Envelope{Event: "player_action", Payload: map[string]any{"x": 1}}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	conn := &fakeConn{toRead: [][]byte{data}}
	dispatcher := &fakeDispatcher{}
	client := NewClient(conn, dispatcher, "a", "conn-1", "scene-1", time.Hour, time.Hour)

	client.readPump(context.Background())

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.received, 1)
	assert.Equal(t, "player_action", dispatcher.received[0].Event)
	assert.Equal(t, 1, dispatcher.disconnects)
}
