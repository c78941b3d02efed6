// Package transport implements the Transport Hub (component A): WebSocket
// upgrade, per-scene connection grouping, two-layer liveness, and the
// bounded send queue with backpressure. It knows nothing about matchmaking,
// sessions, or probes; inbound envelopes are handed to a Dispatcher the
// caller supplies, the same separation the teacher draws between
// Client/Room transport plumbing and Room's message router.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labcoord/coordinator/internal/v1/metrics"
	"github.com/labcoord/coordinator/internal/v1/types"
)

// wsConnection is the subset of *websocket.Conn the Client needs, factored
// out for testability.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Dispatcher receives decoded envelopes from a Client's readPump. The
// session/matchmaker/registry wiring lives behind this interface so
// transport stays free of domain logic.
type Dispatcher interface {
	Dispatch(ctx context.Context, client *Client, envelope types.Envelope)
	HandleDisconnect(ctx context.Context, client *Client)
}

const (
	writeWait      = 10 * time.Second
	sendQueueSize  = 256
	maxMessageSize = 64 * 1024
)

// criticalEvents never get dropped under backpressure; if one can't be
// enqueued the connection is closed instead (spec §5: "close connection if
// critical message can't enqueue").
var criticalEvents = map[string]bool{
	types.EventSessionEnded: true,
	types.EventGameStart:    true,
	types.EventError:        true,
}

// Client represents one physical WebSocket connection. A Participant may
// cycle through several Clients over its lifetime via reconnects.
type Client struct {
	conn       wsConnection
	send       chan []byte
	dispatcher Dispatcher

	SubjectID    types.SubjectID
	ConnectionID types.ConnectionID
	SceneID      types.SceneID

	pingInterval time.Duration
	pingTimeout  time.Duration

	rttMu   sync.Mutex
	ewmaMs  float64
	haveRTT bool

	sendMu     sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
}

// NewClient wraps conn for subjectID/connID in sceneID, dispatching inbound
// envelopes to dispatcher.
func NewClient(conn wsConnection, dispatcher Dispatcher, subjectID types.SubjectID, connID types.ConnectionID, sceneID types.SceneID, pingInterval, pingTimeout time.Duration) *Client {
	return &Client{
		conn:         conn,
		send:         make(chan []byte, sendQueueSize),
		dispatcher:   dispatcher,
		SubjectID:    subjectID,
		ConnectionID: connID,
		SceneID:      sceneID,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
	}
}

// Emit enqueues an envelope for delivery, applying the backpressure policy
// of spec §5: a non-critical message dropped when the queue is full is
// simply lost; a critical message that can't enqueue closes the connection
// instead of blocking the caller. sendMu serializes against Close so a late
// Emit can never send on the closed channel.
func (c *Client) Emit(envelope types.Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("failed to marshal outbound envelope", "event", envelope.Event, "error", err)
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		metrics.TransportEvents.WithLabelValues(envelope.Event, "dropped_closed").Inc()
		return
	}

	select {
	case c.send <- data:
		metrics.TransportEvents.WithLabelValues(envelope.Event, "sent").Inc()
		return
	default:
	}

	if criticalEvents[envelope.Event] {
		metrics.TransportEvents.WithLabelValues(envelope.Event, "dropped_critical").Inc()
		slog.Warn("critical message could not be enqueued, closing connection",
			"subject_id", c.SubjectID, "event", envelope.Event)
		c.closeLocked()
		return
	}

	// drop-oldest-non-critical: make room by discarding the head of the
	// queue, then retry once.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
		metrics.TransportEvents.WithLabelValues(envelope.Event, "sent_after_drop").Inc()
	default:
		metrics.TransportEvents.WithLabelValues(envelope.Event, "dropped").Inc()
	}
}

// Close shuts down the client's send channel exactly once, letting
// writePump drain and exit.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.closeLocked()
}

// closeLocked is Close for callers already holding sendMu.
func (c *Client) closeLocked() {
	c.closeOnce.Do(func() {
		c.sendClosed = true
		close(c.send)
	})
}

// RecordRTTSample folds a new application-level RTT sample into an EWMA
// with alpha ~= 0.2, per spec §4.A.
func (c *Client) RecordRTTSample(sampleMs int) int {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()

	const alpha = 0.2
	if !c.haveRTT {
		c.ewmaMs = float64(sampleMs)
		c.haveRTT = true
	} else {
		c.ewmaMs = alpha*float64(sampleMs) + (1-alpha)*c.ewmaMs
	}
	return int(c.ewmaMs)
}

// readPump decodes inbound JSON envelopes and hands them to the dispatcher.
// Transport-level PING/PONG is handled by gorilla/websocket's pong handler,
// set up by the caller before readPump starts.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.dispatcher.HandleDisconnect(ctx, c)
		c.conn.Close()
		c.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pingTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pingTimeout))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope types.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			slog.Warn("failed to unmarshal envelope", "subject_id", c.SubjectID, "error", err)
			continue
		}

		metrics.TransportEvents.WithLabelValues(envelope.Event, "received").Inc()
		c.dispatcher.Dispatch(ctx, c, envelope)
	}
}

// writePump drains the send channel to the wire and issues transport-level
// pings on pingInterval (spec §4.A two-layer liveness: this is the
// transport layer; application-level `ping`/RTT is handled by Dispatch).
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start launches the client's read and write goroutines.
func (c *Client) Start(ctx context.Context) {
	metrics.IncConnection()
	go c.writePump()
	go c.readPump(ctx)
}
