// Package transport owns the WebSocket edge: session lifecycle, inbound
// message dispatch, signaling relay, and outbound fan-out. It translates
// between the wire (JSON or binary frames) and the room layer's events,
// and never holds a room lock across a socket write.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/types"
)

const (
	maxMessageSize = 64 << 10
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second

	sendBuffer         = 256
	prioritySendBuffer = 64
)

// wsConnection is the slice of *websocket.Conn the session needs, so tests
// can substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// stateTimestamps records when a session last did each kind of thing, all in
// unix milliseconds. Read by the session handlers only, under Client.mu.
type stateTimestamps struct {
	Joined     int64
	LastOffer  int64
	LastAnswer int64
	LastIce    int64
	LastHealth int64
}

// Client is one live connection. The peer ID is a fresh UUID per connection;
// a reconnect is a new session, never a resume. Room membership starts empty
// and is established by a join-room message.
type Client struct {
	hub  *Hub
	conn wsConnection

	ID       types.PeerIDType
	ClientIP string

	mu         sync.RWMutex
	username   string
	tier       types.TierType
	roomID     types.RoomIDType
	role       types.RoleType
	status     types.PeerStatus
	timestamps stateTimestamps
	iceCount   int
	closed     bool

	closeOnce    sync.Once
	closeReason  []byte
	send         chan []byte
	prioritySend chan []byte
}

func newClient(h *Hub, conn wsConnection, id types.PeerIDType, username, clientIP string, tier types.TierType) *Client {
	return &Client{
		hub:          h,
		conn:         conn,
		ID:           id,
		ClientIP:     clientIP,
		username:     username,
		tier:         tier,
		role:         types.RoleAnonymous,
		status:       types.PeerStatusActive,
		send:         make(chan []byte, sendBuffer),
		prioritySend: make(chan []byte, prioritySendBuffer),
	}
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) Tier() types.TierType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tier
}

func (c *Client) RoomID() types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) Role() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) Status() types.PeerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// setMembership records the outcome of a join or leave in one shot so the
// role, room, and status never disagree.
func (c *Client) setMembership(roomID types.RoomIDType, role types.RoleType, status types.PeerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.role = role
	c.status = status
	if role == types.RoleStreamer || role == types.RoleViewer {
		c.timestamps.Joined = time.Now().UnixMilli()
	}
}

func (c *Client) touch(set func(*stateTimestamps, int64)) {
	c.mu.Lock()
	set(&c.timestamps, time.Now().UnixMilli())
	c.mu.Unlock()
}

// Disconnect closes both send channels exactly once. The writePump drains
// what is buffered, writes the close frame, and closes the socket.
func (c *Client) Disconnect() {
	c.disconnectWith(nil)
}

// disconnectWith closes the session with an explicit close frame payload,
// e.g. a service-restart notice during shutdown.
func (c *Client) disconnectWith(reason []byte) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.status = types.PeerStatusClosed
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
	})
}

// SendPriority queues an already-serialized message on the priority channel.
// Non-blocking: a full channel drops the message and logs, because one slow
// reader must never stall the room.
func (c *Client) SendPriority(data []byte) {
	if c.isClosed() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "send to closing client", zap.String("peerId", string(c.ID)), zap.Any("panic", r))
		}
	}()
	select {
	case c.prioritySend <- data:
	default:
		logging.Error(context.Background(), "priority channel full, dropping message", zap.String("peerId", string(c.ID)))
		metrics.WebsocketEvents.WithLabelValues("send", "dropped").Inc()
	}
}

// Send queues an already-serialized message on the normal channel.
func (c *Client) Send(data []byte) {
	if c.isClosed() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "send to closing client", zap.String("peerId", string(c.ID)), zap.Any("panic", r))
		}
	}()
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "send channel full, dropping message", zap.String("peerId", string(c.ID)))
		metrics.WebsocketEvents.WithLabelValues("send", "dropped").Inc()
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// readPump pulls frames off the socket until it dies, then runs the hub's
// disconnect cascade. Text frames are JSON messages; binary frames go
// through the compact codec. Anything else is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "unexpected socket close", zap.String("peerId", string(c.ID)), zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.hub.handleText(c, data)
		case websocket.BinaryMessage:
			c.hub.handleBinary(c, data)
		}
	}
}

// writePump owns all writes to the socket, including pings. It exits when
// both channels are closed or a write fails; either way the socket dies and
// readPump runs the cascade.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, c.finalCloseFrame())
				return
			}
			if err := c.write(message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, c.finalCloseFrame())
				return
			}
			if err := c.write(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) finalCloseFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

func (c *Client) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.Error(context.Background(), "socket write failed", zap.String("peerId", string(c.ID)), zap.Error(err))
		return err
	}
	return nil
}
