package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/batch"
	"github.com/castwire/streamhub/internal/v1/bus"
	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/ratelimit"
	"github.com/castwire/streamhub/internal/v1/room"
	"github.com/castwire/streamhub/internal/v1/shard"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/types"
)

const defaultMaxConnections = 10000

// Hub is the connection table plus everything a session handler needs:
// the room manager for membership, the shard router for placement, the
// rate limiter for admission, and the batcher for room fan-out.
type Hub struct {
	serverID string
	manager  *room.Manager
	limiter  *ratelimit.Limiter
	router   *shard.Router
	bus      *bus.Bus
	batcher  *batch.Batcher

	maxConns       int
	devMode        bool
	allowedOrigins []string

	mu       sync.RWMutex
	sessions map[types.PeerIDType]*Client

	upgrader websocket.Upgrader
}

// Option configures optional Hub collaborators.
type Option func(*Hub)

// WithShardRouter enables shard-aware join routing.
func WithShardRouter(r *shard.Router) Option {
	return func(h *Hub) { h.router = r }
}

// WithBus enables cross-server signaling relay.
func WithBus(b *bus.Bus) Option {
	return func(h *Hub) { h.bus = b }
}

// WithMaxConnections caps concurrent sessions on this instance.
func WithMaxConnections(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxConns = n
		}
	}
}

// WithDevMode relaxes the origin check to any localhost origin.
func WithDevMode(on bool) Option {
	return func(h *Hub) { h.devMode = on }
}

// WithAllowedOrigins sets the origins accepted at upgrade time.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// NewHub wires the hub. The batcher is owned by the hub because its delivery
// callback needs the session table; Run starts it.
func NewHub(serverID string, mgr *room.Manager, limiter *ratelimit.Limiter, opts ...Option) *Hub {
	h := &Hub{
		serverID: serverID,
		manager:  mgr,
		limiter:  limiter,
		maxConns: defaultMaxConnections,
		sessions: make(map[types.PeerIDType]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.batcher = batch.New(h.deliverBatch)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin: func(r *http.Request) bool {
			return h.validateOrigin(r) == nil
		},
	}
	if h.bus != nil {
		h.registerBusHandlers()
	}
	return h
}

// Run starts the hub's background work: the batch flusher and the room
// manager's periodic tick. It returns immediately.
func (h *Hub) Run(ctx context.Context) {
	go h.batcher.Start(ctx)
	go h.manager.Start(ctx, h.DeliverEvents)
}

// ServeWs admits and upgrades one WebSocket connection. Room membership is
// established later by a join-room message, so the URL carries only the
// optional username and userType.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.sessionCount() >= h.maxConns {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(signaling.CodeConnectionLimit)})
		return
	}

	if err := h.validateOrigin(c.Request); err != nil {
		logging.Warn(c.Request.Context(), "origin rejected", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	username := c.Query("username")
	if username != "" {
		if err := types.ValidateUsername(username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": string(signaling.CodeInvalidUsername)})
			return
		}
	}
	tier := types.ParseTier(c.Query("userType"))
	clientIP := c.ClientIP()

	if d := h.limiter.RegisterConn(clientIP, username, tier); !d.Allowed {
		status := http.StatusTooManyRequests
		if d.Code == signaling.CodeIPBanned {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": string(d.Code)})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.limiter.ReleaseConn(clientIP, username)
		logging.Error(c.Request.Context(), "upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, types.PeerIDType(uuid.NewString()), username, clientIP, tier)
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.sessions[c.ID] = c
	h.mu.Unlock()

	metrics.ActiveWebSocketConnections.Inc()
	logging.Info(context.Background(), "session opened",
		zap.String("peerId", string(c.ID)),
		zap.String("username", c.Username()),
		zap.String("ip", logging.RedactAddr(c.ClientIP)))
}

func (h *Hub) session(id types.PeerIDType) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sessions[id]
	return c, ok
}

func (h *Hub) sessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// disconnect runs the session teardown cascade: drop the session from the
// table, leave the room (a streamer's dead socket ends the stream but keeps
// viewers seated), then release limiter state. Idempotent.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.sessions[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, c.ID)
	h.mu.Unlock()

	ctx := context.Background()
	roomID := c.RoomID()
	if roomID != "" {
		if c.Role() == types.RoleStreamer {
			events := h.manager.ReportHealth(ctx, roomID, c.ID, types.HealthLost)
			h.DeliverEvents(roomID, events)
			// Leave is a no-op for membership now but schedules room cleanup.
			h.manager.Leave(ctx, roomID, c.ID)
		} else {
			_, events := h.manager.Leave(ctx, roomID, c.ID)
			h.DeliverEvents(roomID, events)
		}
	}

	h.limiter.ReleaseConn(c.ClientIP, c.Username())
	h.limiter.Forget(c.ID)
	c.Disconnect()

	metrics.ActiveWebSocketConnections.Dec()
	logging.Info(ctx, "session closed", zap.String("peerId", string(c.ID)), zap.String("roomId", string(roomID)))
}

// DeliverEvents routes room events to sockets. Direct audiences go straight
// to the priority or normal channel; room-wide audiences go through the
// batcher so high-fan-out rooms coalesce writes.
func (h *Hub) DeliverEvents(roomID types.RoomIDType, events []room.Event) {
	if len(events) == 0 {
		return
	}
	ctx := context.Background()
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			logging.Error(ctx, "event marshal failed", zap.String("event", ev.Name), zap.Error(err))
			continue
		}

		h.syncMembership(roomID, ev)

		switch ev.Audience {
		case room.ToPeer:
			h.sendDirect(ev.Peer, payload, ev.Priority)
		case room.ToStreamer:
			if r, ok := h.manager.Get(roomID); ok {
				if sid, seated := r.StreamerID(); seated {
					h.sendDirect(sid, payload, ev.Priority)
				}
			}
		case room.ToViewers:
			if r, ok := h.manager.Get(roomID); ok {
				for _, vid := range r.ViewerIDs() {
					h.sendDirect(vid, payload, ev.Priority)
				}
			}
		case room.ToRoom, room.ToRoomExcept:
			exclude := ""
			if ev.Audience == room.ToRoomExcept {
				exclude = string(ev.Peer)
			}
			h.batcher.Enqueue(ctx, string(roomID), batch.Message{
				Payload:  payload,
				Priority: ev.Priority,
				Exclude:  exclude,
			})
		}
	}
}

// syncMembership keeps session state in step with room decisions that were
// not initiated by the affected peer: approvals, rejections, and pending
// timeouts all land here regardless of which handler produced them.
func (h *Hub) syncMembership(roomID types.RoomIDType, ev room.Event) {
	if ev.Audience != room.ToPeer {
		return
	}
	c, ok := h.session(ev.Peer)
	if !ok {
		return
	}
	switch ev.Name {
	case signaling.EvtJoinAccepted:
		c.setMembership(roomID, types.RoleViewer, types.PeerStatusConnected)
	case signaling.EvtJoinRejected:
		if c.RoomID() == roomID {
			c.setMembership("", types.RoleAnonymous, types.PeerStatusActive)
		}
	}
}

func (h *Hub) sendDirect(peerID types.PeerIDType, payload []byte, priority int) {
	c, ok := h.session(peerID)
	if !ok {
		return
	}
	if priority == batch.PriorityImmediate {
		c.SendPriority(payload)
	} else {
		c.Send(payload)
	}
}

// deliverBatch is the batcher's flush callback: one serialized batch frame
// written to every room member except the excluded peer.
func (h *Hub) deliverBatch(roomID, exclude string, frame []byte, count int) {
	r, ok := h.manager.Get(types.RoomIDType(roomID))
	if !ok {
		return
	}

	targets := r.ViewerIDs()
	if sid, seated := r.StreamerID(); seated {
		targets = append(targets, sid)
	}
	for _, id := range targets {
		if string(id) == exclude {
			continue
		}
		if c, ok := h.session(id); ok {
			c.Send(frame)
		}
	}
}

// sendEvent marshals and sends one payload directly to a session.
func (h *Hub) sendEvent(c *Client, payload any, priority int) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "payload marshal failed", zap.Error(err))
		return
	}
	if priority == batch.PriorityImmediate {
		c.SendPriority(data)
	} else {
		c.Send(data)
	}
}

func (h *Hub) sendError(c *Client, code signaling.Code, message string) {
	h.sendEvent(c, signaling.NewError(code, message), batch.PriorityImmediate)
}

// validateOrigin accepts requests with no Origin header (non-browser
// clients) and otherwise requires a scheme+host match against the allow
// list. Dev mode also accepts any localhost origin.
func (h *Hub) validateOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}

	if h.devMode && (originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1") {
		return nil
	}

	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// registerBusHandlers subscribes to cross-server WebRTC relay deliveries.
// The publishing side already attached sender identity and timestamps, so
// delivery is a raw forward to the local target session.
func (h *Hub) registerBusHandlers() {
	forward := func(ctx context.Context, env bus.Envelope) {
		c, ok := h.session(types.PeerIDType(env.TargetID))
		if !ok {
			return
		}
		c.SendPriority(env.Payload)
		metrics.RelaySignals.WithLabelValues(busKind(env.Type), "bus_in").Inc()
	}
	h.bus.Register(bus.TypeOffer, forward)
	h.bus.Register(bus.TypeAnswer, forward)
	h.bus.Register(bus.TypeICE, forward)
}

func busKind(msgType string) string {
	switch msgType {
	case bus.TypeOffer:
		return "offer"
	case bus.TypeAnswer:
		return "answer"
	default:
		return "ice"
	}
}

// Shutdown closes every session with a service-restart close frame, flushes
// pending batches, and stops the manager's timers.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		clients = append(clients, c)
	}
	h.sessions = make(map[types.PeerIDType]*Client)
	h.mu.Unlock()

	reason := websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server-restarted")
	for _, c := range clients {
		c.disconnectWith(reason)
		metrics.ActiveWebSocketConnections.Dec()
	}

	h.batcher.FlushAll()
	h.manager.Stop()

	logging.Info(ctx, "hub shut down", zap.Int("sessions", len(clients)))
	return nil
}
