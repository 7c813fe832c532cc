// Package bus is the cross-server event fabric. It fixes the channel set
// servers talk over, stamps every message with the origin server and a
// per-room sequence number, and dispatches inbound messages to registered
// handlers with echo and duplicate suppression.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/store"
	"github.com/castwire/streamhub/internal/v1/types"
)

// Fixed channel set. Every server subscribes to all of them; payload
// schemas are the envelope plus a type-specific payload.
const (
	ChannelRoomEvents  = "room:events"
	ChannelUserEvents  = "user:events"
	ChannelWebRTC      = "webrtc:signaling"
	ChannelChat        = "chat:messages"
	ChannelSystem      = "system:events"
	ChannelHealth      = "health:checks"
	ChannelLoadBalance = "loadbalance:events"
)

// Message types carried in Envelope.Type.
const (
	TypeRoomCreated  = "room:created"
	TypeRoomDeleted  = "room:deleted"
	TypeRoomSettings = "room:settings"
	TypeStreamStart  = "stream:started"
	TypeStreamEnded  = "stream:ended"

	TypeUserJoined   = "user:joined"
	TypeUserLeft     = "user:left"
	TypeUserPending  = "user:pending"
	TypeUserAccepted = "user:accepted"
	TypeUserRejected = "user:rejected"

	TypeOffer  = "webrtc:offer"
	TypeAnswer = "webrtc:answer"
	TypeICE    = "webrtc:ice"

	TypeChatMessage = "chat:message"

	TypePeerHealth      = "peer:health"
	TypeServerHeartbeat = "server:heartbeat"
	TypeServerStarted   = "server:started"
	TypeServerShutdown  = "server:shutdown"
	TypeServerLoad      = "server:load"
)

const (
	heartbeatInterval = 30 * time.Second
	activeWindow      = 2 * time.Minute
	dedupeIdleLimit   = 10 * time.Minute

	// serversKey is the store hash mapping serverId -> last heartbeat (ms).
	serversKey = "servers:active"
)

// Channels returns the full channel set, for subscribing.
func Channels() []string {
	return []string{
		ChannelRoomEvents, ChannelUserEvents, ChannelWebRTC,
		ChannelChat, ChannelSystem, ChannelHealth, ChannelLoadBalance,
	}
}

// Envelope is the standardized container for moving messages between
// servers. ServerID is used by receivers to drop their own echoes; Seq is
// assigned per room so receivers can drop duplicates by (ServerID, Seq).
type Envelope struct {
	ServerID  string          `json:"serverId"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	RoomID    string          `json:"roomId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes one inbound envelope. Handlers run on the receive loop
// goroutine so per-channel FIFO order is preserved; keep them short and
// hand heavy work to the owning component.
type Handler func(ctx context.Context, env Envelope)

// LoadReporter supplies the payload for periodic server:load publishes.
type LoadReporter func() any

type dedupeEntry struct {
	seq  uint64
	seen time.Time
}

// Bus multiplexes the fixed channels over the store gateway. A Bus built
// on a nil store is inert: publishes vanish, no loops start, and the
// active set is just this server.
type Bus struct {
	store    *store.Service
	serverID string
	loadFn   LoadReporter

	mu    sync.Mutex
	seqs  map[string]uint64       // roomId -> last seq assigned locally
	seen  map[string]*dedupeEntry // serverId|roomId -> last seq applied
	ready bool

	handlers map[string][]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Bus.
type Option func(*Bus)

// WithLoadReporter attaches a callback whose result is published on
// loadbalance:events with every heartbeat.
func WithLoadReporter(fn LoadReporter) Option {
	return func(b *Bus) { b.loadFn = fn }
}

// New builds a Bus for this server. Register handlers before Start; the
// registry is not locked after the loops launch.
func New(st *store.Service, serverID string, opts ...Option) *Bus {
	b := &Bus{
		store:    st,
		serverID: serverID,
		seqs:     make(map[string]uint64),
		seen:     make(map[string]*dedupeEntry),
		handlers: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ServerID returns this server's fleet identity.
func (b *Bus) ServerID() string {
	return b.serverID
}

// Register adds a handler for a message type. Must be called before Start.
func (b *Bus) Register(msgType string, h Handler) {
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// Start launches the receive and heartbeat loops. No-op in
// single-instance mode.
func (b *Bus) Start(ctx context.Context) {
	if !b.store.Enabled() {
		slog.Info("Bus in single-instance mode, cross-server loops disabled")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	pubsub := b.store.Subscribe(runCtx, Channels()...)

	b.wg.Add(2)
	go b.receiveLoop(runCtx, pubsub)
	go b.heartbeatLoop(runCtx)

	_ = b.Publish(ctx, ChannelSystem, TypeServerStarted, nil)
}

// Stop announces shutdown to the fleet, withdraws the heartbeat, and
// waits for the loops to drain.
func (b *Bus) Stop(ctx context.Context) {
	if b.store.Enabled() {
		_ = b.Publish(ctx, ChannelSystem, TypeServerShutdown, nil)
		_ = b.store.HDel(ctx, serversKey, b.serverID)
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Publish sends a fleet-wide message with no room ordering attached.
func (b *Bus) Publish(ctx context.Context, channel, msgType string, payload any) error {
	return b.publish(ctx, channel, Envelope{Type: msgType}, payload)
}

// PublishRoom sends a room-scoped message carrying the room's next
// sequence number, so receivers can apply it in order and drop replays.
func (b *Bus) PublishRoom(ctx context.Context, channel, roomID, msgType string, payload any) error {
	return b.publish(ctx, channel, Envelope{Type: msgType, RoomID: roomID, Seq: b.nextSeq(roomID)}, payload)
}

// PublishTarget sends a message for one specific peer, typically relayed
// signaling whose target socket lives on another server.
func (b *Bus) PublishTarget(ctx context.Context, channel, roomID, targetID, msgType string, payload any) error {
	env := Envelope{Type: msgType, RoomID: roomID, TargetID: targetID}
	if roomID != "" {
		env.Seq = b.nextSeq(roomID)
	}
	return b.publish(ctx, channel, env, payload)
}

func (b *Bus) publish(ctx context.Context, channel string, env Envelope, payload any) error {
	if !b.store.Enabled() {
		return nil
	}

	env.ServerID = b.serverID
	env.Timestamp = types.NowMs()

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal bus payload: %w", err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}

	if err := b.store.Publish(ctx, channel, data); err != nil {
		return err
	}
	metrics.BusMessages.WithLabelValues(channel, "out").Inc()
	return nil
}

func (b *Bus) nextSeq(roomID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[roomID]++
	return b.seqs[roomID]
}

// ForgetRoom releases sequence and dedupe state for a destroyed room.
func (b *Bus) ForgetRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seqs, roomID)
	for key := range b.seen {
		if suffixMatches(key, roomID) {
			delete(b.seen, key)
		}
	}
}

func suffixMatches(key, roomID string) bool {
	n := len(key) - len(roomID)
	return n > 0 && key[n-1] == '|' && key[n:] == roomID
}

// isDuplicate records and checks the (serverId, seq) watermark per room.
func (b *Bus) isDuplicate(env Envelope) bool {
	if env.RoomID == "" || env.Seq == 0 {
		return false
	}

	key := env.ServerID + "|" + env.RoomID
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.seen[key]
	if !ok {
		b.seen[key] = &dedupeEntry{seq: env.Seq, seen: time.Now()}
		return false
	}
	if env.Seq <= entry.seq {
		return true
	}
	entry.seq = env.Seq
	entry.seen = time.Now()
	return false
}

func (b *Bus) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer b.wg.Done()
	defer func() { _ = pubsub.Close() }()

	slog.Info("Bus subscribed", "channels", Channels())
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Warn("Bus subscription channel closed")
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Error("Failed to unmarshal bus envelope", "error", err, "channel", msg.Channel)
				continue
			}

			// Drop our own echoes.
			if env.ServerID == b.serverID {
				metrics.BusMessages.WithLabelValues(msg.Channel, "echo").Inc()
				continue
			}
			if b.isDuplicate(env) {
				metrics.BusMessages.WithLabelValues(msg.Channel, "dup").Inc()
				continue
			}

			metrics.BusMessages.WithLabelValues(msg.Channel, "in").Inc()
			for _, h := range b.handlers[env.Type] {
				h(ctx, env)
			}
		}
	}
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	b.beat(ctx)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.beat(ctx)
			b.pruneDedupe()
		}
	}
}

func (b *Bus) beat(ctx context.Context) {
	now := types.NowMs()
	if err := b.store.HSet(ctx, serversKey, b.serverID, strconv.FormatInt(now, 10)); err != nil {
		slog.Warn("Heartbeat write failed", "error", err)
	}
	_ = b.Publish(ctx, ChannelHealth, TypeServerHeartbeat, map[string]int64{"at": now})

	if b.loadFn != nil {
		_ = b.Publish(ctx, ChannelLoadBalance, TypeServerLoad, b.loadFn())
	}
}

func (b *Bus) pruneDedupe() {
	cutoff := time.Now().Add(-dedupeIdleLimit)
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.seen {
		if entry.seen.Before(cutoff) {
			delete(b.seen, key)
		}
	}
}

// ActiveServers returns the sorted fleet members whose heartbeat is within
// the active window. This server is always included: it knows it is alive
// even when the store cannot say so.
func (b *Bus) ActiveServers(ctx context.Context) []string {
	members := map[string]bool{b.serverID: true}

	if b.store.Enabled() {
		all, err := b.store.HGetAll(ctx, serversKey)
		if err == nil {
			now := types.NowMs()
			for id, raw := range all {
				ts, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				if now-ts <= activeWindow.Milliseconds() {
					members[id] = true
				}
			}
		}
	}

	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
