package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/bus"
	"github.com/castwire/streamhub/internal/v1/cache"
	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/store"
	"github.com/castwire/streamhub/internal/v1/types"
)

const (
	// DefaultApprovalTimeout bounds how long a waiter sits in the pending
	// queue before a TIMEOUT rejection.
	DefaultApprovalTimeout = 60 * time.Second
	// DefaultCleanupGrace is how long an empty room survives before
	// deletion, so a reconnecting peer finds its room still there.
	DefaultCleanupGrace = 5 * time.Second

	tickInterval = 15 * time.Second

	seatTTL     = 30 * time.Minute
	snapshotTTL = time.Hour

	// directoryTTL backstops the cached room listing against membership
	// events this instance never saw.
	directoryTTL = 15 * time.Second
)

func seatKey(roomID types.RoomIDType) string {
	return "room:" + string(roomID) + ":streamer"
}

func snapshotKey(roomID types.RoomIDType) string {
	return "room:" + string(roomID) + ":state"
}

// roomIndexKey is the store set of room IDs with a live snapshot, kept so
// other instances can enumerate the fleet's rooms without a key scan.
const roomIndexKey = "rooms:index"

// ErrStoreUnavailable is returned when a cluster-mode mutation cannot reach
// the store; no local state was changed.
var ErrStoreUnavailable = fmt.Errorf("store unavailable")

// Manager owns every room this instance is authoritative for, plus the
// grace-period timers that delay empty-room deletion. Store, bus, and cache
// are all optional; a nil store means single-instance mode and skips the
// distributed streamer-seat claim.
type Manager struct {
	mu       sync.Mutex
	rooms    map[types.RoomIDType]*Room
	cleanups map[types.RoomIDType]*time.Timer

	serverID string
	store    *store.Service
	bus      *bus.Bus
	cache    *cache.Cache

	approvalTimeout time.Duration
	cleanupGrace    time.Duration
	nowFn           func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithApprovalTimeout overrides the pending-approval timeout.
func WithApprovalTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.approvalTimeout = d }
}

// WithCleanupGrace overrides the empty-room deletion grace period.
func WithCleanupGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.cleanupGrace = d }
}

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFn = fn }
}

// NewManager builds a Manager. st, b, and ch may each be nil.
func NewManager(serverID string, st *store.Service, b *bus.Bus, ch *cache.Cache, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:           make(map[types.RoomIDType]*Room),
		cleanups:        make(map[types.RoomIDType]*time.Timer),
		serverID:        serverID,
		store:           st,
		bus:             b,
		cache:           ch,
		approvalTimeout: DefaultApprovalTimeout,
		cleanupGrace:    DefaultCleanupGrace,
		nowFn:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clustered() bool {
	return m.store != nil && m.store.Enabled()
}

// Get returns the room if this instance holds it.
func (m *Manager) Get(roomID types.RoomIDType) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// getOrCreate returns the room, creating it lazily. A pending cleanup
// timer is cancelled: the room is live again.
func (m *Manager) getOrCreate(ctx context.Context, roomID types.RoomIDType) *Room {
	m.mu.Lock()
	if timer, ok := m.cleanups[roomID]; ok {
		timer.Stop()
		delete(m.cleanups, roomID)
	}
	if r, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return r
	}
	r := New(roomID, m.nowFn)
	m.rooms[roomID] = r
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	logging.Info(ctx, "room created", zap.String("roomId", string(roomID)))
	m.publish(ctx, bus.ChannelRoomEvents, string(roomID), bus.TypeRoomCreated, nil)
	m.invalidate(ctx, bus.TypeRoomCreated, roomID)
	return r
}

// Join runs the admission state machine for one peer. In cluster mode a
// streamer join first claims the distributed seat; a claim held elsewhere
// rejects with STREAMER_PRESENT and a store failure aborts with
// ErrStoreUnavailable before any local mutation.
func (m *Manager) Join(ctx context.Context, roomID types.RoomIDType, peerID types.PeerIDType, username string, isStreamer bool) (JoinOutcome, []Event, error) {
	if isStreamer && m.clustered() {
		claimed, err := m.claimSeat(ctx, roomID, peerID)
		if err != nil {
			return OutcomeRejected, nil, ErrStoreUnavailable
		}
		if !claimed {
			ev := Event{
				Name:     signaling.EvtStreamerStatus,
				Audience: ToPeer,
				Peer:     peerID,
				Payload:  signaling.StreamerStatus(false, ReasonStreamerPresent),
			}
			return OutcomeRejected, []Event{ev}, nil
		}
	}

	r := m.getOrCreate(ctx, roomID)
	outcome, events := r.Join(peerID, username, isStreamer)

	switch outcome {
	case OutcomeAdmittedStreamer:
		m.publish(ctx, bus.ChannelRoomEvents, string(roomID), bus.TypeStreamStart, map[string]any{"peerId": peerID, "username": username})
		m.invalidate(ctx, bus.TypeStreamStart, roomID)
	case OutcomeAdmittedViewer:
		m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserJoined, map[string]any{"peerId": peerID, "username": username})
		m.invalidate(ctx, bus.TypeUserJoined, roomID)
	case OutcomePending:
		m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserPending, map[string]any{"peerId": peerID, "username": username})
	case OutcomeRejected:
		if isStreamer && m.clustered() {
			m.releaseSeatIfOwn(ctx, roomID, peerID)
		}
	}

	m.refreshSnapshot(ctx, r)
	m.updateRoomGauges(r)
	return outcome, m.fillChatWindows(ctx, roomID, events), nil
}

// claimSeat takes the distributed streamer seat, or recognizes its own
// prior claim (a fast streamer reconnect).
func (m *Manager) claimSeat(ctx context.Context, roomID types.RoomIDType, peerID types.PeerIDType) (bool, error) {
	value := m.serverID + "/" + string(peerID)
	ok, err := m.store.SetNX(ctx, seatKey(roomID), value, seatTTL)
	if err != nil {
		logging.Error(ctx, "streamer seat claim failed", zap.String("roomId", string(roomID)), zap.Error(err))
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, found, err := m.store.Get(ctx, seatKey(roomID))
	if err != nil {
		return false, err
	}
	if found && strings.HasPrefix(string(holder), m.serverID+"/") {
		// Seat already ours; refresh the TTL.
		_ = m.store.Set(ctx, seatKey(roomID), []byte(value), seatTTL)
		return true, nil
	}
	return false, nil
}

func (m *Manager) releaseSeat(ctx context.Context, roomID types.RoomIDType) {
	if !m.clustered() {
		return
	}
	if err := m.store.Del(ctx, seatKey(roomID)); err != nil {
		logging.Warn(ctx, "streamer seat release failed", zap.String("roomId", string(roomID)), zap.Error(err))
	}
}

func (m *Manager) releaseSeatIfOwn(ctx context.Context, roomID types.RoomIDType, peerID types.PeerIDType) {
	holder, found, err := m.store.Get(ctx, seatKey(roomID))
	if err != nil || !found {
		return
	}
	if string(holder) == m.serverID+"/"+string(peerID) {
		m.releaseSeat(ctx, roomID)
	}
}

// Leave removes the peer and handles the streamer/viewer aftermath: seat
// release, bus publish, cache invalidation, and empty-room scheduling.
func (m *Manager) Leave(ctx context.Context, roomID types.RoomIDType, peerID types.PeerIDType) (types.RoleType, []Event) {
	r, ok := m.Get(roomID)
	if !ok {
		return types.RoleAnonymous, nil
	}

	role, events := r.Leave(peerID)
	switch role {
	case types.RoleStreamer:
		m.releaseSeat(ctx, roomID)
		m.publish(ctx, bus.ChannelRoomEvents, string(roomID), bus.TypeStreamEnded, map[string]any{"peerId": peerID})
		m.invalidate(ctx, bus.TypeStreamEnded, roomID)
	case types.RoleViewer:
		m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserLeft, map[string]any{"peerId": peerID})
		m.invalidate(ctx, bus.TypeUserLeft, roomID)
	}

	m.refreshSnapshot(ctx, r)
	m.updateRoomGauges(r)
	m.maybeScheduleCleanup(ctx, roomID)
	return role, events
}

// AcceptUser admits one waiter on the streamer's behalf.
func (m *Manager) AcceptUser(ctx context.Context, roomID types.RoomIDType, streamerID, targetID types.PeerIDType) (bool, []Event) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, nil
	}
	accepted, events := r.AcceptUser(streamerID, targetID)
	if accepted {
		m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserAccepted, map[string]any{"peerId": targetID})
		m.invalidate(ctx, bus.TypeUserAccepted, roomID)
		m.refreshSnapshot(ctx, r)
		m.updateRoomGauges(r)
		events = m.fillChatWindows(ctx, roomID, events)
	}
	return accepted, events
}

// RejectUser refuses one waiter.
func (m *Manager) RejectUser(ctx context.Context, roomID types.RoomIDType, streamerID, targetID types.PeerIDType) (bool, []Event) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, nil
	}
	rejected, events := r.RejectUser(streamerID, targetID)
	if rejected {
		m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserRejected, map[string]any{"peerId": targetID})
		m.invalidate(ctx, bus.TypeUserRejected, roomID)
		m.updateRoomGauges(r)
	}
	return rejected, events
}

// AcceptAll drains the pending queue in insertion order.
func (m *Manager) AcceptAll(ctx context.Context, roomID types.RoomIDType, streamerID types.PeerIDType) []Event {
	r, ok := m.Get(roomID)
	if !ok {
		return nil
	}
	events := r.AcceptAll(streamerID)
	m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserAccepted, nil)
	m.invalidate(ctx, bus.TypeUserAccepted, roomID)
	m.refreshSnapshot(ctx, r)
	m.updateRoomGauges(r)
	return m.fillChatWindows(ctx, roomID, events)
}

// RejectAll clears the pending queue.
func (m *Manager) RejectAll(ctx context.Context, roomID types.RoomIDType, streamerID types.PeerIDType) []Event {
	r, ok := m.Get(roomID)
	if !ok {
		return nil
	}
	events := r.RejectAll(streamerID)
	m.publish(ctx, bus.ChannelUserEvents, string(roomID), bus.TypeUserRejected, nil)
	m.invalidate(ctx, bus.TypeUserRejected, roomID)
	m.updateRoomGauges(r)
	return events
}

// UpdateAutoAccept flips the room setting, draining waiters on false→true.
func (m *Manager) UpdateAutoAccept(ctx context.Context, roomID types.RoomIDType, streamerID types.PeerIDType, autoAccept bool) (bool, []Event) {
	r, ok := m.Get(roomID)
	if !ok {
		return false, nil
	}
	changed, events := r.UpdateAutoAccept(streamerID, autoAccept)
	if changed {
		m.publish(ctx, bus.ChannelRoomEvents, string(roomID), bus.TypeRoomSettings, map[string]any{"autoAccept": autoAccept})
		m.invalidate(ctx, bus.TypeRoomSettings, roomID)
		m.refreshSnapshot(ctx, r)
		m.updateRoomGauges(r)
		events = m.fillChatWindows(ctx, roomID, events)
	}
	return changed, events
}

// Chat appends a message to the room history.
func (m *Manager) Chat(ctx context.Context, roomID types.RoomIDType, peerID types.PeerIDType, text string) ([]Event, error) {
	r, ok := m.Get(roomID)
	if !ok {
		return nil, ErrNotInRoom
	}
	events, err := r.Chat(peerID, text)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, bus.ChannelChat, string(roomID), bus.TypeChatMessage, map[string]any{"peerId": peerID})
	m.invalidate(ctx, bus.TypeChatMessage, roomID)
	return events, nil
}

// ReportHealth records a peer's connection health; a streamer lost this
// way releases the seat like an explicit leave.
func (m *Manager) ReportHealth(ctx context.Context, roomID types.RoomIDType, peerID types.PeerIDType, status types.HealthLevel) []Event {
	r, ok := m.Get(roomID)
	if !ok {
		return nil
	}
	hadStreamer := r.Role(peerID) == types.RoleStreamer

	events := r.ReportHealth(peerID, status)

	if hadStreamer && status == types.HealthLost {
		m.releaseSeat(ctx, roomID)
		m.publish(ctx, bus.ChannelRoomEvents, string(roomID), bus.TypeStreamEnded, map[string]any{"peerId": peerID, "reason": "streamer_disconnected"})
		m.invalidate(ctx, bus.TypeStreamEnded, roomID)
		m.refreshSnapshot(ctx, r)
	}
	m.publish(ctx, bus.ChannelHealth, string(roomID), bus.TypePeerHealth, map[string]any{"peerId": peerID, "status": status})
	return events
}

// maybeScheduleCleanup arms the grace timer when a room drains. The timer
// double-checks emptiness on fire: any join in between cancels it.
func (m *Manager) maybeScheduleCleanup(_ context.Context, roomID types.RoomIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok || !r.Empty() {
		return
	}
	if _, armed := m.cleanups[roomID]; armed {
		return
	}
	// The request context is long gone when the timer fires.
	m.cleanups[roomID] = time.AfterFunc(m.cleanupGrace, func() {
		m.finishCleanup(context.Background(), roomID)
	})
}

func (m *Manager) finishCleanup(ctx context.Context, roomID types.RoomIDType) {
	m.mu.Lock()
	delete(m.cleanups, roomID)
	r, ok := m.rooms[roomID]
	if !ok || !r.Empty() {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, roomID)
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	metrics.RoomViewers.DeleteLabelValues(string(roomID))
	metrics.PendingApprovals.DeleteLabelValues(string(roomID))
	logging.Info(ctx, "room deleted", zap.String("roomId", string(roomID)))

	if m.clustered() {
		_ = m.store.Del(ctx, seatKey(roomID), snapshotKey(roomID))
		_ = m.store.SRem(ctx, roomIndexKey, string(roomID))
	}
	if m.bus != nil {
		m.bus.ForgetRoom(string(roomID))
	}
	m.publish(ctx, bus.ChannelRoomEvents, string(roomID), bus.TypeRoomDeleted, nil)
	m.invalidate(ctx, bus.TypeRoomDeleted, roomID)
}

// Tick expires overdue approvals, refreshes store snapshots, and arms
// cleanup for rooms that drained without a leave (defensive sweep). The
// returned events still need delivery by the caller.
func (m *Manager) Tick(ctx context.Context) map[types.RoomIDType][]Event {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	now := m.nowFn()
	out := make(map[types.RoomIDType][]Event)
	for _, r := range rooms {
		if events := r.ExpirePending(m.approvalTimeout, now); len(events) > 0 {
			out[r.ID] = events
			m.updateRoomGauges(r)
		}
		m.refreshSnapshot(ctx, r)
		m.maybeScheduleCleanup(ctx, r.ID)
	}
	return out
}

// Start runs the periodic tick until ctx is canceled. deliver receives the
// timeout rejections each tick produces; it must not block.
func (m *Manager) Start(ctx context.Context, deliver func(types.RoomIDType, []Event)) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for roomID, events := range m.Tick(ctx) {
				if deliver != nil {
					deliver(roomID, events)
				}
			}
		}
	}
}

// Snapshots copies every local room's observable state.
func (m *Manager) Snapshots() []types.RoomSnapshot {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	out := make([]types.RoomSnapshot, 0, len(rooms))
	for _, r := range rooms {
		snap := r.Snapshot()
		snap.ServerID = m.serverID
		out = append(out, snap)
	}
	return out
}

// Counts returns the number of rooms and of connected members across them.
// RemoteSnapshots fetches best-effort snapshots of rooms owned by other
// instances, from the store's room index. Local rooms are excluded.
func (m *Manager) RemoteSnapshots(ctx context.Context) []types.RoomSnapshot {
	if !m.clustered() {
		return nil
	}
	ids, err := m.store.SMembers(ctx, roomIndexKey)
	if err != nil {
		return nil
	}

	var out []types.RoomSnapshot
	for _, id := range ids {
		roomID := types.RoomIDType(id)
		if _, local := m.Get(roomID); local {
			continue
		}
		var snap types.RoomSnapshot
		if found, err := m.store.GetJSON(ctx, snapshotKey(roomID), &snap); err == nil && found {
			out = append(out, snap)
		}
	}
	return out
}

// Directory merges local and remote snapshots into the fleet-wide room
// listing, served from the cache under the directory key. Room lifecycle
// and membership events invalidate it; the TTL is a backstop for events
// this instance never saw.
func (m *Manager) Directory(ctx context.Context) []types.RoomSnapshot {
	if m.cache == nil {
		return append(m.Snapshots(), m.RemoteSnapshots(ctx)...)
	}

	var snaps []types.RoomSnapshot
	if hit, err := m.cache.Get(ctx, cache.RoomListKey, &snaps); err == nil && hit {
		return snaps
	}
	snaps = append(m.Snapshots(), m.RemoteSnapshots(ctx)...)
	_ = m.cache.Set(ctx, cache.RoomListKey, snaps, cache.WithTTL(directoryTTL))
	return snaps
}

// RecentMessages returns up to limit trailing chat messages for a room,
// served from the bucketed chat-window cache. Chat appends invalidate the
// buckets, so join bursts and directory reads stop re-copying the ring.
func (m *Manager) RecentMessages(ctx context.Context, roomID types.RoomIDType, limit int) []types.ChatMessage {
	r, ok := m.Get(roomID)
	if !ok {
		return nil
	}
	if m.cache == nil {
		return r.RecentMessages(limit)
	}

	window := cache.MessageWindow(limit)
	key := cache.RoomMessagesKey(string(roomID), limit)
	var msgs []types.ChatMessage
	if hit, err := m.cache.Get(ctx, key, &msgs); err == nil && hit {
		return tail(msgs, limit)
	}
	msgs = r.RecentMessages(window)
	_ = m.cache.Set(ctx, key, msgs, cache.WithTags(cache.RoomTag(string(roomID))))
	return tail(msgs, limit)
}

func tail(msgs []types.ChatMessage, limit int) []types.ChatMessage {
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

// Roster returns the room's connected usernames through the per-room
// membership cache.
func (m *Manager) Roster(ctx context.Context, roomID types.RoomIDType) ([]string, bool) {
	r, ok := m.Get(roomID)
	if !ok {
		return nil, false
	}
	if m.cache == nil {
		return r.Usernames(), true
	}

	key := cache.RoomUsersKey(string(roomID))
	var names []string
	if hit, err := m.cache.Get(ctx, key, &names); err == nil && hit {
		return names, true
	}
	names = r.Usernames()
	_ = m.cache.Set(ctx, key, names, cache.WithTags(cache.RoomTag(string(roomID))))
	return names, true
}

// ViewerCount returns the room's viewer count through the per-room count
// cache.
func (m *Manager) ViewerCount(ctx context.Context, roomID types.RoomIDType) (int, bool) {
	r, ok := m.Get(roomID)
	if !ok {
		return 0, false
	}
	if m.cache == nil {
		return r.ViewerCount(), true
	}

	key := cache.RoomCountKey(string(roomID))
	var count int
	if hit, err := m.cache.Get(ctx, key, &count); err == nil && hit {
		return count, true
	}
	count = r.ViewerCount()
	_ = m.cache.Set(ctx, key, count, cache.WithTags(cache.RoomTag(string(roomID))))
	return count, true
}

// fillChatWindows swaps the in-lock chat snapshot on room-info events for
// the cached window, so a burst of admissions reads one cache entry
// instead of copying the ring per joiner.
func (m *Manager) fillChatWindows(ctx context.Context, roomID types.RoomIDType, events []Event) []Event {
	if m.cache == nil {
		return events
	}
	for i, ev := range events {
		info, ok := ev.Payload.(signaling.RoomInfoEvent)
		if !ok {
			continue
		}
		info.Messages = m.RecentMessages(ctx, roomID, roomInfoChatWindow)
		events[i].Payload = info
	}
	return events
}

func (m *Manager) Counts() (rooms, users int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		users += r.ViewerCount()
		if _, ok := r.StreamerID(); ok {
			users++
		}
	}
	return len(m.rooms), users
}

// Stop cancels every pending cleanup timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, timer := range m.cleanups {
		timer.Stop()
		delete(m.cleanups, roomID)
	}
}

func (m *Manager) refreshSnapshot(ctx context.Context, r *Room) {
	if !m.clustered() {
		return
	}
	snap := r.Snapshot()
	snap.ServerID = m.serverID
	if err := m.store.SetJSON(ctx, snapshotKey(r.ID), snap, snapshotTTL); err != nil {
		logging.Warn(ctx, "room snapshot refresh failed", zap.String("roomId", string(r.ID)), zap.Error(err))
		return
	}
	_ = m.store.SAdd(ctx, roomIndexKey, string(r.ID))
}

func (m *Manager) updateRoomGauges(r *Room) {
	snap := r.Snapshot()
	metrics.RoomViewers.WithLabelValues(string(r.ID)).Set(float64(snap.ViewerCount))
	metrics.PendingApprovals.WithLabelValues(string(r.ID)).Set(float64(snap.PendingCount))
}

// publish is best-effort: local state stays authoritative when the bus is
// down and remote peers reconcile on the next snapshot refresh.
func (m *Manager) publish(ctx context.Context, channel, roomID, msgType string, payload any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.PublishRoom(ctx, channel, roomID, msgType, payload); err != nil {
		logging.Warn(ctx, "bus publish failed", zap.String("type", msgType), zap.String("roomId", roomID), zap.Error(err))
	}
}

func (m *Manager) invalidate(ctx context.Context, eventType string, roomID types.RoomIDType) {
	if m.cache == nil {
		return
	}
	m.cache.OnRoomEvent(ctx, eventType, string(roomID))
}
