// Package room is the authoritative state machine for room membership: the
// streamer seat, the viewer set, the approval queue, and the bounded chat
// history. Mutations serialize under a per-room lock and return the events
// they produced; callers deliver those after the lock is released so no
// network I/O ever happens inside the critical section.
package room

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/castwire/streamhub/internal/v1/batch"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/types"
)

// ErrNotInRoom is returned when a peer acts on a room it is not a member
// of.
var ErrNotInRoom = errors.New("peer is not a member of the room")

const (
	chatHistoryCap = 100
	// roomInfoChatWindow bounds how much history rides on a room-info.
	roomInfoChatWindow = 50
)

type peerRef struct {
	id           types.PeerIDType
	username     string
	sessionStart int64
}

type pendingEntry struct {
	peerRef
	createdAt time.Time
}

// Room holds one room's authoritative state. Create with New; all methods
// are safe for concurrent use.
type Room struct {
	ID types.RoomIDType

	mu       sync.RWMutex
	streamer *peerRef
	viewers  map[types.PeerIDType]peerRef

	pendingOrder *list.List // of *pendingEntry, insertion order
	pendingIndex map[types.PeerIDType]*list.Element

	messages   []types.ChatMessage
	nextChatID int64

	settings types.RoomSettings
	stats    types.RoomStats
	health   types.RoomHealth

	seq   uint64
	nowFn func() time.Time
}

// New creates an empty room. nowFn may be nil outside tests.
func New(id types.RoomIDType, nowFn func() time.Time) *Room {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Room{
		ID:           id,
		viewers:      make(map[types.PeerIDType]peerRef),
		pendingOrder: list.New(),
		pendingIndex: make(map[types.PeerIDType]*list.Element),
		settings:     types.DefaultRoomSettings(),
		health:       types.RoomHealth{Status: types.RoomHealthy},
		nextChatID:   1,
		nowFn:        nowFn,
	}
}

// emit stamps an event with the room's next sequence number. Caller holds
// the write lock.
func (r *Room) emit(events *[]Event, ev Event) {
	r.seq++
	ev.Seq = r.seq
	*events = append(*events, ev)
}

func (r *Room) nowMs() int64 {
	return r.nowFn().UnixMilli()
}

// Join seats a streamer or admits, queues, or rejects a viewer.
func (r *Room) Join(peerID types.PeerIDType, username string, isStreamer bool) (JoinOutcome, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isStreamer {
		return r.joinStreamerLocked(peerID, username)
	}
	return r.joinViewerLocked(peerID, username)
}

func (r *Room) joinStreamerLocked(peerID types.PeerIDType, username string) (JoinOutcome, []Event) {
	var events []Event

	if r.streamer != nil && r.streamer.id != peerID {
		r.emit(&events, Event{
			Name:     signaling.EvtStreamerStatus,
			Audience: ToPeer,
			Peer:     peerID,
			Payload:  signaling.StreamerStatus(false, ReasonStreamerPresent),
			Priority: batch.PriorityImmediate,
		})
		return OutcomeRejected, events
	}

	now := r.nowMs()
	r.streamer = &peerRef{id: peerID, username: username, sessionStart: now}
	if r.stats.StartedAt == 0 {
		r.stats.StartedAt = now
	}
	r.stats.EndedAt = 0
	r.health = types.RoomHealth{Status: types.RoomHealthy, LastPing: now}

	r.emit(&events, Event{
		Name:     signaling.EvtStreamerStatus,
		Audience: ToPeer,
		Peer:     peerID,
		Payload:  signaling.StreamerStatus(true, ""),
		Priority: batch.PriorityImmediate,
	})
	r.emit(&events, Event{
		Name:     signaling.EvtRoomInfo,
		Audience: ToPeer,
		Peer:     peerID,
		Payload:  signaling.RoomInfo(string(r.ID), len(r.viewers), r.recentLocked(roomInfoChatWindow)),
		Priority: batch.PriorityImmediate,
	})
	return OutcomeAdmittedStreamer, events
}

func (r *Room) joinViewerLocked(peerID types.PeerIDType, username string) (JoinOutcome, []Event) {
	var events []Event

	if len(r.viewers) >= r.settings.MaxViewers {
		r.emit(&events, Event{
			Name:     signaling.EvtRoomFull,
			Audience: ToPeer,
			Peer:     peerID,
			Payload:  signaling.RoomFull(string(r.ID)),
			Priority: batch.PriorityImmediate,
		})
		return OutcomeRejected, events
	}

	// Direct admission when the streamer allows it, or when nobody holds
	// the seat yet and there is no one to approve the join.
	if r.settings.AutoAccept || r.streamer == nil {
		r.admitViewerLocked(&events, peerID, username)
		return OutcomeAdmittedViewer, events
	}

	entry := &pendingEntry{
		peerRef:   peerRef{id: peerID, username: username, sessionStart: r.nowMs()},
		createdAt: r.nowFn(),
	}
	r.pendingIndex[peerID] = r.pendingOrder.PushBack(entry)

	r.emit(&events, Event{
		Name:     signaling.EvtWaitingApproval,
		Audience: ToPeer,
		Peer:     peerID,
		Payload:  signaling.WaitingApproval(string(r.ID)),
		Priority: batch.PriorityImmediate,
	})
	r.emit(&events, Event{
		Name:     signaling.EvtJoinRequest,
		Audience: ToStreamer,
		Payload:  signaling.JoinRequest(string(peerID), username),
		Priority: batch.PriorityImmediate,
	})
	return OutcomePending, events
}

// admitViewerLocked moves a peer into the viewer set and emits the
// room-info / user-joined pair. The user-joined broadcast and the viewer
// count it carries are produced under the same lock hold, so observers
// never see one without the other.
func (r *Room) admitViewerLocked(events *[]Event, peerID types.PeerIDType, username string) {
	r.viewers[peerID] = peerRef{id: peerID, username: username, sessionStart: r.nowMs()}
	r.stats.TotalViewers++
	r.stats.CurrentViewers = len(r.viewers)
	if r.stats.CurrentViewers > r.stats.PeakViewers {
		r.stats.PeakViewers = r.stats.CurrentViewers
	}

	r.emit(events, Event{
		Name:     signaling.EvtRoomInfo,
		Audience: ToPeer,
		Peer:     peerID,
		Payload:  signaling.RoomInfo(string(r.ID), len(r.viewers), r.recentLocked(roomInfoChatWindow)),
		Priority: batch.PriorityImmediate,
	})
	r.emit(events, Event{
		Name:     signaling.EvtUserJoined,
		Audience: ToRoomExcept,
		Peer:     peerID,
		Payload:  signaling.UserJoined(username, len(r.viewers)),
		Priority: batch.PriorityNormal,
	})
}

// AcceptUser moves one pending peer into the viewer set. Only the seated
// streamer may call it; a full room rejects the waiter instead.
func (r *Room) AcceptUser(streamerID, targetID types.PeerIDType) (bool, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	if !r.isStreamerLocked(streamerID) {
		return false, r.notStreamerEvents(streamerID)
	}
	elem, ok := r.pendingIndex[targetID]
	if !ok {
		return false, nil
	}
	entry := elem.Value.(*pendingEntry)
	r.removePendingLocked(targetID)

	if len(r.viewers) >= r.settings.MaxViewers {
		r.emit(&events, Event{
			Name:     signaling.EvtJoinRejected,
			Audience: ToPeer,
			Peer:     targetID,
			Payload:  signaling.JoinRejected(ReasonRoomFull),
			Priority: batch.PriorityImmediate,
		})
		return false, events
	}

	r.emit(&events, Event{
		Name:     signaling.EvtJoinAccepted,
		Audience: ToPeer,
		Peer:     targetID,
		Payload:  signaling.JoinAccepted(string(r.ID)),
		Priority: batch.PriorityImmediate,
	})
	r.admitViewerLocked(&events, targetID, entry.username)
	return true, events
}

// RejectUser removes one pending peer and tells them so.
func (r *Room) RejectUser(streamerID, targetID types.PeerIDType) (bool, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isStreamerLocked(streamerID) {
		return false, r.notStreamerEvents(streamerID)
	}
	if _, ok := r.pendingIndex[targetID]; !ok {
		return false, nil
	}
	r.removePendingLocked(targetID)

	var events []Event
	r.emit(&events, Event{
		Name:     signaling.EvtJoinRejected,
		Audience: ToPeer,
		Peer:     targetID,
		Payload:  signaling.JoinRejected(ReasonRejected),
		Priority: batch.PriorityImmediate,
	})
	return true, events
}

// AcceptAll admits every waiter in insertion order, stopping admissions at
// capacity (the remainder are rejected ROOM_FULL). The per-admission
// broadcasts share one flush window, so the room sees a single combined
// update.
func (r *Room) AcceptAll(streamerID types.PeerIDType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isStreamerLocked(streamerID) {
		return r.notStreamerEvents(streamerID)
	}
	var events []Event
	r.drainPendingLocked(&events)
	return events
}

// RejectAll clears the queue, notifying every waiter.
func (r *Room) RejectAll(streamerID types.PeerIDType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isStreamerLocked(streamerID) {
		return r.notStreamerEvents(streamerID)
	}
	var events []Event
	for elem := r.pendingOrder.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*pendingEntry)
		r.emit(&events, Event{
			Name:     signaling.EvtJoinRejected,
			Audience: ToPeer,
			Peer:     entry.id,
			Payload:  signaling.JoinRejected(ReasonRejected),
			Priority: batch.PriorityImmediate,
		})
	}
	r.pendingOrder.Init()
	r.pendingIndex = make(map[types.PeerIDType]*list.Element)
	return events
}

// UpdateAutoAccept flips the setting. Turning it on drains the pending
// queue in insertion order.
func (r *Room) UpdateAutoAccept(streamerID types.PeerIDType, autoAccept bool) (bool, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isStreamerLocked(streamerID) {
		return false, r.notStreamerEvents(streamerID)
	}
	var events []Event
	drain := autoAccept && !r.settings.AutoAccept
	r.settings.AutoAccept = autoAccept
	if drain {
		r.drainPendingLocked(&events)
	}
	return true, events
}

func (r *Room) drainPendingLocked(events *[]Event) {
	for r.pendingOrder.Len() > 0 {
		elem := r.pendingOrder.Front()
		entry := elem.Value.(*pendingEntry)
		r.removePendingLocked(entry.id)

		if len(r.viewers) >= r.settings.MaxViewers {
			r.emit(events, Event{
				Name:     signaling.EvtJoinRejected,
				Audience: ToPeer,
				Peer:     entry.id,
				Payload:  signaling.JoinRejected(ReasonRoomFull),
				Priority: batch.PriorityImmediate,
			})
			continue
		}
		r.emit(events, Event{
			Name:     signaling.EvtJoinAccepted,
			Audience: ToPeer,
			Peer:     entry.id,
			Payload:  signaling.JoinAccepted(string(r.ID)),
			Priority: batch.PriorityImmediate,
		})
		r.admitViewerLocked(events, entry.id, entry.username)
	}
}

// Leave removes a peer in whatever capacity it holds. The returned role is
// what the peer was before removal (RoleAnonymous if it was not a member).
func (r *Room) Leave(peerID types.PeerIDType) (types.RoleType, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event

	if r.streamer != nil && r.streamer.id == peerID {
		username := r.streamer.username
		r.endStreamLocked(&events, "streamer_left", "The stream has ended", false)
		r.emit(&events, Event{
			Name:     signaling.EvtUserLeft,
			Audience: ToRoom,
			Payload:  signaling.UserLeft(username, len(r.viewers), true),
			Priority: batch.PriorityNormal,
		})
		return types.RoleStreamer, events
	}

	if ref, ok := r.viewers[peerID]; ok {
		delete(r.viewers, peerID)
		r.stats.CurrentViewers = len(r.viewers)
		r.emit(&events, Event{
			Name:     signaling.EvtUserLeft,
			Audience: ToRoom,
			Payload:  signaling.UserLeft(ref.username, len(r.viewers), false),
			Priority: batch.PriorityNormal,
		})
		return types.RoleViewer, events
	}

	if _, ok := r.pendingIndex[peerID]; ok {
		r.removePendingLocked(peerID)
		return types.RolePending, nil
	}
	return types.RoleAnonymous, nil
}

// endStreamLocked clears the seat, closes out the session stats, and
// notifies viewers. Viewers stay in the room for a potential reconnect.
func (r *Room) endStreamLocked(events *[]Event, reason, message string, reconnectPossible bool) {
	r.streamer = nil
	r.stats.EndedAt = r.nowMs()
	r.health.Status = types.RoomLost
	r.emit(events, Event{
		Name:     signaling.EvtStreamEnded,
		Audience: ToViewers,
		Payload:  signaling.StreamEnded(reason, message, reconnectPossible),
		Priority: batch.PriorityImmediate,
	})
}

// Chat validates and appends a message, evicting the oldest past capacity.
func (r *Room) Chat(peerID types.PeerIDType, text string) ([]Event, error) {
	if err := types.ValidateChatText(text); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var username string
	var isStreamer bool
	switch {
	case r.streamer != nil && r.streamer.id == peerID:
		username, isStreamer = r.streamer.username, true
	default:
		ref, ok := r.viewers[peerID]
		if !ok {
			return nil, ErrNotInRoom
		}
		username = ref.username
	}

	msg := types.ChatMessage{
		ID:         r.nextChatID,
		Username:   username,
		Text:       text,
		Timestamp:  r.nowMs(),
		IsStreamer: isStreamer,
	}
	r.nextChatID++
	r.messages = append(r.messages, msg)
	if len(r.messages) > chatHistoryCap {
		r.messages = r.messages[len(r.messages)-chatHistoryCap:]
	}

	var events []Event
	r.emit(&events, Event{
		Name:     signaling.EvtChatMessage,
		Audience: ToRoom,
		Payload:  signaling.Chat(msg),
		Priority: batch.PriorityHigh,
	})
	return events, nil
}

// ReportHealth records a peer's self-reported connection health. A viewer
// going failing or lost notifies the streamer; a streamer going lost ends
// the stream but leaves viewers seated for a reconnect.
func (r *Room) ReportHealth(peerID types.PeerIDType, status types.HealthLevel) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event

	if r.streamer != nil && r.streamer.id == peerID {
		r.health.LastPing = r.nowMs()
		switch status {
		case types.HealthHealthy:
			r.health.ConsecutiveFailures = 0
			r.health.Status = types.RoomHealthy
		case types.HealthFailing:
			r.health.ConsecutiveFailures++
			r.health.Status = types.RoomDegraded
		case types.HealthLost:
			r.endStreamLocked(&events, "streamer_disconnected", "The streamer lost connection", true)
		}
		return events
	}

	if ref, ok := r.viewers[peerID]; ok {
		if status == types.HealthFailing || status == types.HealthLost {
			r.emit(&events, Event{
				Name:     signaling.EvtViewerDisconnected,
				Audience: ToStreamer,
				Payload:  signaling.ViewerDisconnected(string(peerID), ref.username, string(status)),
				Priority: batch.PriorityImmediate,
			})
		}
	}
	return events
}

// ExpirePending rejects every waiter older than maxAge with TIMEOUT.
func (r *Room) ExpirePending(maxAge time.Duration, now time.Time) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for elem := r.pendingOrder.Front(); elem != nil; {
		entry := elem.Value.(*pendingEntry)
		next := elem.Next()
		if now.Sub(entry.createdAt) >= maxAge {
			r.removePendingLocked(entry.id)
			r.emit(&events, Event{
				Name:     signaling.EvtJoinRejected,
				Audience: ToPeer,
				Peer:     entry.id,
				Payload:  signaling.JoinRejected(ReasonTimeout),
				Priority: batch.PriorityImmediate,
			})
		}
		elem = next
	}
	return events
}

func (r *Room) removePendingLocked(peerID types.PeerIDType) {
	if elem, ok := r.pendingIndex[peerID]; ok {
		r.pendingOrder.Remove(elem)
		delete(r.pendingIndex, peerID)
	}
}

func (r *Room) isStreamerLocked(peerID types.PeerIDType) bool {
	return r.streamer != nil && r.streamer.id == peerID
}

func (r *Room) notStreamerEvents(peerID types.PeerIDType) []Event {
	r.seq++
	return []Event{{
		Name:     signaling.EvtError,
		Audience: ToPeer,
		Peer:     peerID,
		Payload:  signaling.NewError(signaling.CodeNotStreamer, "only the streamer may do that"),
		Priority: batch.PriorityImmediate,
		Seq:      r.seq,
	}}
}

func (r *Room) recentLocked(limit int) []types.ChatMessage {
	if limit > len(r.messages) {
		limit = len(r.messages)
	}
	out := make([]types.ChatMessage, limit)
	copy(out, r.messages[len(r.messages)-limit:])
	return out
}

// RecentMessages returns up to limit trailing chat messages, oldest first.
func (r *Room) RecentMessages(limit int) []types.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recentLocked(limit)
}

// Empty reports whether nothing references the room anymore.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamer == nil && len(r.viewers) == 0 && r.pendingOrder.Len() == 0
}

// Role reports how peerID participates in the room.
func (r *Room) Role(peerID types.PeerIDType) types.RoleType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.streamer != nil && r.streamer.id == peerID {
		return types.RoleStreamer
	}
	if _, ok := r.viewers[peerID]; ok {
		return types.RoleViewer
	}
	if _, ok := r.pendingIndex[peerID]; ok {
		return types.RolePending
	}
	return types.RoleAnonymous
}

// StreamerID returns the seated streamer, if any.
func (r *Room) StreamerID() (types.PeerIDType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.streamer == nil {
		return "", false
	}
	return r.streamer.id, true
}

// ViewerIDs returns the current viewer set, for relay fan-out.
func (r *Room) ViewerIDs() []types.PeerIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.PeerIDType, 0, len(r.viewers))
	for id := range r.viewers {
		ids = append(ids, id)
	}
	return ids
}

// ViewerCount returns the size of the viewer set.
func (r *Room) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// Usernames returns every connected member's username, streamer first,
// viewers sorted for a stable listing.
func (r *Room) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.viewers)+1)
	if r.streamer != nil {
		names = append(names, r.streamer.username)
	}
	viewers := make([]string, 0, len(r.viewers))
	for _, ref := range r.viewers {
		viewers = append(viewers, ref.username)
	}
	sort.Strings(viewers)
	return append(names, viewers...)
}

// Settings returns a copy of the room's settings.
func (r *Room) Settings() types.RoomSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Snapshot copies the observable room state for HTTP surfaces and caches.
func (r *Room) Snapshot() types.RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := types.RoomSnapshot{
		RoomID:       r.ID,
		HasStreamer:  r.streamer != nil,
		ViewerCount:  len(r.viewers),
		PendingCount: r.pendingOrder.Len(),
		Settings:     r.settings,
		Stats:        r.stats,
		Health:       r.health,
	}
	if r.streamer != nil {
		snap.StreamerUsername = r.streamer.username
	}
	return snap
}
