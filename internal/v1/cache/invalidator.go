package cache

import (
	"context"
	"strconv"

	"github.com/castwire/streamhub/internal/v1/bus"
)

// Canonical cache keys and tags for room state. Room code and HTTP
// handlers use these so invalidation rules and writers agree.
func RoomKey(roomID string) string      { return "room:" + roomID }
func RoomUsersKey(roomID string) string { return "room:" + roomID + ":users" }
func RoomCountKey(roomID string) string { return "room:" + roomID + ":count" }
func RoomTag(roomID string) string      { return "room:" + roomID }

// MessageWindow rounds an arbitrary chat limit up to one of the cached
// window sizes, so every limit in a bucket shares one entry.
func MessageWindow(limit int) int {
	switch {
	case limit <= 10:
		return 10
	case limit <= 25:
		return 25
	case limit <= 50:
		return 50
	default:
		return 100
	}
}

// RoomMessagesKey caches the trailing chat window for a given limit.
func RoomMessagesKey(roomID string, limit int) string {
	return "room:" + roomID + ":messages:" + strconv.Itoa(MessageWindow(limit))
}

// RoomListKey caches the fleet-wide room directory.
const RoomListKey = "rooms"

// OnRoomEvent applies the invalidation rules for one room mutation,
// local or remote. The rules are fixed at startup and mirror what each
// event can have made stale.
func (c *Cache) OnRoomEvent(ctx context.Context, eventType, roomID string) {
	switch eventType {
	case bus.TypeUserJoined, bus.TypeUserLeft, bus.TypeUserAccepted, bus.TypeUserRejected:
		// The directory embeds viewer counts, so membership changes stale
		// it along with the per-room keys.
		c.Invalidate(ctx, RoomUsersKey(roomID), RoomCountKey(roomID), RoomListKey)
	case bus.TypeChatMessage:
		c.Invalidate(ctx,
			RoomMessagesKey(roomID, 10), RoomMessagesKey(roomID, 25),
			RoomMessagesKey(roomID, 50), RoomMessagesKey(roomID, 100))
	case bus.TypeRoomCreated, bus.TypeRoomDeleted, bus.TypeRoomSettings,
		bus.TypeStreamStart, bus.TypeStreamEnded:
		c.InvalidateTag(ctx, RoomTag(roomID))
		c.Invalidate(ctx, RoomListKey)
	}
}

// BindInvalidator subscribes the rules to the cross-server bus so
// mutations on other instances purge this one's copies. Local mutations
// call OnRoomEvent directly; the bus never redelivers our own events.
func (c *Cache) BindInvalidator(b *bus.Bus) {
	handler := func(ctx context.Context, env bus.Envelope) {
		c.OnRoomEvent(ctx, env.Type, env.RoomID)
	}
	for _, t := range []string{
		bus.TypeUserJoined, bus.TypeUserLeft, bus.TypeUserAccepted, bus.TypeUserRejected,
		bus.TypeChatMessage,
		bus.TypeRoomCreated, bus.TypeRoomDeleted, bus.TypeRoomSettings,
		bus.TypeStreamStart, bus.TypeStreamEnded,
	} {
		b.Register(t, handler)
	}
}
