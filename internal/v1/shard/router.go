// Package shard decides which server in the fleet owns a room. Every
// instance owns a static slice of the hash space; joins for rooms outside
// that slice are redirected to the owner, never served locally.
package shard

import (
	"context"
	"hash/fnv"
)

// ActiveLister supplies current fleet membership, sorted. Satisfied by
// the bus.
type ActiveLister interface {
	ActiveServers(ctx context.Context) []string
}

// Decision is the routing verdict for a room.
type Decision int

const (
	ServeLocal Decision = iota
	Redirect
	Unavailable
)

func (d Decision) String() string {
	switch d {
	case ServeLocal:
		return "local"
	case Redirect:
		return "redirect"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// Router maps room IDs onto the shard space and this server's owned range.
type Router struct {
	shardCount int
	rangeStart int
	rangeEnd   int
	serverID   string
	fleet      ActiveLister
}

// NewRouter builds a router for the owned range [rangeStart, rangeEnd]
// within a shard space of shardCount slots.
func NewRouter(shardCount, rangeStart, rangeEnd int, serverID string, fleet ActiveLister) *Router {
	return &Router{
		shardCount: shardCount,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		serverID:   serverID,
		fleet:      fleet,
	}
}

// HashRoom is the fleet-wide stable room hash. Every instance must agree
// on it, so it is fixed: changing it reshuffles every room's owner.
func HashRoom(roomID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return h.Sum32()
}

// ShardOf maps a room to its shard slot.
func (r *Router) ShardOf(roomID string) int {
	return int(HashRoom(roomID) % uint32(r.shardCount))
}

// Owns reports whether this server's range covers the room's shard.
func (r *Router) Owns(roomID string) bool {
	s := r.ShardOf(roomID)
	return s >= r.rangeStart && s <= r.rangeEnd
}

// Route returns ServeLocal for owned rooms. For foreign rooms it picks
// the owner deterministically from the active fleet; if nobody suitable
// is alive it returns Unavailable — this server never stands in for a
// shard it does not own.
func (r *Router) Route(ctx context.Context, roomID string) (Decision, string) {
	if r.Owns(roomID) {
		return ServeLocal, ""
	}

	active := r.fleet.ActiveServers(ctx)
	if len(active) == 0 {
		return Unavailable, ""
	}

	target := active[int(HashRoom(roomID)%uint32(len(active)))]
	if target == r.serverID {
		return Unavailable, ""
	}
	return Redirect, target
}
