package room

import "github.com/castwire/streamhub/internal/v1/types"

// Audience says who an emitted event is for. The transport resolves it
// against the room's current membership at delivery time.
type Audience int

const (
	// ToPeer delivers to Event.Peer only.
	ToPeer Audience = iota
	// ToRoom delivers to the streamer and every viewer.
	ToRoom
	// ToRoomExcept delivers to everyone except Event.Peer.
	ToRoomExcept
	// ToViewers delivers to every viewer.
	ToViewers
	// ToStreamer delivers to the seated streamer, if any.
	ToStreamer
)

// Event is one outbound notification produced by a room mutation. Events
// are collected under the room lock and delivered after it is released;
// Seq is the room's monotone emission counter so consumers can order and
// de-duplicate.
type Event struct {
	Name     string
	Audience Audience
	Peer     types.PeerIDType
	Payload  any
	Priority int
	Seq      uint64
}

// JoinOutcome is the result of a Join call.
type JoinOutcome int

const (
	// OutcomeAdmittedStreamer seated the peer as the room's streamer.
	OutcomeAdmittedStreamer JoinOutcome = iota
	// OutcomeAdmittedViewer admitted the peer directly.
	OutcomeAdmittedViewer
	// OutcomePending queued the peer for streamer approval.
	OutcomePending
	// OutcomeRejected refused the join; the events carry the reason.
	OutcomeRejected
)

// Rejection reasons carried in join-rejected events.
const (
	ReasonStreamerPresent = "STREAMER_PRESENT"
	ReasonRoomFull        = "ROOM_FULL"
	ReasonTimeout         = "TIMEOUT"
	ReasonRejected        = "REJECTED"
)
