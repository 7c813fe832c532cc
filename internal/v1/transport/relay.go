package transport

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/bus"
	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/types"
)

// The relay attaches sender identity and a server timestamp to every WebRTC
// message; nothing the client put in senderId/timestamp survives. Delivery
// is always priority-0, locally or over the bus for peers on another
// instance.

func (h *Hub) handleOffer(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	r, ok := h.manager.Get(roomID)
	if !ok {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	if sid, seated := r.StreamerID(); !seated || sid != c.ID {
		h.sendError(c, signaling.CodeNotStreamer, "only the streamer sends offers")
		return
	}

	c.touch(func(ts *stateTimestamps, now int64) { ts.LastOffer = now })

	ev := signaling.Offer(msg.Offer, string(c.ID), string(roomID), time.Now().UnixMilli())
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error(ctx, "offer marshal failed", zap.Error(err))
		return
	}
	for _, vid := range r.ViewerIDs() {
		h.relayTo(ctx, roomID, vid, bus.TypeOffer, ev, payload)
	}
	metrics.RelaySignals.WithLabelValues("offer", "fanout").Inc()
}

func (h *Hub) handleAnswer(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	r, ok := h.manager.Get(roomID)
	if !ok {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	if r.Role(c.ID) != types.RoleViewer {
		h.sendError(c, signaling.CodeNotInRoom, "only viewers send answers")
		return
	}
	sid, seated := r.StreamerID()
	if !seated || string(sid) != msg.StreamerID {
		h.sendError(c, signaling.CodeNotStreamer, "target is not this room's streamer")
		return
	}

	c.touch(func(ts *stateTimestamps, now int64) { ts.LastAnswer = now })

	ev := signaling.Answer(msg.Answer, string(c.ID), time.Now().UnixMilli())
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error(ctx, "answer marshal failed", zap.Error(err))
		return
	}
	h.relayTo(ctx, roomID, sid, bus.TypeAnswer, ev, payload)
	metrics.RelaySignals.WithLabelValues("answer", "targeted").Inc()
}

func (h *Hub) handleICE(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	r, ok := h.manager.Get(roomID)
	if !ok {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	role := r.Role(c.ID)
	if role != types.RoleStreamer && role != types.RoleViewer {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}

	c.touch(func(ts *stateTimestamps, now int64) { ts.LastIce = now })
	c.mu.Lock()
	c.iceCount++
	c.mu.Unlock()

	ev := signaling.ICECandidate(msg.Candidate, string(c.ID), time.Now().UnixMilli())
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error(ctx, "ice marshal failed", zap.Error(err))
		return
	}

	if msg.TargetID != "" {
		target := types.PeerIDType(msg.TargetID)
		targetRole := r.Role(target)
		if targetRole == types.RoleAnonymous {
			h.sendError(c, signaling.CodeNotInRoom, "target is not in this room")
			return
		}
		// Candidates only cross the streamer-viewer axis, like offers and
		// answers; viewers never trickle to each other or to waiters.
		if targetRole == role || targetRole == types.RolePending {
			h.sendError(c, signaling.CodeNotInRoom, "target is not a stream counterpart")
			return
		}
		h.relayTo(ctx, roomID, target, bus.TypeICE, ev, payload)
		metrics.RelaySignals.WithLabelValues("ice", "targeted").Inc()
		return
	}

	// No target: streamers fan out to viewers, viewers reach the streamer.
	if role == types.RoleStreamer {
		for _, vid := range r.ViewerIDs() {
			h.relayTo(ctx, roomID, vid, bus.TypeICE, ev, payload)
		}
	} else if sid, seated := r.StreamerID(); seated {
		h.relayTo(ctx, roomID, sid, bus.TypeICE, ev, payload)
	}
	metrics.RelaySignals.WithLabelValues("ice", "fanout").Inc()
}

// relayTo delivers one signaling payload to a peer: straight onto the local
// session's priority channel, or over the bus when the peer lives on another
// instance. A miss with no bus is dropped; the peer is already gone.
func (h *Hub) relayTo(ctx context.Context, roomID types.RoomIDType, target types.PeerIDType, msgType string, ev any, payload []byte) {
	if c, ok := h.session(target); ok {
		c.SendPriority(payload)
		return
	}
	if h.bus == nil {
		return
	}
	if err := h.bus.PublishTarget(ctx, bus.ChannelWebRTC, string(roomID), string(target), msgType, ev); err != nil {
		logging.Warn(ctx, "cross-server relay failed",
			zap.String("target", string(target)), zap.String("type", msgType), zap.Error(err))
		return
	}
	metrics.RelaySignals.WithLabelValues(busKind(msgType), "bus_out").Inc()
}
