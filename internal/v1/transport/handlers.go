package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/batch"
	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/room"
	"github.com/castwire/streamhub/internal/v1/shard"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/types"
)

// handleText decodes and dispatches one JSON client message.
func (h *Hub) handleText(c *Client, data []byte) {
	msg, err := signaling.ParseInbound(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("unknown", "malformed").Inc()
		logging.Warn(context.Background(), "malformed message dropped", zap.String("peerId", string(c.ID)), zap.Error(err))
		return
	}
	h.dispatch(c, msg)
}

// handleBinary decodes a compact binary frame into the same flat inbound
// shape, then routes it identically to JSON.
func (h *Hub) handleBinary(c *Client, data []byte) {
	frameType, payload, err := signaling.DecodeFrame(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("binary", "malformed").Inc()
		logging.Warn(context.Background(), "bad binary frame dropped", zap.String("peerId", string(c.ID)), zap.Error(err))
		return
	}

	var msg signaling.Inbound
	switch frameType {
	case signaling.FrameChat:
		chat, err := signaling.DecodeChat(payload)
		if err != nil {
			metrics.WebsocketEvents.WithLabelValues("binary", "malformed").Inc()
			return
		}
		msg = signaling.Inbound{Type: signaling.EvtChatMessage, Message: chat.Text}
	case signaling.FrameOffer:
		ev, err := signaling.DecodeOffer(payload)
		if err != nil {
			metrics.WebsocketEvents.WithLabelValues("binary", "malformed").Inc()
			return
		}
		msg = signaling.Inbound{Type: signaling.EvtOffer, Offer: ev.Offer, RoomID: ev.RoomID}
	case signaling.FrameAnswer:
		ev, streamerID, err := signaling.DecodeAnswer(payload)
		if err != nil {
			metrics.WebsocketEvents.WithLabelValues("binary", "malformed").Inc()
			return
		}
		msg = signaling.Inbound{Type: signaling.EvtAnswer, Answer: ev.Answer, StreamerID: streamerID}
	case signaling.FrameICE:
		ev, targetID, roomID, err := signaling.DecodeICE(payload)
		if err != nil {
			metrics.WebsocketEvents.WithLabelValues("binary", "malformed").Inc()
			return
		}
		msg = signaling.Inbound{Type: signaling.EvtICECandidate, Candidate: ev.Candidate, TargetID: targetID, RoomID: roomID}
	default:
		metrics.WebsocketEvents.WithLabelValues("binary", "unknown").Inc()
		return
	}
	h.dispatch(c, msg)
}

// dispatch rate-limits one message, then routes it to its handler. A denial
// drops the message and tells the client, never the connection.
func (h *Hub) dispatch(c *Client, msg signaling.Inbound) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}()

	if d := h.limiter.Allow(c.ID, c.ClientIP, c.Tier(), msg.Type); !d.Allowed {
		metrics.WebsocketEvents.WithLabelValues(msg.Type, "rate_limited").Inc()
		h.sendError(c, d.Code, "slow down")
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case signaling.EvtJoinRoom:
		h.handleJoin(ctx, c, msg)
	case signaling.EvtLeaveRoom:
		h.handleLeave(ctx, c)
	case signaling.EvtChatMessage:
		h.handleChat(ctx, c, msg)
	case signaling.EvtUpdateAutoAccept:
		h.handleAutoAccept(ctx, c, msg)
	case signaling.EvtAcceptUser:
		h.handleAccept(ctx, c, msg)
	case signaling.EvtRejectUser:
		h.handleReject(ctx, c, msg)
	case signaling.EvtAcceptAll:
		h.handleAcceptAll(ctx, c)
	case signaling.EvtRejectAll:
		h.handleRejectAll(ctx, c)
	case signaling.EvtOffer:
		h.handleOffer(ctx, c, msg)
	case signaling.EvtAnswer:
		h.handleAnswer(ctx, c, msg)
	case signaling.EvtICECandidate:
		h.handleICE(ctx, c, msg)
	case signaling.EvtConnectionHealth:
		h.handleHealth(ctx, c, msg)
	default:
		metrics.WebsocketEvents.WithLabelValues(msg.Type, "unknown").Inc()
		logging.Warn(ctx, "unknown message type", zap.String("type", msg.Type), zap.String("peerId", string(c.ID)))
		return
	}
	metrics.WebsocketEvents.WithLabelValues(msg.Type, "ok").Inc()
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID := types.RoomIDType(msg.RoomID)
	if err := types.ValidateRoomID(roomID); err != nil {
		h.sendError(c, signaling.CodeInvalidRoomID, err.Error())
		return
	}

	username := msg.Username
	if username == "" {
		username = c.Username()
	}
	if err := types.ValidateUsername(username); err != nil {
		h.sendError(c, signaling.CodeInvalidUsername, err.Error())
		return
	}

	if h.router != nil {
		decision, target := h.router.Route(ctx, msg.RoomID)
		switch decision {
		case shard.Redirect:
			metrics.WebsocketEvents.WithLabelValues(signaling.EvtJoinRoom, "redirect").Inc()
			h.sendEvent(c, signaling.RedirectServer(target, msg.RoomID), 0)
			return
		case shard.Unavailable:
			h.sendError(c, signaling.CodeUnavailable, "no server owns this room right now")
			return
		}
	}

	// Joining while in another room is an implicit leave.
	if prev := c.RoomID(); prev != "" && prev != roomID {
		_, events := h.manager.Leave(ctx, prev, c.ID)
		h.DeliverEvents(prev, events)
		c.setMembership("", types.RoleAnonymous, types.PeerStatusActive)
	}

	tier := c.Tier()
	if msg.IsStreamer {
		tier = types.TierStreamer
	} else if msg.UserType != "" {
		tier = types.ParseTier(msg.UserType)
	} else if tier == types.TierAnonymous {
		tier = types.TierViewer
	}
	c.mu.Lock()
	c.username = username
	c.tier = tier
	c.mu.Unlock()

	outcome, events, err := h.manager.Join(ctx, roomID, c.ID, username, msg.IsStreamer)
	if err != nil {
		if errors.Is(err, room.ErrStoreUnavailable) {
			h.sendError(c, signaling.CodeStoreUnavailable, "try again shortly")
			return
		}
		h.sendError(c, signaling.CodeTimeout, err.Error())
		return
	}

	switch outcome {
	case room.OutcomeAdmittedStreamer:
		c.setMembership(roomID, types.RoleStreamer, types.PeerStatusConnected)
	case room.OutcomeAdmittedViewer:
		c.setMembership(roomID, types.RoleViewer, types.PeerStatusConnected)
	case room.OutcomePending:
		c.setMembership(roomID, types.RolePending, types.PeerStatusPendingApproval)
	}
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleLeave(ctx context.Context, c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, signaling.CodeNotInRoom, "not in a room")
		return
	}
	_, events := h.manager.Leave(ctx, roomID, c.ID)
	c.setMembership("", types.RoleAnonymous, types.PeerStatusActive)
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleChat(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return
	}
	events, err := h.manager.Chat(ctx, roomID, c.ID, msg.Message)
	if err != nil {
		if errors.Is(err, room.ErrNotInRoom) {
			h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		} else {
			h.sendError(c, signaling.CodeMessageTooLong, err.Error())
		}
		return
	}
	h.DeliverEvents(roomID, events)
}

// moderationTarget resolves the caller's room for streamer moderation
// commands. Cleanup can win a race against a slow client, leaving the
// session pointing at a room that no longer exists; surface that rather
// than dropping the command silently.
func (h *Hub) moderationTarget(c *Client) (types.RoomIDType, bool) {
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, signaling.CodeNotInRoom, "join a room first")
		return "", false
	}
	if _, ok := h.manager.Get(roomID); !ok {
		h.sendEvent(c, signaling.RoomNotFound(string(roomID)), batch.PriorityImmediate)
		return "", false
	}
	return roomID, true
}

func (h *Hub) handleAutoAccept(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID, ok := h.moderationTarget(c)
	if !ok {
		return
	}
	_, events := h.manager.UpdateAutoAccept(ctx, roomID, c.ID, msg.AutoAccept)
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleAccept(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID, ok := h.moderationTarget(c)
	if !ok {
		return
	}
	_, events := h.manager.AcceptUser(ctx, roomID, c.ID, types.PeerIDType(msg.UserID))
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleReject(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID, ok := h.moderationTarget(c)
	if !ok {
		return
	}
	_, events := h.manager.RejectUser(ctx, roomID, c.ID, types.PeerIDType(msg.UserID))
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleAcceptAll(ctx context.Context, c *Client) {
	roomID, ok := h.moderationTarget(c)
	if !ok {
		return
	}
	events := h.manager.AcceptAll(ctx, roomID, c.ID)
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleRejectAll(ctx context.Context, c *Client) {
	roomID, ok := h.moderationTarget(c)
	if !ok {
		return
	}
	events := h.manager.RejectAll(ctx, roomID, c.ID)
	h.DeliverEvents(roomID, events)
}

func (h *Hub) handleHealth(ctx context.Context, c *Client, msg signaling.Inbound) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	status := types.HealthLevel(msg.Status)
	switch status {
	case types.HealthHealthy, types.HealthFailing, types.HealthLost:
	default:
		return
	}
	c.touch(func(ts *stateTimestamps, now int64) { ts.LastHealth = now })
	events := h.manager.ReportHealth(ctx, roomID, c.ID, status)
	h.DeliverEvents(roomID, events)
}
