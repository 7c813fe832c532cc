package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/castwire/streamhub/internal/v1/types"
)

// Inbound event names (client -> server).
const (
	EvtJoinRoom         = "join-room"
	EvtLeaveRoom        = "leave-room"
	EvtChatMessage      = "chat-message"
	EvtUpdateAutoAccept = "update-auto-accept"
	EvtAcceptUser       = "accept-user"
	EvtRejectUser       = "reject-user"
	EvtAcceptAll        = "accept-all"
	EvtRejectAll        = "reject-all"
	EvtOffer            = "offer"
	EvtAnswer           = "answer"
	EvtICECandidate     = "ice-candidate"
	EvtConnectionHealth = "connection-health"
)

// Outbound event names (server -> client). Chat, offer, answer, and ICE
// reuse the inbound names.
const (
	EvtRoomInfo           = "room-info"
	EvtStreamerStatus     = "streamer-status"
	EvtWaitingApproval    = "waiting-approval"
	EvtJoinRequest        = "join-request"
	EvtJoinAccepted       = "join-accepted"
	EvtJoinRejected       = "join-rejected"
	EvtUserJoined         = "user-joined"
	EvtUserLeft           = "user-left"
	EvtStreamEnded        = "stream-ended"
	EvtViewerDisconnected = "viewer-disconnected"
	EvtError              = "error"
	EvtRedirectServer     = "redirect-server"
	EvtRoomNotFound       = "room-not-found"
	EvtRoomFull           = "room-full"
	EvtBatch              = "batch"
)

// Inbound is the flat decoded form of every client message. Fields not
// relevant to a given type stay zero; each handler validates what it needs.
type Inbound struct {
	Type       string          `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	Username   string          `json:"username,omitempty"`
	IsStreamer bool            `json:"isStreamer,omitempty"`
	UserType   string          `json:"userType,omitempty"`
	Message    string          `json:"message,omitempty"`
	AutoAccept bool            `json:"autoAccept,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	StreamerID string          `json:"streamerId,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// ParseInbound decodes one client JSON message. The type tag must be
// present; unknown types are the router's problem, not the parser's.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("message has no type")
	}
	return msg, nil
}

// --- Outbound payloads. Every struct carries its own type tag so a
// marshaled value is a complete wire message. ---

type RoomInfoEvent struct {
	Type        string              `json:"type"`
	RoomID      string              `json:"roomId"`
	ViewerCount int                 `json:"viewerCount"`
	Messages    []types.ChatMessage `json:"messages"`
}

func RoomInfo(roomID string, viewerCount int, messages []types.ChatMessage) RoomInfoEvent {
	if messages == nil {
		messages = []types.ChatMessage{}
	}
	return RoomInfoEvent{Type: EvtRoomInfo, RoomID: roomID, ViewerCount: viewerCount, Messages: messages}
}

type StreamerStatusEvent struct {
	Type       string `json:"type"`
	IsStreamer bool   `json:"isStreamer"`
	Error      string `json:"error,omitempty"`
}

func StreamerStatus(isStreamer bool, errMsg string) StreamerStatusEvent {
	return StreamerStatusEvent{Type: EvtStreamerStatus, IsStreamer: isStreamer, Error: errMsg}
}

type WaitingApprovalEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func WaitingApproval(roomID string) WaitingApprovalEvent {
	return WaitingApprovalEvent{Type: EvtWaitingApproval, RoomID: roomID}
}

type JoinRequestEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func JoinRequest(userID, username string) JoinRequestEvent {
	return JoinRequestEvent{Type: EvtJoinRequest, UserID: userID, Username: username}
}

type JoinAcceptedEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func JoinAccepted(roomID string) JoinAcceptedEvent {
	return JoinAcceptedEvent{Type: EvtJoinAccepted, RoomID: roomID}
}

type JoinRejectedEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func JoinRejected(reason string) JoinRejectedEvent {
	return JoinRejectedEvent{Type: EvtJoinRejected, Reason: reason}
}

type UserJoinedEvent struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
}

func UserJoined(username string, viewerCount int) UserJoinedEvent {
	return UserJoinedEvent{Type: EvtUserJoined, Username: username, ViewerCount: viewerCount}
}

type UserLeftEvent struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	ViewerCount int    `json:"viewerCount"`
	IsStreamer  bool   `json:"isStreamer"`
}

func UserLeft(username string, viewerCount int, isStreamer bool) UserLeftEvent {
	return UserLeftEvent{Type: EvtUserLeft, Username: username, ViewerCount: viewerCount, IsStreamer: isStreamer}
}

// ChatEvent is the outbound chat shape. The embedded message already
// carries the json tags clients expect.
type ChatEvent struct {
	Type string `json:"type"`
	types.ChatMessage
}

func Chat(msg types.ChatMessage) ChatEvent {
	return ChatEvent{Type: EvtChatMessage, ChatMessage: msg}
}

type OfferEvent struct {
	Type       string          `json:"type"`
	Offer      json.RawMessage `json:"offer"`
	StreamerID string          `json:"streamerId"`
	RoomID     string          `json:"roomId,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

func Offer(offer json.RawMessage, streamerID, roomID string, ts int64) OfferEvent {
	return OfferEvent{Type: EvtOffer, Offer: offer, StreamerID: streamerID, RoomID: roomID, Timestamp: ts}
}

type AnswerEvent struct {
	Type      string          `json:"type"`
	Answer    json.RawMessage `json:"answer"`
	ViewerID  string          `json:"viewerId"`
	Timestamp int64           `json:"timestamp"`
}

func Answer(answer json.RawMessage, viewerID string, ts int64) AnswerEvent {
	return AnswerEvent{Type: EvtAnswer, Answer: answer, ViewerID: viewerID, Timestamp: ts}
}

type ICEEvent struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"`
}

func ICECandidate(candidate json.RawMessage, senderID string, ts int64) ICEEvent {
	return ICEEvent{Type: EvtICECandidate, Candidate: candidate, SenderID: senderID, Timestamp: ts}
}

type StreamEndedEvent struct {
	Type              string `json:"type"`
	Reason            string `json:"reason"`
	Message           string `json:"message,omitempty"`
	ReconnectPossible bool   `json:"reconnectPossible"`
}

func StreamEnded(reason, message string, reconnectPossible bool) StreamEndedEvent {
	return StreamEndedEvent{Type: EvtStreamEnded, Reason: reason, Message: message, ReconnectPossible: reconnectPossible}
}

type ViewerDisconnectedEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

func ViewerDisconnected(userID, username, status string) ViewerDisconnectedEvent {
	return ViewerDisconnectedEvent{Type: EvtViewerDisconnected, UserID: userID, Username: username, Status: status}
}

type RedirectServerEvent struct {
	Type         string `json:"type"`
	TargetServer string `json:"targetServer"`
	RoomID       string `json:"roomId"`
}

func RedirectServer(target, roomID string) RedirectServerEvent {
	return RedirectServerEvent{Type: EvtRedirectServer, TargetServer: target, RoomID: roomID}
}

type RoomNotFoundEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func RoomNotFound(roomID string) RoomNotFoundEvent {
	return RoomNotFoundEvent{Type: EvtRoomNotFound, RoomID: roomID}
}

type RoomFullEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func RoomFull(roomID string) RoomFullEvent {
	return RoomFullEvent{Type: EvtRoomFull, RoomID: roomID}
}
