// Package signaling defines the client-facing protocol: event names, message
// shapes, stable error codes, and the compact binary frame codec. Transport
// and room code build messages from these types; nothing here does I/O.
package signaling

// Code is a stable, client-facing error code. Codes are part of the wire
// contract and must never be renamed.
type Code string

const (
	// Validation. The connection stays open; the offending message is dropped.
	CodeInvalidRoomID   Code = "INVALID_ROOM_ID"
	CodeInvalidUsername Code = "INVALID_USERNAME"
	CodeMessageTooLong  Code = "MESSAGE_TOO_LONG"

	// Capacity. Rejection is final; nothing is retried server-side.
	CodeRoomFull          Code = "ROOM_FULL"
	CodeConnectionLimit   Code = "CONNECTION_LIMIT"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeIPBanned          Code = "IP_BANNED"

	// State divergence. The client re-joins if it wants to recover.
	CodeStreamerPresent Code = "STREAMER_PRESENT"
	CodeNotStreamer     Code = "NOT_STREAMER"
	CodeNotInRoom       Code = "NOT_IN_ROOM"

	// Routing. The client retries against the suggested target.
	CodeRedirectServer Code = "REDIRECT_SERVER"
	CodeUnavailable    Code = "UNAVAILABLE"

	// Infrastructure.
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
)

// ErrorEvent is the outbound error message.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// NewError builds an outbound error event.
func NewError(code Code, message string) ErrorEvent {
	return ErrorEvent{Type: EvtError, Code: code, Message: message}
}
