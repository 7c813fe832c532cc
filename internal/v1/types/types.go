// Package types holds the identifiers, enums, and small value objects shared
// by every layer of the hub. It has no internal dependencies so the room,
// transport, and cache packages can all build on it without cycles.
package types

import (
	"errors"
	"fmt"
	"time"
	"unicode"
)

// PeerIDType is the connection-scoped unique identifier for a session.
type PeerIDType string

// RoomIDType identifies a room. By convention room IDs are short (6
// alphanumeric characters) but anything alphanumeric up to 64 chars is valid.
type RoomIDType string

// RoleType is a peer's role within a room.
type RoleType string

const (
	RoleStreamer  RoleType = "streamer"
	RoleViewer    RoleType = "viewer"
	RolePending   RoleType = "pending"
	RoleAnonymous RoleType = "anonymous"
)

// TierType selects the rate-limit row for a peer.
type TierType string

const (
	TierAnonymous     TierType = "anonymous"
	TierViewer        TierType = "viewer"
	TierPremiumViewer TierType = "premium_viewer"
	TierModerator     TierType = "moderator"
	TierStreamer      TierType = "streamer"
)

// ParseTier maps a self-declared user type onto a known tier. Unknown values
// fall back to viewer so a typo never grants elevated limits.
func ParseTier(s string) TierType {
	switch TierType(s) {
	case TierAnonymous, TierViewer, TierPremiumViewer, TierModerator, TierStreamer:
		return TierType(s)
	case "":
		return TierAnonymous
	default:
		return TierViewer
	}
}

// PeerStatus tracks the session lifecycle.
type PeerStatus string

const (
	PeerStatusActive          PeerStatus = "active"
	PeerStatusPendingApproval PeerStatus = "pending_approval"
	PeerStatusConnected       PeerStatus = "connected"
	PeerStatusFailed          PeerStatus = "failed"
	PeerStatusClosed          PeerStatus = "closed"
)

// HealthLevel is what a peer reports about its own media connection.
type HealthLevel string

const (
	HealthHealthy HealthLevel = "healthy"
	HealthFailing HealthLevel = "failing"
	HealthLost    HealthLevel = "lost"
)

// RoomHealthStatus is the room's aggregate view of its streamer's health.
type RoomHealthStatus string

const (
	RoomHealthy  RoomHealthStatus = "healthy"
	RoomDegraded RoomHealthStatus = "degraded"
	RoomLost     RoomHealthStatus = "lost"
)

// ChatMessage is one entry in a room's bounded history. IDs are monotone per
// room; timestamps are unix milliseconds.
type ChatMessage struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Text       string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	IsSystem   bool   `json:"isSystem"`
	IsStreamer bool   `json:"isStreamer"`
}

// RoomSettings are the streamer-mutable knobs of a room.
type RoomSettings struct {
	AutoAccept bool `json:"autoAccept"`
	MaxViewers int  `json:"maxViewers"`
	IsPrivate  bool `json:"isPrivate"`
}

// DefaultRoomSettings returns the settings a freshly created room starts with.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{AutoAccept: true, MaxViewers: 1000, IsPrivate: false}
}

// RoomStats carries the lifetime counters of a room. CurrentViewers always
// equals the size of the viewer set; PeakViewers is monotone within a session.
type RoomStats struct {
	TotalViewers   int   `json:"totalViewers"`
	CurrentViewers int   `json:"currentViewers"`
	PeakViewers    int   `json:"peakViewers"`
	StartedAt      int64 `json:"startedAt,omitempty"`
	EndedAt        int64 `json:"endedAt,omitempty"`
}

// RoomHealth tracks the streamer's reported connection health.
type RoomHealth struct {
	LastPing            int64            `json:"lastPing,omitempty"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	Status              RoomHealthStatus `json:"status"`
}

// RoomSnapshot is a copy of observable room state, safe to serialize and
// cache. Built under the room lock, read anywhere.
type RoomSnapshot struct {
	RoomID           RoomIDType   `json:"roomId"`
	HasStreamer      bool         `json:"hasStreamer"`
	StreamerUsername string       `json:"streamerUsername,omitempty"`
	ViewerCount      int          `json:"viewerCount"`
	PendingCount     int          `json:"pendingCount"`
	Settings         RoomSettings `json:"settings"`
	Stats            RoomStats    `json:"stats"`
	Health           RoomHealth   `json:"health"`
	ServerID         string       `json:"serverId,omitempty"`
}

// NowMs returns the current time as unix milliseconds, the timestamp unit
// used on the wire and the bus.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

const (
	maxRoomIDLength   = 64
	maxUsernameLength = 32
	// MaxChatLength bounds a single chat message's text.
	MaxChatLength = 1000
)

// ValidateRoomID enforces the room identifier shape: 1..64 alphanumeric.
func ValidateRoomID(id RoomIDType) error {
	if len(id) == 0 {
		return errors.New("room id is empty")
	}
	if len(id) > maxRoomIDLength {
		return fmt.Errorf("room id exceeds %d characters", maxRoomIDLength)
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return fmt.Errorf("room id contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateUsername enforces 1..32 printable, non-control characters.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return errors.New("username is empty")
	}
	if len(name) > maxUsernameLength {
		return fmt.Errorf("username exceeds %d characters", maxUsernameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("username contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateChatText bounds chat message length. Empty messages are rejected.
func ValidateChatText(text string) error {
	if len(text) == 0 {
		return errors.New("message is empty")
	}
	if len(text) > MaxChatLength {
		return fmt.Errorf("message exceeds %d characters", MaxChatLength)
	}
	return nil
}
