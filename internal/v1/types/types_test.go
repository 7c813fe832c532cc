package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleConstants(t *testing.T) {
	assert.Equal(t, RoleType("streamer"), RoleStreamer)
	assert.Equal(t, RoleType("viewer"), RoleViewer)
	assert.Equal(t, RoleType("pending"), RolePending)
	assert.Equal(t, RoleType("anonymous"), RoleAnonymous)
}

func TestValidateRoomID(t *testing.T) {
	t.Run("accepts conventional six char ids", func(t *testing.T) {
		assert.NoError(t, ValidateRoomID("ABC123"))
	})

	t.Run("accepts longer alphanumeric ids", func(t *testing.T) {
		assert.NoError(t, ValidateRoomID(RoomIDType(strings.Repeat("a", 64))))
	})

	t.Run("rejects empty", func(t *testing.T) {
		assert.Error(t, ValidateRoomID(""))
	})

	t.Run("rejects over 64 chars", func(t *testing.T) {
		assert.Error(t, ValidateRoomID(RoomIDType(strings.Repeat("a", 65))))
	})

	t.Run("rejects separators and spaces", func(t *testing.T) {
		assert.Error(t, ValidateRoomID("room:1"))
		assert.Error(t, ValidateRoomID("room 1"))
		assert.Error(t, ValidateRoomID("room/1"))
	})
}

func TestValidateUsername(t *testing.T) {
	t.Run("accepts normal names", func(t *testing.T) {
		assert.NoError(t, ValidateUsername("alice"))
		assert.NoError(t, ValidateUsername("Alice Smith"))
	})

	t.Run("rejects empty", func(t *testing.T) {
		assert.Error(t, ValidateUsername(""))
	})

	t.Run("rejects over 32 chars", func(t *testing.T) {
		assert.Error(t, ValidateUsername(strings.Repeat("x", 33)))
	})

	t.Run("rejects control characters", func(t *testing.T) {
		assert.Error(t, ValidateUsername("al\x00ice"))
		assert.Error(t, ValidateUsername("al\nice"))
	})
}

func TestValidateChatText(t *testing.T) {
	t.Run("accepts up to the cap", func(t *testing.T) {
		assert.NoError(t, ValidateChatText(strings.Repeat("m", MaxChatLength)))
	})

	t.Run("rejects empty and oversized", func(t *testing.T) {
		assert.Error(t, ValidateChatText(""))
		assert.Error(t, ValidateChatText(strings.Repeat("m", MaxChatLength+1)))
	})
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierStreamer, ParseTier("streamer"))
	assert.Equal(t, TierPremiumViewer, ParseTier("premium_viewer"))
	assert.Equal(t, TierModerator, ParseTier("moderator"))
	assert.Equal(t, TierAnonymous, ParseTier(""))
	// Unknown declarations never grant elevated limits.
	assert.Equal(t, TierViewer, ParseTier("admin"))
}

func TestDefaultRoomSettings(t *testing.T) {
	s := DefaultRoomSettings()
	assert.True(t, s.AutoAccept)
	assert.Equal(t, 1000, s.MaxViewers)
	assert.False(t, s.IsPrivate)
}
