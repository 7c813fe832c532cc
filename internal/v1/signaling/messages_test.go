package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castwire/streamhub/internal/v1/types"
)

func TestParseInbound(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"join-room","roomId":"ABC123","username":"alice","isStreamer":true}`))
	require.NoError(t, err)
	assert.Equal(t, EvtJoinRoom, msg.Type)
	assert.Equal(t, "ABC123", msg.RoomID)
	assert.Equal(t, "alice", msg.Username)
	assert.True(t, msg.IsStreamer)
}

func TestParseInbound_Invalid(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseInbound([]byte(`{"type":`))
		assert.Error(t, err)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := ParseInbound([]byte(`{"roomId":"ABC123"}`))
		assert.Error(t, err)
	})
}

func TestParseInbound_SignalingFields(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"ice-candidate","candidate":{"candidate":"candidate:1"},"targetId":"peer-1","timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, EvtICECandidate, msg.Type)
	assert.Equal(t, "peer-1", msg.TargetID)
	assert.JSONEq(t, `{"candidate":"candidate:1"}`, string(msg.Candidate))
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

// Outbound builders carry their own type tag so a marshaled value is a
// complete wire message.
func TestOutboundShapes(t *testing.T) {
	t.Run("room-info always has a messages array", func(t *testing.T) {
		raw, err := json.Marshal(RoomInfo("ABC123", 0, nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"room-info","roomId":"ABC123","viewerCount":0,"messages":[]}`, string(raw))
	})

	t.Run("chat flattens the message", func(t *testing.T) {
		raw, err := json.Marshal(Chat(types.ChatMessage{ID: 3, Username: "bob", Text: "hi", Timestamp: 9}))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"chat-message","id":3,"username":"bob","message":"hi","timestamp":9,"isSystem":false,"isStreamer":false}`, string(raw))
	})

	t.Run("stream-ended", func(t *testing.T) {
		raw, err := json.Marshal(StreamEnded("streamer_disconnected", "Streamer lost connection", true))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"stream-ended","reason":"streamer_disconnected","message":"Streamer lost connection","reconnectPossible":true}`, string(raw))
	})

	t.Run("error", func(t *testing.T) {
		raw, err := json.Marshal(NewError(CodeRateLimitExceeded, "slow down"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"error","code":"RATE_LIMIT_EXCEEDED","message":"slow down"}`, string(raw))
	})

	t.Run("redirect", func(t *testing.T) {
		raw, err := json.Marshal(RedirectServer("srv-b", "QQQ111"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"redirect-server","targetServer":"srv-b","roomId":"QQQ111"}`, string(raw))
	})
}
