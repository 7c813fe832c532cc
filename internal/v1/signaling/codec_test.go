package signaling

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castwire/streamhub/internal/v1/types"
)

func TestChatRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  types.ChatMessage
	}{
		{"plain", types.ChatMessage{ID: 1, Username: "alice", Text: "hi", Timestamp: 1700000000000}},
		{"flags set", types.ChatMessage{ID: 42, Username: "host", Text: "welcome", Timestamp: 1700000000123, IsSystem: true, IsStreamer: true}},
		{"unicode", types.ChatMessage{ID: 7, Username: "böb", Text: "héllo wörld 🎥", Timestamp: 1}},
		{"long text", types.ChatMessage{ID: 8, Username: "carol", Text: strings.Repeat("lorem ipsum ", 80), Timestamp: 99}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeChat(tt.msg)
			require.NoError(t, err)

			frameType, payload, err := DecodeFrame(frame)
			require.NoError(t, err)
			assert.Equal(t, FrameChat, frameType)

			got, err := DecodeChat(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestOfferRoundTrip(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1"}`)
	ev := Offer(sdp, "peer-streamer", "ABC123", 1700000000000)

	frame, err := EncodeOffer(ev)
	require.NoError(t, err)

	frameType, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FrameOffer, frameType)

	got, err := DecodeOffer(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestAnswerRoundTrip(t *testing.T) {
	sdp := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	ev := Answer(sdp, "peer-viewer", 1700000000500)

	frame, err := EncodeAnswer(ev, "peer-streamer")
	require.NoError(t, err)

	frameType, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FrameAnswer, frameType)

	got, streamerID, err := DecodeAnswer(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
	assert.Equal(t, "peer-streamer", streamerID)
}

func TestICERoundTrip(t *testing.T) {
	t.Run("targeted", func(t *testing.T) {
		cand := json.RawMessage(`{"candidate":"candidate:842163049 1 udp 1677729535 198.51.100.7 54321 typ srflx","sdpMid":"0"}`)
		ev := ICECandidate(cand, "peer-viewer", 1700000001000)

		frame, err := EncodeICE(ev, "peer-streamer", "")
		require.NoError(t, err)

		_, payload, err := DecodeFrame(frame)
		require.NoError(t, err)

		got, targetID, roomID, err := DecodeICE(payload)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
		assert.Equal(t, "peer-streamer", targetID)
		assert.Empty(t, roomID)
	})

	t.Run("fan-out", func(t *testing.T) {
		cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 192.0.2.1 56789 typ host"}`)
		ev := ICECandidate(cand, "peer-streamer", 2)

		frame, err := EncodeICE(ev, "", "ABC123")
		require.NoError(t, err)

		_, payload, err := DecodeFrame(frame)
		require.NoError(t, err)

		got, targetID, roomID, err := DecodeICE(payload)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
		assert.Empty(t, targetID)
		assert.Equal(t, "ABC123", roomID)
	})
}

func TestDecodeFrame_ChecksumMismatch(t *testing.T) {
	frame, err := EncodeChat(types.ChatMessage{ID: 1, Username: "alice", Text: "hi", Timestamp: 1})
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xff

	_, _, err = DecodeFrame(frame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestDecodeFrame_Malformed(t *testing.T) {
	valid, err := EncodeChat(types.ChatMessage{ID: 1, Username: "a", Text: "b", Timestamp: 1})
	require.NoError(t, err)

	t.Run("short header", func(t *testing.T) {
		_, _, err := DecodeFrame([]byte{FrameChat, 0x01})
		assert.Error(t, err)
	})

	t.Run("length mismatch", func(t *testing.T) {
		truncated := valid[:len(valid)-1]
		_, _, err := DecodeFrame(truncated)
		assert.Error(t, err)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[1] = 0x0f
		_, _, err := DecodeFrame(bad)
		assert.Error(t, err)
	})
}

func TestDecodeChat_Truncated(t *testing.T) {
	frame, err := EncodeChat(types.ChatMessage{ID: 1, Username: "alice", Text: "hello", Timestamp: 1})
	require.NoError(t, err)
	_, payload, err := DecodeFrame(frame)
	require.NoError(t, err)

	for n := 0; n < len(payload); n++ {
		_, err := DecodeChat(payload[:n])
		assert.Error(t, err, "prefix of %d bytes must not decode", n)
	}
}

// Realistic chat and ICE payloads compress well enough that the frame is
// substantially smaller than the JSON wire shape.
func TestCompressionYardstick(t *testing.T) {
	msg := types.ChatMessage{
		ID:        123456,
		Username:  "stream_fan_2024",
		Text:      strings.Repeat("so excited for tonight's stream!!! ", 30),
		Timestamp: 1700000000000,
	}

	jsonBytes, err := json.Marshal(Chat(msg))
	require.NoError(t, err)

	frame, err := EncodeChat(msg)
	require.NoError(t, err)

	ratio := float64(len(frame)) / float64(len(jsonBytes))
	assert.Less(t, ratio, 0.4, "expected >=60%% reduction, got frame %d vs json %d", len(frame), len(jsonBytes))

	// Compressed frames still round-trip.
	_, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	got, err := DecodeChat(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncodeFrame_SkipsUselessCompression(t *testing.T) {
	frame := EncodeFrame(FrameICE, []byte("short"))
	assert.Zero(t, frame[1]&flagCompressed)

	_, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), payload)
}

func TestStr8Limit(t *testing.T) {
	_, err := EncodeChat(types.ChatMessage{Username: strings.Repeat("x", 300), Text: "hi"})
	assert.Error(t, err)
}
