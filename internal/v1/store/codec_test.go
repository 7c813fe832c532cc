package store

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SmallPassthrough(t *testing.T) {
	raw := []byte(`{"roomId":"r1"}`)
	assert.Equal(t, raw, encode(raw))
}

func TestEncode_LargeCompresses(t *testing.T) {
	raw := []byte(strings.Repeat("viewers and streamers ", 200))
	out := encode(raw)

	assert.Less(t, len(out), len(raw))
	assert.True(t, isGzip(out))

	plain, err := decode(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, plain))
}

func TestEncode_IncompressibleStaysRaw(t *testing.T) {
	raw := make([]byte, 4096)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	// Random bytes don't shrink, so the original must come back.
	assert.Equal(t, raw, encode(raw))
}

func TestDecode_PlainPassthrough(t *testing.T) {
	raw := []byte(`{"plain":true}`)
	out, err := decode(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecode_CorruptGzip(t *testing.T) {
	_, err := decode([]byte{0x1f, 0x8b, 0xff, 0xff})
	assert.Error(t, err)
}

func TestIsGzip_ShortInput(t *testing.T) {
	assert.False(t, isGzip(nil))
	assert.False(t, isGzip([]byte{0x1f}))
	assert.False(t, isGzip([]byte{0x1f, 0x8b}))
}
