package store

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// compressionThreshold is the smallest payload worth gzipping. Snapshots
// and chat backlogs clear it easily; presence keys never do.
const compressionThreshold = 1 << 10

// encode gzips raw when it is large enough and actually shrinks. The gzip
// magic bytes make the result self-describing; JSON can never start with
// them, so decode can sniff safely.
func encode(raw []byte) []byte {
	if len(raw) <= compressionThreshold {
		return raw
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return raw
	}
	if err := zw.Close(); err != nil {
		return raw
	}
	if buf.Len() >= len(raw) {
		return raw
	}
	return buf.Bytes()
}

// decode reverses encode.
func decode(raw []byte) ([]byte, error) {
	if !isGzip(raw) {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip value: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress value: %w", err)
	}
	return plain, nil
}

func isGzip(b []byte) bool {
	return len(b) > 2 && b[0] == 0x1f && b[1] == 0x8b
}
