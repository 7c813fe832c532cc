package signaling

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/castwire/streamhub/internal/v1/types"
)

// Binary frame types. The binary protocol mirrors the JSON shapes for the
// highest-volume messages; everything else stays JSON.
const (
	FrameChat   byte = 0x01
	FrameOffer  byte = 0x02
	FrameAnswer byte = 0x03
	FrameICE    byte = 0x04
)

const (
	headerLen       = 8
	protocolVersion = 1
	flagCompressed  = 0x80
	versionMask     = 0x0f

	// maxFramePayload caps a decoded payload at the socket read limit so a
	// forged length field cannot balloon allocation.
	maxFramePayload = 64 << 10
)

// Frame header layout:
//
//	[type:1][flags+version:1][checksum:1][reserved:1][len:4 BE][payload:len]
//
// flags bit7 marks a gzip-compressed payload; the low nibble carries the
// protocol version. The checksum is an 8-bit rolling sum of the payload
// bytes as transmitted.

// EncodeFrame wraps payload in a framed header, compressing when that
// actually shrinks the bytes.
func EncodeFrame(frameType byte, payload []byte) []byte {
	flags := byte(protocolVersion)

	if compressed, ok := deflate(payload); ok {
		payload = compressed
		flags |= flagCompressed
	}

	frame := make([]byte, headerLen+len(payload))
	frame[0] = frameType
	frame[1] = flags
	frame[2] = checksum(payload)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerLen:], payload)
	return frame
}

// DecodeFrame validates the header and returns the frame type and the
// decompressed payload. Checksum mismatches drop the frame.
func DecodeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < headerLen {
		return 0, nil, fmt.Errorf("frame shorter than header (%d bytes)", len(frame))
	}
	if v := frame[1] & versionMask; v != protocolVersion {
		return 0, nil, fmt.Errorf("unsupported protocol version %d", v)
	}

	length := binary.BigEndian.Uint32(frame[4:8])
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit", length)
	}
	if uint32(len(frame)-headerLen) != length {
		return 0, nil, fmt.Errorf("frame length %d does not match header %d", len(frame)-headerLen, length)
	}

	payload := frame[headerLen:]
	if checksum(payload) != frame[2] {
		return 0, nil, fmt.Errorf("frame checksum mismatch")
	}

	if frame[1]&flagCompressed != 0 {
		plain, err := inflate(payload)
		if err != nil {
			return 0, nil, err
		}
		payload = plain
	}
	return frame[0], payload, nil
}

// checksum is the 8-bit rolling sum of the payload as transmitted.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

func deflate(raw []byte) ([]byte, bool) {
	if len(raw) < 64 {
		return nil, false
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(raw) {
		return nil, false
	}
	return buf.Bytes(), true
}

func inflate(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed payload: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(io.LimitReader(zr, maxFramePayload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	if len(plain) > maxFramePayload {
		return nil, fmt.Errorf("decompressed payload exceeds limit")
	}
	return plain, nil
}

// --- payload layouts ---
//
// Strings are length-prefixed UTF-8: str8 carries a 1-byte length, str16 a
// 2-byte big-endian length. Timestamps are 64-bit big-endian unix
// milliseconds.

type frameWriter struct {
	buf bytes.Buffer
	err error
}

func (w *frameWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *frameWriter) byte(b byte) {
	w.buf.WriteByte(b)
}

func (w *frameWriter) str8(s string) {
	if len(s) > 0xff {
		w.fail(fmt.Errorf("string exceeds str8 limit (%d bytes)", len(s)))
		return
	}
	w.buf.WriteByte(byte(len(s)))
	w.buf.WriteString(s)
}

func (w *frameWriter) str16(s string) {
	if len(s) > 0xffff {
		w.fail(fmt.Errorf("string exceeds str16 limit (%d bytes)", len(s)))
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	w.buf.Write(b[:])
	w.buf.WriteString(s)
}

func (w *frameWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

type frameReader struct {
	data []byte
	pos  int
}

func (r *frameReader) u64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("payload truncated at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *frameReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("payload truncated at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *frameReader) str8() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	return r.take(int(n))
}

func (r *frameReader) str16() (string, error) {
	if r.pos+2 > len(r.data) {
		return "", fmt.Errorf("payload truncated at offset %d", r.pos)
	}
	n := int(binary.BigEndian.Uint16(r.data[r.pos : r.pos+2]))
	r.pos += 2
	return r.take(n)
}

func (r *frameReader) take(n int) (string, error) {
	if r.pos+n > len(r.data) {
		return "", fmt.Errorf("string of %d bytes truncated at offset %d", n, r.pos)
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

const (
	chatBitSystem   = 1 << 0
	chatBitStreamer = 1 << 1
)

// EncodeChat packs a chat message: id:8 timestamp:8 bits:1 username:str8
// text:str16.
func EncodeChat(msg types.ChatMessage) ([]byte, error) {
	var w frameWriter
	w.u64(uint64(msg.ID))
	w.u64(uint64(msg.Timestamp))
	var bits byte
	if msg.IsSystem {
		bits |= chatBitSystem
	}
	if msg.IsStreamer {
		bits |= chatBitStreamer
	}
	w.byte(bits)
	w.str8(msg.Username)
	w.str16(msg.Text)
	if w.err != nil {
		return nil, w.err
	}
	return EncodeFrame(FrameChat, w.buf.Bytes()), nil
}

// DecodeChat reverses EncodeChat.
func DecodeChat(payload []byte) (types.ChatMessage, error) {
	r := frameReader{data: payload}
	var msg types.ChatMessage
	var err error

	var id, ts uint64
	if id, err = r.u64(); err != nil {
		return msg, err
	}
	if ts, err = r.u64(); err != nil {
		return msg, err
	}
	bits, err := r.byte()
	if err != nil {
		return msg, err
	}
	if msg.Username, err = r.str8(); err != nil {
		return msg, err
	}
	if msg.Text, err = r.str16(); err != nil {
		return msg, err
	}

	msg.ID = int64(id)
	msg.Timestamp = int64(ts)
	msg.IsSystem = bits&chatBitSystem != 0
	msg.IsStreamer = bits&chatBitStreamer != 0
	return msg, nil
}

// EncodeOffer packs an offer: timestamp:8 streamerId:str8 roomId:str8
// sdp:str16. The SDP travels as the raw JSON session description.
func EncodeOffer(ev OfferEvent) ([]byte, error) {
	var w frameWriter
	w.u64(uint64(ev.Timestamp))
	w.str8(ev.StreamerID)
	w.str8(ev.RoomID)
	w.str16(string(ev.Offer))
	if w.err != nil {
		return nil, w.err
	}
	return EncodeFrame(FrameOffer, w.buf.Bytes()), nil
}

// DecodeOffer reverses EncodeOffer.
func DecodeOffer(payload []byte) (OfferEvent, error) {
	r := frameReader{data: payload}
	ev := OfferEvent{Type: EvtOffer}

	ts, err := r.u64()
	if err != nil {
		return ev, err
	}
	ev.Timestamp = int64(ts)
	if ev.StreamerID, err = r.str8(); err != nil {
		return ev, err
	}
	if ev.RoomID, err = r.str8(); err != nil {
		return ev, err
	}
	sdp, err := r.str16()
	if err != nil {
		return ev, err
	}
	ev.Offer = json.RawMessage(sdp)
	return ev, nil
}

// EncodeAnswer packs an answer: timestamp:8 viewerId:str8 streamerId:str8
// sdp:str16.
func EncodeAnswer(ev AnswerEvent, streamerID string) ([]byte, error) {
	var w frameWriter
	w.u64(uint64(ev.Timestamp))
	w.str8(ev.ViewerID)
	w.str8(streamerID)
	w.str16(string(ev.Answer))
	if w.err != nil {
		return nil, w.err
	}
	return EncodeFrame(FrameAnswer, w.buf.Bytes()), nil
}

// DecodeAnswer reverses EncodeAnswer, returning the event and the target
// streamer id.
func DecodeAnswer(payload []byte) (AnswerEvent, string, error) {
	r := frameReader{data: payload}
	ev := AnswerEvent{Type: EvtAnswer}

	ts, err := r.u64()
	if err != nil {
		return ev, "", err
	}
	ev.Timestamp = int64(ts)
	if ev.ViewerID, err = r.str8(); err != nil {
		return ev, "", err
	}
	streamerID, err := r.str8()
	if err != nil {
		return ev, "", err
	}
	sdp, err := r.str16()
	if err != nil {
		return ev, "", err
	}
	ev.Answer = json.RawMessage(sdp)
	return ev, streamerID, nil
}

// EncodeICE packs a candidate: timestamp:8 senderId:str8 targetId:str8
// roomId:str8 candidate:str16. targetId may be empty (fan-out mode).
func EncodeICE(ev ICEEvent, targetID, roomID string) ([]byte, error) {
	var w frameWriter
	w.u64(uint64(ev.Timestamp))
	w.str8(ev.SenderID)
	w.str8(targetID)
	w.str8(roomID)
	w.str16(string(ev.Candidate))
	if w.err != nil {
		return nil, w.err
	}
	return EncodeFrame(FrameICE, w.buf.Bytes()), nil
}

// DecodeICE reverses EncodeICE, returning the event plus target and room.
func DecodeICE(payload []byte) (ICEEvent, string, string, error) {
	r := frameReader{data: payload}
	ev := ICEEvent{Type: EvtICECandidate}

	ts, err := r.u64()
	if err != nil {
		return ev, "", "", err
	}
	ev.Timestamp = int64(ts)
	if ev.SenderID, err = r.str8(); err != nil {
		return ev, "", "", err
	}
	targetID, err := r.str8()
	if err != nil {
		return ev, "", "", err
	}
	roomID, err := r.str8()
	if err != nil {
		return ev, "", "", err
	}
	candidate, err := r.str16()
	if err != nil {
		return ev, "", "", err
	}
	ev.Candidate = json.RawMessage(candidate)
	return ev, targetID, roomID, nil
}
