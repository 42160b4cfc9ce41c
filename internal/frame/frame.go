// Package frame implements the wire framing used by the inner multiplexer:
// length-prefixed typed frames, AEAD-sealed over a 4-byte header as
// associated data.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
)

// Type identifies the kind of a frame.
type Type uint8

const (
	TypeStream       Type = 0x10
	TypeWindowUpdate Type = 0x11
	TypePing         Type = 0x12
	TypeKeyUpdate    Type = 0x13
	TypeClose        Type = 0x1F
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "STREAM"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypePing:
		return "PING"
	case TypeKeyUpdate:
		return "KEY_UPDATE"
	case TypeClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// HeaderSize is the size of the LEN||TYPE header that forms the AEAD's
// associated data.
const HeaderSize = 4

// TagSize is the Poly1305 tag appended to every sealed frame.
const TagSize = aeadcrypto.TagSize

// Frame is a decoded, plaintext frame.
type Frame struct {
	Type    Type
	Payload []byte
}

// Errors returned by Encode/Decode. Exposed as sentinels so callers can
// match with errors.Is without depending on message text.
var (
	ErrTooShort    = errors.New("frame: too short")
	ErrInvalidLen  = errors.New("frame: invalid length")
	ErrUnknownType = errors.New("frame: unknown type")
	ErrCrypto      = errors.New("frame: crypto failure")
)

func isKnownType(t Type) bool {
	switch t {
	case TypeStream, TypeWindowUpdate, TypePing, TypeKeyUpdate, TypeClose:
		return true
	default:
		return false
	}
}

// Encode seals f under key at the given send counter and returns the wire
// bytes: LEN(3B BE) || TYPE(1B) || CIPHERTEXT || TAG(16B).
func Encode(f Frame, key [aeadcrypto.KeySize]byte, counter uint64) ([]byte, error) {
	if !isKnownType(f.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(f.Type))
	}
	wireLen := 1 + len(f.Payload) + TagSize
	if wireLen > 0xFFFFFF {
		return nil, fmt.Errorf("%w: %d exceeds 24-bit length", ErrInvalidLen, wireLen)
	}

	header := make([]byte, HeaderSize)
	putUint24(header[0:3], uint32(wireLen))
	header[3] = byte(f.Type)

	ct, err := aeadcrypto.Seal(key, counter, header, f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	out := make([]byte, HeaderSize+len(ct))
	copy(out, header)
	copy(out[HeaderSize:], ct)
	return out, nil
}

// Decode parses and opens a single wire frame from buf under key at the
// given receive counter. Returns the frame and the number of bytes
// consumed from buf.
func Decode(buf []byte, key [aeadcrypto.KeySize]byte, counter uint64) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrTooShort
	}
	wireLen := int(readUint24(buf[0:3]))
	if wireLen < 1+TagSize {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrInvalidLen, wireLen)
	}
	total := HeaderSize - 1 + wireLen
	if len(buf) < total {
		return Frame{}, 0, ErrTooShort
	}

	typ := Type(buf[3])
	if !isKnownType(typ) {
		return Frame{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(typ))
	}

	header := buf[0:HeaderSize]
	ct := buf[HeaderSize:total]

	pt, err := aeadcrypto.Open(key, counter, header, ct)
	if err != nil {
		return Frame{}, 0, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	return Frame{Type: typ, Payload: pt}, total, nil
}

// EncodePlain writes a frame with no AEAD protection: LEN(3B BE) || TYPE(1B)
// || PAYLOAD. Reserved for transports that carry their own integrity
// guarantees (see DecodePlain).
func EncodePlain(f Frame) ([]byte, error) {
	if !isKnownType(f.Type) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(f.Type))
	}
	wireLen := 1 + len(f.Payload)
	if wireLen > 0xFFFFFF {
		return nil, fmt.Errorf("%w: %d exceeds 24-bit length", ErrInvalidLen, wireLen)
	}
	out := make([]byte, HeaderSize+len(f.Payload))
	putUint24(out[0:3], uint32(wireLen))
	out[3] = byte(f.Type)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// DecodePlain parses an unprotected frame written by EncodePlain. No
// carrier calls it; internal/carrier's in-process Pipe and the network
// carriers pass AEAD frames as opaque bytes.
func DecodePlain(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrTooShort
	}
	wireLen := int(readUint24(buf[0:3]))
	if wireLen < 1 {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrInvalidLen, wireLen)
	}
	total := HeaderSize - 1 + wireLen
	if len(buf) < total {
		return Frame{}, 0, ErrTooShort
	}
	typ := Type(buf[3])
	if !isKnownType(typ) {
		return Frame{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(typ))
	}
	payload := buf[HeaderSize:total]
	return Frame{Type: typ, Payload: payload}, total, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// EncodeStreamPayload builds a STREAM frame payload: STREAM_ID(4B BE) || DATA.
func EncodeStreamPayload(streamID uint32, data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[0:4], streamID)
	copy(out[4:], data)
	return out
}

// DecodeStreamPayload splits a STREAM frame payload into stream id and data.
func DecodeStreamPayload(payload []byte) (streamID uint32, data []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, ErrTooShort
	}
	return binary.BigEndian.Uint32(payload[0:4]), payload[4:], nil
}

// EncodeWindowUpdatePayload builds a WINDOW_UPDATE payload:
// STREAM_ID(4B BE) || CREDIT_DELTA(4B BE).
func EncodeWindowUpdatePayload(streamID uint32, credit uint32) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], streamID)
	binary.BigEndian.PutUint32(out[4:8], credit)
	return out
}

// DecodeWindowUpdatePayload parses a WINDOW_UPDATE payload.
func DecodeWindowUpdatePayload(payload []byte) (streamID uint32, credit uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, ErrTooShort
	}
	return binary.BigEndian.Uint32(payload[0:4]), binary.BigEndian.Uint32(payload[4:8]), nil
}
