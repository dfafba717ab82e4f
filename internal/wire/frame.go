// Package wire implements the client-facing binary framing codec: a
// one-byte type tag followed by a length-delimited payload.
package wire

import (
	"errors"
	"fmt"
)

// FrameType is the one-byte type tag at the start of every frame.
type FrameType byte

const (
	PresenceDiff  FrameType = 0x01
	StorageUpdate FrameType = 0x02
	PresenceSync  FrameType = 0x20
	StorageSync   FrameType = 0x21
	ErrorFrame    FrameType = 0x7E
	Control       FrameType = 0x7F
)

func (t FrameType) String() string {
	switch t {
	case PresenceDiff:
		return "presence_diff"
	case StorageUpdate:
		return "storage_update"
	case PresenceSync:
		return "presence_sync"
	case StorageSync:
		return "storage_sync"
	case ErrorFrame:
		return "error"
	case Control:
		return "control"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// ControlSubtype is the first byte of a Control frame's payload (the byte
// after the frame's type tag).
type ControlSubtype byte

const (
	Ping   ControlSubtype = 0x01
	Pong   ControlSubtype = 0x02
	Drain  ControlSubtype = 0x03
	Resync ControlSubtype = 0x04
)

// MaxFramePayload bounds a single frame's payload, guarding against a
// pathological transport frame from exhausting pod memory before the codec
// even inspects it.
const MaxFramePayload = 1 << 20 // 1 MiB

// ErrMalformedFrame is returned by Decode for any frame that cannot be
// parsed. This never kills the session by itself; the caller counts it and
// closes only after repeated violations.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Frame is a decoded client<->pod message.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Decode splits a raw transport message into its type tag and payload.
// The underlying transport (gorilla/websocket) already delivers whole
// messages, so Decode only needs to peel off the leading type byte.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 1 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if len(raw) > MaxFramePayload+1 {
		return Frame{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedFrame, MaxFramePayload)
	}

	return Frame{Type: FrameType(raw[0]), Payload: raw[1:]}, nil
}

// Encode assembles a wire message from a type tag and payload.
func Encode(t FrameType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// EncodeError builds an Error frame payload: code:u16 | message:utf8.
func EncodeError(code uint16, message string) []byte {
	payload := make([]byte, 2+len(message))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], message)
	return Encode(ErrorFrame, payload)
}

// DecodeError parses an Error frame payload.
func DecodeError(payload []byte) (code uint16, message string, err error) {
	if len(payload) < 2 {
		return 0, "", fmt.Errorf("%w: error frame too short", ErrMalformedFrame)
	}
	code = uint16(payload[0])<<8 | uint16(payload[1])
	message = string(payload[2:])
	return code, message, nil
}

// EncodeControl builds a Control frame payload: subtype:u8 | ...extra.
func EncodeControl(subtype ControlSubtype, extra []byte) []byte {
	payload := make([]byte, 1+len(extra))
	payload[0] = byte(subtype)
	copy(payload[1:], extra)
	return Encode(Control, payload)
}

// DecodeControl parses a Control frame payload.
func DecodeControl(payload []byte) (ControlSubtype, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: control frame too short", ErrMalformedFrame)
	}
	return ControlSubtype(payload[0]), payload[1:], nil
}
