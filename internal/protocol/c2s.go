// Package protocol implements the binary frames exchanged with clients over
// the websocket. Every frame is one websocket binary message; the first byte
// is the opcode, the rest is the opcode-specific payload. Decoders validate
// exact lengths for fixed-size opcodes and minimum lengths for variable-size
// ones; encoders are total.
package protocol

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Client→server opcodes.
const (
	OpC2SToken byte = 0x00
	OpC2SPing  byte = 0x01
	OpC2SSub   byte = 0x02
	OpC2SUnsub byte = 0x03
)

// Frame length requirements. uuidLen is the raw UUID size on the wire.
const (
	uuidLen     = 16
	c2sPingMin  = 1 + 4 + 1           // opcode + id + sync, data may be empty
	c2sSubLen   = 1 + uuidLen         // opcode + target
	s2cPingMin  = 1 + uuidLen + 4 + 1 // opcode + sender + id + sync
	s2cEventLen = 1 + uuidLen         // opcode + user
)

// C2SMessage is one decoded client→server frame.
type C2SMessage interface {
	Encode() []byte
	c2s()
}

// C2SToken carries the session token minted by the auth handshake. The
// payload is the raw ASCII token, however long the client sent it.
type C2SToken struct {
	Token string
}

func (m *C2SToken) c2s() {}

func (m *C2SToken) Encode() []byte {
	out := make([]byte, 1+len(m.Token))
	out[0] = OpC2SToken
	copy(out[1:], m.Token)
	return out
}

// C2SPing is one live avatar-state packet. ID is the animation channel,
// Data is opaque to the server.
type C2SPing struct {
	ID   uint32
	Sync bool
	Data []byte
}

func (m *C2SPing) c2s() {}

func (m *C2SPing) Encode() []byte {
	out := make([]byte, c2sPingMin+len(m.Data))
	out[0] = OpC2SPing
	binary.BigEndian.PutUint32(out[1:5], m.ID)
	if m.Sync {
		out[5] = 1
	}
	copy(out[6:], m.Data)
	return out
}

// C2SSub subscribes the session to the target user's ping stream.
type C2SSub struct {
	Target uuid.UUID
}

func (m *C2SSub) c2s() {}

func (m *C2SSub) Encode() []byte {
	out := make([]byte, c2sSubLen)
	out[0] = OpC2SSub
	copy(out[1:], m.Target[:])
	return out
}

// C2SUnsub removes a subscription previously created by C2SSub.
type C2SUnsub struct {
	Target uuid.UUID
}

func (m *C2SUnsub) c2s() {}

func (m *C2SUnsub) Encode() []byte {
	out := make([]byte, c2sSubLen)
	out[0] = OpC2SUnsub
	copy(out[1:], m.Target[:])
	return out
}

// DecodeC2S decodes one client→server frame. The returned message aliases
// buf for variable-length payloads, so callers must not mutate buf while
// the message is live.
func DecodeC2S(buf []byte) (C2SMessage, error) {
	if len(buf) == 0 {
		return nil, &BadLengthError{Name: "C2SMessage", Want: 1, Got: 0}
	}
	switch buf[0] {
	case OpC2SToken:
		return &C2SToken{Token: string(buf[1:])}, nil
	case OpC2SPing:
		if len(buf) < c2sPingMin {
			return nil, &BadLengthError{Name: "C2SMessage::Ping", Want: c2sPingMin, Got: len(buf)}
		}
		return &C2SPing{
			ID:   binary.BigEndian.Uint32(buf[1:5]),
			Sync: buf[5] != 0,
			Data: buf[6:],
		}, nil
	case OpC2SSub:
		if len(buf) != c2sSubLen {
			return nil, &BadLengthError{Name: "C2SMessage::Sub", Want: c2sSubLen, Exact: true, Got: len(buf)}
		}
		return &C2SSub{Target: uuid.UUID(buf[1:17])}, nil
	case OpC2SUnsub:
		if len(buf) != c2sSubLen {
			return nil, &BadLengthError{Name: "C2SMessage::Unsub", Want: c2sSubLen, Exact: true, Got: len(buf)}
		}
		return &C2SUnsub{Target: uuid.UUID(buf[1:17])}, nil
	default:
		return nil, &BadEnumError{Field: "C2SMessage.type", Lo: 0, Hi: 3, Got: buf[0]}
	}
}

// FanOutPing rewrites a raw client ping frame into its server→client form by
// inserting the publisher's UUID between the opcode and the ping id. This is
// the only mutation performed on the fan-out path; the rest of the frame is
// copied verbatim.
func FanOutPing(sender uuid.UUID, c2s []byte) []byte {
	out := make([]byte, len(c2s)+uuidLen)
	out[0] = OpS2CPing
	copy(out[1:17], sender[:])
	copy(out[17:], c2s[1:])
	return out
}
