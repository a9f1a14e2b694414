package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// Server→client opcodes.
const (
	OpS2CAuth   byte = 0x00
	OpS2CPing   byte = 0x01
	OpS2CEvent  byte = 0x02
	OpS2CToast  byte = 0x03
	OpS2CChat   byte = 0x04
	OpS2CNotice byte = 0x05
)

// Toast severities understood by the client.
const (
	ToastInfo   uint8 = 0
	ToastWarn   uint8 = 1
	ToastError  uint8 = 2
	ToastCheese uint8 = 3
)

// S2CMessage is one decoded server→client frame.
type S2CMessage interface {
	Encode() []byte
	s2c()
}

// S2CAuth confirms token acceptance.
type S2CAuth struct{}

func (m *S2CAuth) s2c() {}

func (m *S2CAuth) Encode() []byte { return []byte{OpS2CAuth} }

// S2CPing is a fanned-out ping, stamped with the publisher's UUID.
type S2CPing struct {
	Sender uuid.UUID
	ID     uint32
	Sync   bool
	Data   []byte
}

func (m *S2CPing) s2c() {}

func (m *S2CPing) Encode() []byte {
	out := make([]byte, s2cPingMin+len(m.Data))
	out[0] = OpS2CPing
	copy(out[1:17], m.Sender[:])
	binary.BigEndian.PutUint32(out[17:21], m.ID)
	if m.Sync {
		out[21] = 1
	}
	copy(out[22:], m.Data)
	return out
}

// S2CEvent tells the client that the named user's stored avatar changed.
type S2CEvent struct {
	User uuid.UUID
}

func (m *S2CEvent) s2c() {}

func (m *S2CEvent) Encode() []byte {
	out := make([]byte, s2cEventLen)
	out[0] = OpS2CEvent
	copy(out[1:], m.User[:])
	return out
}

// S2CToast shows a popup on the client. The header runs to the first NUL
// byte or the end of the frame; when a NUL is present the body is the
// remainder, which may be empty. HasBody distinguishes "no body" from
// "empty body" so frames round-trip exactly.
type S2CToast struct {
	Severity uint8
	Header   string
	Body     string
	HasBody  bool
}

func (m *S2CToast) s2c() {}

func (m *S2CToast) Encode() []byte {
	out := make([]byte, 0, 2+len(m.Header)+1+len(m.Body))
	out = append(out, OpS2CToast, m.Severity)
	out = append(out, m.Header...)
	if m.HasBody {
		out = append(out, 0)
		out = append(out, m.Body...)
	}
	return out
}

// S2CChat puts a message into the client's chat.
type S2CChat struct {
	Text string
}

func (m *S2CChat) s2c() {}

func (m *S2CChat) Encode() []byte {
	out := make([]byte, 1+len(m.Text))
	out[0] = OpS2CChat
	copy(out[1:], m.Text)
	return out
}

// S2CNotice is a one-byte notification code.
type S2CNotice struct {
	Code uint8
}

func (m *S2CNotice) s2c() {}

func (m *S2CNotice) Encode() []byte { return []byte{OpS2CNotice, m.Code} }

// DecodeS2C decodes one server→client frame. The server only encodes these;
// the decoder exists for clients and for round-trip verification.
func DecodeS2C(buf []byte) (S2CMessage, error) {
	if len(buf) == 0 {
		return nil, &BadLengthError{Name: "S2CMessage", Want: 1, Got: 0}
	}
	switch buf[0] {
	case OpS2CAuth:
		if len(buf) != 1 {
			return nil, &BadLengthError{Name: "S2CMessage::Auth", Want: 1, Exact: true, Got: len(buf)}
		}
		return &S2CAuth{}, nil
	case OpS2CPing:
		if len(buf) < s2cPingMin {
			return nil, &BadLengthError{Name: "S2CMessage::Ping", Want: s2cPingMin, Got: len(buf)}
		}
		return &S2CPing{
			Sender: uuid.UUID(buf[1:17]),
			ID:     binary.BigEndian.Uint32(buf[17:21]),
			Sync:   buf[21] != 0,
			Data:   buf[22:],
		}, nil
	case OpS2CEvent:
		if len(buf) != s2cEventLen {
			return nil, &BadLengthError{Name: "S2CMessage::Event", Want: s2cEventLen, Exact: true, Got: len(buf)}
		}
		return &S2CEvent{User: uuid.UUID(buf[1:17])}, nil
	case OpS2CToast:
		if len(buf) < 2 {
			return nil, &BadLengthError{Name: "S2CMessage::Toast", Want: 2, Got: len(buf)}
		}
		m := &S2CToast{Severity: buf[1]}
		if i := bytes.IndexByte(buf[2:], 0); i >= 0 {
			m.Header = string(buf[2 : 2+i])
			m.Body = string(buf[2+i+1:])
			m.HasBody = true
		} else {
			m.Header = string(buf[2:])
		}
		return m, nil
	case OpS2CChat:
		return &S2CChat{Text: string(buf[1:])}, nil
	case OpS2CNotice:
		if len(buf) != 2 {
			return nil, &BadLengthError{Name: "S2CMessage::Notice", Want: 2, Exact: true, Got: len(buf)}
		}
		return &S2CNotice{Code: buf[1]}, nil
	default:
		return nil, &BadEnumError{Field: "S2CMessage.type", Lo: 0, Hi: 5, Got: buf[0]}
	}
}
