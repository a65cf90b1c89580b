// Package message encodes and decodes typed application messages carried
// as Transport payloads: a tagged union over the session protocol's record
// types, serialized as JSON.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names a message variant. Unknown types decode successfully but are
// treated as ERROR by callers per the protocol's "unknown type" rule.
type Type string

const (
	TypeHello       Type = "HELLO"
	TypeModeSelect  Type = "MODE_SELECT"
	TypeKeyExchange Type = "KEY_EXCHANGE"
	TypeMsg         Type = "MSG"
	TypeAckMsg      Type = "ACK_MSG"
	TypeError       Type = "ERROR"
	TypeBye         Type = "BYE"
)

// ErrMessageInvalid is returned when a message cannot be decoded into a
// known payload shape.
var ErrMessageInvalid = errors.New("message: invalid message")

// Message is the wire record: a type tag plus a type-specific payload.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a typed payload into a Message's wire bytes.
func Encode(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("message: marshal payload for %s: %w", t, err)
	}
	buf, err := json.Marshal(Message{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("message: marshal envelope for %s: %w", t, err)
	}
	return buf, nil
}

// Decode parses the wire envelope without interpreting its payload; callers
// then switch on Type and call one of the Decode<Type> helpers.
func Decode(buf []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(buf, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message: empty type: %w", ErrMessageInvalid)
	}
	return m, nil
}

// Hello is the HELLO payload: the sender's identity and protocol version.
type Hello struct {
	ClientID string `json:"client_id"`
	Version  string `json:"version"`
}

// ModeSelect is the MODE_SELECT payload: the proposed or echoed mode name.
type ModeSelect struct {
	Mode string `json:"mode"`
}

// KeyExchange is the KEY_EXCHANGE payload: a base64-encoded 16-byte AES key.
// It is transmitted in cleartext, before the session key is installed.
type KeyExchange struct {
	Key string `json:"key"`
}

// Msg is the MSG payload: application text plus the sending identity.
type Msg struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// AckMsg is the ACK_MSG payload, an advisory acknowledgment at the
// application level independent of Transport's own ACK.
type AckMsg struct {
	MsgID string `json:"msg_id,omitempty"`
}

// ErrorPayload is the ERROR payload.
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Bye is the BYE payload, always empty.
type Bye struct{}

// Error message codes used in ErrorPayload.Code.
const (
	ErrorCodeModeMismatch = "MODE_MISMATCH"
	ErrorCodeCrypto       = "CRYPTO"
	ErrorCodeProtocol     = "PROTOCOL"
)

// DecodeHello parses m's payload as a Hello record.
func DecodeHello(m Message) (Hello, error) {
	var h Hello
	if err := json.Unmarshal(m.Payload, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	return h, nil
}

// DecodeModeSelect parses m's payload as a ModeSelect record.
func DecodeModeSelect(m Message) (ModeSelect, error) {
	var ms ModeSelect
	if err := json.Unmarshal(m.Payload, &ms); err != nil {
		return ModeSelect{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	return ms, nil
}

// DecodeKeyExchange parses m's payload as a KeyExchange record.
func DecodeKeyExchange(m Message) (KeyExchange, error) {
	var ke KeyExchange
	if err := json.Unmarshal(m.Payload, &ke); err != nil {
		return KeyExchange{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	return ke, nil
}

// DecodeMsg parses m's payload as a Msg record.
func DecodeMsg(m Message) (Msg, error) {
	var msg Msg
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		return Msg{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	return msg, nil
}

// DecodeAckMsg parses m's payload as an AckMsg record.
func DecodeAckMsg(m Message) (AckMsg, error) {
	var a AckMsg
	if err := json.Unmarshal(m.Payload, &a); err != nil {
		return AckMsg{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	return a, nil
}

// DecodeError parses m's payload as an ErrorPayload record.
func DecodeError(m Message) (ErrorPayload, error) {
	var e ErrorPayload
	if err := json.Unmarshal(m.Payload, &e); err != nil {
		return ErrorPayload{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	return e, nil
}
