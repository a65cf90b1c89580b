package message

import (
	"errors"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	want := Hello{ClientID: "c1", Version: "1.0"}
	buf, err := Encode(TypeHello, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type != TypeHello {
		t.Fatalf("Type = %s, want HELLO", m.Type)
	}
	got, err := DecodeHello(m)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got != want {
		t.Fatalf("DecodeHello = %+v, want %+v", got, want)
	}
}

func TestModeSelectRoundTrip(t *testing.T) {
	buf, err := Encode(TypeModeSelect, ModeSelect{Mode: "secure_obfs"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := DecodeModeSelect(m)
	if err != nil {
		t.Fatalf("DecodeModeSelect: %v", err)
	}
	if got.Mode != "secure_obfs" {
		t.Fatalf("Mode = %s, want secure_obfs", got.Mode)
	}
}

func TestDecodeRejectsEmptyType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"","payload":{}}`))
	if !errors.Is(err, ErrMessageInvalid) {
		t.Fatalf("Decode empty type: err = %v, want ErrMessageInvalid", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	if !errors.Is(err, ErrMessageInvalid) {
		t.Fatalf("Decode malformed json: err = %v, want ErrMessageInvalid", err)
	}
}

func TestPayloadDecodersDoNotCheckType(t *testing.T) {
	buf, err := Encode(TypeMsg, Msg{Text: "hi", Sender: "a"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// DecodeKeyExchange against a MSG payload succeeds structurally (JSON is
	// permissive about unknown/missing fields); the mismatch that actually
	// matters is Type, which callers must check before decoding the payload.
	if _, err := DecodeKeyExchange(m); err != nil {
		t.Fatalf("DecodeKeyExchange on a MSG payload: %v, want success", err)
	}
	if m.Type != TypeMsg {
		t.Fatalf("Type = %s, want MSG", m.Type)
	}
}

func TestUnknownTypeDecodesButIsCallerClassified(t *testing.T) {
	buf, err := Encode(Type("NOT_A_REAL_TYPE"), struct{}{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type == TypeHello || m.Type == TypeMsg || m.Type == TypeError {
		t.Fatalf("Type = %s, want an unrecognized type", m.Type)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	buf, err := Encode(TypeError, ErrorPayload{Code: ErrorCodeModeMismatch, Detail: "client requested secure"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := DecodeError(m)
	if err != nil {
		t.Fatalf("DecodeError: %v", err)
	}
	if got.Code != ErrorCodeModeMismatch {
		t.Fatalf("Code = %s, want %s", got.Code, ErrorCodeModeMismatch)
	}
}

func TestByeRoundTrip(t *testing.T) {
	buf, err := Encode(TypeBye, Bye{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type != TypeBye {
		t.Fatalf("Type = %s, want BYE", m.Type)
	}
}
