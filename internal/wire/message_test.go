package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	m, err := New(TypeHandshake, HandshakePayload{Source: "tabscribe-bridge", Version: ProtocolVersion})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != TypeHandshake {
		t.Fatalf("Type = %q, want %q", got.Type, TypeHandshake)
	}

	p, err := DecodePayload[HandshakePayload](got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Source != "tabscribe-bridge" || p.Version != ProtocolVersion {
		t.Fatalf("payload = %+v", p)
	}
}

func TestAudioDataTagIsUppercase(t *testing.T) {
	m, err := New(TypeAudioData, AudioDataPayload{Data: []int16{0, -32768, 32767}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"type":"AUDIO_DATA"`) {
		t.Fatalf("wire frame missing uppercase tag: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, err := DecodePayload[AudioDataPayload](got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(p.Data) != 3 || p.Data[1] != -32768 || p.Data[2] != 32767 {
		t.Fatalf("samples = %v", p.Data)
	}
	if p.SampleRate != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", p.SampleRate)
	}
}

func TestStatusNullTabID(t *testing.T) {
	m, err := New(TypeStatus, StatusPayload{IsCapturing: false, CurrentTabID: nil})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"currentTabId":null`) {
		t.Fatalf("untracked tab should serialize as null: %s", data)
	}

	tab := 7
	m2, _ := New(TypeStatus, StatusPayload{IsCapturing: true, CurrentTabID: &tab})
	data2, _ := m2.Encode()
	if !strings.Contains(string(data2), `"currentTabId":7`) {
		t.Fatalf("tracked tab should serialize as number: %s", data2)
	}
}

func TestBareMessageHasNoPayloadField(t *testing.T) {
	m, err := New(TypeCaptureStopped, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(data), "payload") {
		t.Fatalf("bare message should omit payload: %s", data)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not json at all"},
		{"missing type", `{"payload":{}}`},
		{"empty type", `{"type":"","payload":{}}`},
		{"wrong shape", `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("Decode(%q) err = %v, want ErrMalformedMessage", tc.data, err)
			}
		})
	}
}

func TestDecodeAcceptsUnknownType(t *testing.T) {
	got, err := Decode([]byte(`{"type":"future_thing","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("unknown type should parse, got: %v", err)
	}
	if got.Type != "future_thing" {
		t.Fatalf("Type = %q", got.Type)
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	m := &Message{Type: TypeStatus}
	if _, err := DecodePayload[StatusPayload](m); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("empty payload err = %v, want ErrMalformedMessage", err)
	}

	m2 := &Message{Type: TypeStatus, Payload: []byte(`"not an object"`)}
	if _, err := DecodePayload[StatusPayload](m2); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("mistyped payload err = %v, want ErrMalformedMessage", err)
	}
}
