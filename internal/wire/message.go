package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type constants for the desktop control socket. Audio frames keep
// an uppercase tag on the wire, unlike the control tags.
const (
	TypeHandshake      = "handshake"
	TypeStatusRequest  = "status_request"
	TypeStatus         = "status"
	TypeStartCapture   = "start_capture"
	TypeStopCapture    = "stop_capture"
	TypeCaptureStarted = "capture_started"
	TypeCaptureStopped = "capture_stopped"
	TypeAudioData      = "AUDIO_DATA"
)

// ProtocolVersion identifies the control protocol in the handshake.
const ProtocolVersion = "1.0"

// MaxMessageSize caps one serialized message (1MB). An AUDIO_DATA frame of
// 4096 samples stays well under 64KB.
const MaxMessageSize = 1 * 1024 * 1024

// ErrMalformedMessage reports an inbound frame that could not be parsed.
// Callers log and discard; connection state is unaffected.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the tagged union exchanged with the desktop process, one JSON
// text frame per message.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandshakePayload identifies the client variant and protocol version.
// Sent first after every socket open.
type HandshakePayload struct {
	Source  string `json:"source"`
	Version string `json:"version"`
}

// StatusPayload answers a status_request. CurrentTabID is null while no
// tab is tracked.
type StatusPayload struct {
	IsCapturing  bool `json:"isCapturing"`
	CurrentTabID *int `json:"currentTabId"`
}

// CaptureStartedPayload announces a new capture session.
type CaptureStartedPayload struct {
	TabID       int    `json:"tabId"`
	MeetingName string `json:"meetingName,omitempty"`
	URL         string `json:"url,omitempty"`
}

// CaptureStoppedPayload announces the end of a capture session.
type CaptureStoppedPayload struct {
	TabID  int    `json:"tabId"`
	Reason string `json:"reason,omitempty"`
}

// AudioDataPayload carries one converted audio frame.
type AudioDataPayload struct {
	Data       []int16 `json:"data"`
	SampleRate int     `json:"sampleRate"`
}

// New builds a message of the given type, marshaling payload when non-nil.
func New(typ string, payload any) (*Message, error) {
	m := &Message{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// Encode serializes the message to one wire frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one inbound frame. Unknown types are accepted here and
// left to the router; structural failures return ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedMessage, MaxMessageSize)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return &m, nil
}

// DecodePayload unmarshals the payload into the given type.
func DecodePayload[T any](m *Message) (T, error) {
	var out T
	if len(m.Payload) == 0 {
		return out, fmt.Errorf("%w: %s payload is empty", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, m.Type, err)
	}
	return out, nil
}
