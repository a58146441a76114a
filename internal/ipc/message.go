package ipc

import (
	"encoding/json"
	"time"
)

// Message type constants for broker traffic. Peers attach with one of
// three roles: "browser" (tab events, badge), "page" (one per meeting tab),
// "popup" (UI). Popup request/event tags are uppercase on the wire.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeReply    = "reply"
	TypeBye      = "bye"

	// Browser role
	TypeQueryTabs  = "query_tabs"
	TypeTabsResult = "tabs_result"
	TypeTabUpdated = "tab_updated"
	TypeTabClosed  = "tab_closed"
	TypeBadge      = "badge"

	// Page role
	TypeProbe          = "probe"
	TypeProbeResult    = "probe_result"
	TypeVisibility     = "visibility"
	TypeBeginCapture   = "begin_capture"
	TypeCaptureResult  = "capture_result"
	TypeStopVideo      = "stop_video"
	TypeReleaseNode    = "release_node"
	TypeReleaseContext = "release_context"
	TypeReleaseTracks  = "release_tracks"
	TypeAudioBuffer    = "audio_buffer"

	// Popup role: requests
	TypeGetStatus           = "GET_STATUS"
	TypeStartCaptureRequest = "START_CAPTURE_REQUEST"
	TypeStopCaptureRequest  = "STOP_CAPTURE_REQUEST"
	TypeConnectRequest      = "CONNECT_REQUEST"

	// Popup role: events
	TypeConnectionStatus = "CONNECTION_STATUS"
	TypeCaptureStarted   = "CAPTURE_STARTED"
	TypeCaptureStopped   = "CAPTURE_STOPPED"
	TypeMeetingDetected  = "MEETING_DETECTED"
	TypeMeetingLeft      = "MEETING_LEFT"
)

// Peer roles accepted in hello.
const (
	RoleBrowser = "browser"
	RolePage    = "page"
	RolePopup   = "popup"
)

// Error kinds carried in replies so the popup can tell user-facing
// failures apart.
const (
	ErrKindPermissionDenied = "permission_denied"
	ErrKindNoAudioTrack     = "no_audio_track"
	ErrKindAlreadyCapturing = "already_capturing"
	ErrKindNoTab            = "no_tab"
	ErrKindInternal         = "internal"
)

// MaxMessageSize is the maximum size of a JSON broker message (1MB).
// A 4096-sample float32 audio buffer is ~22KB encoded.
const MaxMessageSize = 1 * 1024 * 1024

// ProtocolVersion is the current broker protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all broker messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// TabDescriptor identifies a browser tab across the broker boundary.
type TabDescriptor struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Hello is sent by a peer immediately after connecting.
type Hello struct {
	ProtocolVersion int            `json:"protocolVersion"`
	Role            string         `json:"role"`
	PID             int            `json:"pid"`
	Tab             *TabDescriptor `json:"tab,omitempty"` // required for page role
}

// HelloAck is the bridge's answer; SessionKey keys all further HMACs.
type HelloAck struct {
	Accepted   bool   `json:"accepted"`
	SessionKey string `json:"sessionKey,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Reply is the generic payload for request replies that carry no snapshot.
type Reply struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StatusSnapshot answers GET_STATUS.
type StatusSnapshot struct {
	Connected   bool              `json:"connected"`
	Capturing   bool              `json:"capturing"`
	CurrentTab  *TabDescriptor    `json:"currentTab,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	MeetingName string            `json:"meetingName,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	Health      map[string]string `json:"health,omitempty"`
}

// StartCaptureRequest asks the bridge to start capturing the given tab.
type StartCaptureRequest struct {
	TabID int `json:"tabId"`
}

// TabsResult answers query_tabs.
type TabsResult struct {
	Tabs []TabDescriptor `json:"tabs"`
}

// TabClosed reports a closed tab.
type TabClosed struct {
	TabID int `json:"tabId"`
}

// Badge asks the browser to update the toolbar badge.
type Badge struct {
	Text    string `json:"text"`
	Color   string `json:"color,omitempty"`
	Visible bool   `json:"visible"`
}

// Probe asks a page to check for the given DOM selectors.
type Probe struct {
	Selectors []string `json:"selectors"`
}

// ProbeResult reports selector presence plus the page's current URL, so
// in-page navigation is observed without a tab event.
type ProbeResult struct {
	URL     string `json:"url"`
	Present []bool `json:"present"`
}

// Visibility reports a page visibility transition.
type Visibility struct {
	Visible bool `json:"visible"`
}

// BeginCapture asks a page to acquire its display/tab media stream.
type BeginCapture struct {
	SampleRate   int  `json:"sampleRate"`
	BufferSize   int  `json:"bufferSize"`
	IncludeVideo bool `json:"includeVideo"`
}

// CaptureResult reports the outcome of begin_capture.
type CaptureResult struct {
	OK          bool   `json:"ok"`
	AudioTracks int    `json:"audioTracks"`
	VideoTracks int    `json:"videoTracks"`
	ErrorKind   string `json:"errorKind,omitempty"`
	Message     string `json:"message,omitempty"`
}

// AudioBuffer carries one buffer of float32 samples, little-endian packed.
type AudioBuffer struct {
	PCM        []byte `json:"pcm"`
	SampleRate int    `json:"sampleRate"`
}

// ConnectionStatus is broadcast to popups when the desktop link changes.
type ConnectionStatus struct {
	Connected bool `json:"connected"`
}

// MeetingDetected is broadcast to popups when a page joins a meeting.
type MeetingDetected struct {
	TabID       int    `json:"tabId"`
	MeetingName string `json:"meetingName"`
	URL         string `json:"url"`
}

// MeetingLeft is broadcast to popups when the tracked meeting ends.
type MeetingLeft struct {
	TabID int `json:"tabId"`
}

// CaptureEvent is broadcast to popups on capture start and stop.
type CaptureEvent struct {
	TabID       int    `json:"tabId"`
	SessionID   string `json:"sessionId"`
	MeetingName string `json:"meetingName,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
