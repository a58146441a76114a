// Package host abstracts the browser extension surface: which peers are
// attached, how to probe and capture a page, and how to reach the toolbar
// and popup UI. The bridge core talks only to these interfaces; the real
// implementation is the exthost broker.
package host

import (
	"context"

	"github.com/tabscribe/bridge/internal/ipc"
)

// CaptureSpec configures an acquisition on a page.
type CaptureSpec struct {
	SampleRate int
	BufferSize int
}

// CaptureHandle is a live capture on a page peer. The audio pipeline owns
// calling the teardown methods, in its documented order.
type CaptureHandle interface {
	AudioTracks() int
	VideoTracks() int
	StopVideo(ctx context.Context) error
	DisconnectProcessor(ctx context.Context) error
	CloseAudioContext(ctx context.Context) error
	StopTracks(ctx context.Context) error
}

// Page is one attached meeting-page peer.
type Page interface {
	Tab() ipc.TabDescriptor
	// ProbeDOM reports the page's current URL and, per selector, whether a
	// matching element exists. A nil selector list fetches the URL alone.
	ProbeDOM(ctx context.Context, selectors []string) (url string, present []bool, err error)
	// BeginCapture acquires the page's media stream. Blocks until the user
	// answers the picker or ctx expires.
	BeginCapture(ctx context.Context, spec CaptureSpec) (CaptureHandle, error)
}

// UICommand is a popup request the bridge must answer. Respond may be
// called exactly once, immediately or after async work completes; the
// underlying reply stays open until then.
type UICommand struct {
	Type    string
	TabID   int
	Respond func(UIResult)
}

// UIResult answers a UICommand. Status is set for GET_STATUS only.
type UIResult struct {
	OK        bool
	ErrorKind string
	Message   string
	Status    *ipc.StatusSnapshot
}

// Handler receives host events. Calls arrive on peer read goroutines;
// implementations hand off quickly. AudioChunk in particular is on the
// capture hot path.
type Handler interface {
	PageAttached(p Page)
	PageDetached(tabID int)
	TabUpdated(tab ipc.TabDescriptor)
	TabClosed(tabID int)
	PageVisible(tabID int, visible bool)
	AudioChunk(tabID int, pcm []float32, sampleRate int)
	UICommand(cmd UICommand)
}

// Host is the browser surface the bridge drives.
type Host interface {
	// Tabs queries the browser peer for currently open tabs.
	Tabs(ctx context.Context) ([]ipc.TabDescriptor, error)
	// Page returns the attached page peer for a tab.
	Page(tabID int) (Page, bool)
	// Pages returns all attached page peers.
	Pages() []Page
	// SetBadge updates the toolbar badge. Fire-and-forget.
	SetBadge(b ipc.Badge) error
	// NotifyUI broadcasts a fire-and-forget event to every popup peer.
	NotifyUI(event string, payload any)
}
