package bridge

import (
	"github.com/tabscribe/bridge/internal/capture"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
)

// runtimeState is every mutable fact the loop owns outside the capture
// controller. Nothing else reads or writes it.
type runtimeState struct {
	// Tracked meeting. Zero meetingTab means no meeting anywhere.
	meetingTab  int
	platform    string
	meetingName string
	meetingURL  string

	// Popup replies held open across async capture work. At most one
	// start is in flight; any number of stops may pile up on it.
	pendingStart func(host.UIResult)
	pendingStop  []func(host.UIResult)
}

// snapshot builds the status answer for popups and the desktop.
func (b *Bridge) snapshot() ipc.StatusSnapshot {
	phase, sess := b.ctrl.Current()
	snap := ipc.StatusSnapshot{
		Connected:   b.link.Connected(),
		Capturing:   phase == capture.Capturing,
		Platform:    b.state.platform,
		MeetingName: b.state.meetingName,
		Health:      b.monitor.Components(),
	}
	if b.state.meetingTab != 0 {
		tab := ipc.TabDescriptor{ID: b.state.meetingTab, URL: b.state.meetingURL}
		if page, ok := b.host.Page(b.state.meetingTab); ok {
			tab = page.Tab()
		}
		snap.CurrentTab = &tab
	}
	if phase != capture.Idle {
		snap.SessionID = sess.ID
		snap.StartedAt = sess.StartedAt
		if snap.CurrentTab == nil {
			snap.CurrentTab = &ipc.TabDescriptor{ID: sess.TabID, URL: sess.URL}
		}
		if snap.MeetingName == "" {
			snap.MeetingName = sess.MeetingName
		}
	}
	return snap
}

// meetingIdentity names the meeting on tabID for a new session. The tab
// title wins when present; the platform name is the fallback.
func (b *Bridge) meetingIdentity(tabID int, tab ipc.TabDescriptor) (name, url string) {
	url = tab.URL
	if b.state.meetingTab == tabID {
		if b.state.meetingURL != "" {
			url = b.state.meetingURL
		}
		return b.state.meetingName, url
	}
	name = tab.Title
	if name == "" {
		if plat, ok := b.table.Match(tab.URL); ok {
			name = plat.Name
		}
	}
	return name, url
}

func (b *Bridge) clearMeeting() {
	tabID := b.state.meetingTab
	b.state.meetingTab = 0
	b.state.platform = ""
	b.state.meetingName = ""
	b.state.meetingURL = ""
	b.host.NotifyUI(ipc.TypeMeetingLeft, ipc.MeetingLeft{TabID: tabID})
	b.updateBadge()
}

// updateBadge derives the toolbar badge from current state. Capture wins
// over mere detection.
func (b *Bridge) updateBadge() {
	var badge ipc.Badge
	phase, _ := b.ctrl.Current()
	switch {
	case phase == capture.Capturing:
		badge = ipc.Badge{Text: "REC", Color: "#d93025", Visible: true}
	case b.state.meetingTab != 0:
		badge = ipc.Badge{Text: "MTG", Color: "#188038", Visible: true}
	}
	if err := b.host.SetBadge(badge); err != nil {
		log.Debug("badge update failed", logging.KeyError, err)
	}
}
