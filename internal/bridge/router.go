package bridge

import (
	"github.com/tabscribe/bridge/internal/capture"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
	"github.com/tabscribe/bridge/internal/wire"
)

// routeDesktop handles one control message from the desktop app.
func (b *Bridge) routeDesktop(msg *wire.Message) {
	log.Debug("desktop message", logging.KeyMessageType, msg.Type)
	switch msg.Type {
	case wire.TypeStartCapture:
		b.startCapture(0, nil)
	case wire.TypeStopCapture:
		b.stopCapture(capture.ReasonDesktop, nil)
	case wire.TypeStatusRequest:
		b.sendDesktopStatus()
	default:
		log.Warn("unhandled desktop message", logging.KeyMessageType, msg.Type)
	}
}

func (b *Bridge) sendDesktopStatus() {
	phase, sess := b.ctrl.Current()
	payload := wire.StatusPayload{IsCapturing: phase == capture.Capturing}
	switch {
	case phase != capture.Idle:
		tabID := sess.TabID
		payload.CurrentTabID = &tabID
	case b.state.meetingTab != 0:
		// Idle with a tracked meeting: the desktop uses this tab to decide
		// whether start_capture can do anything.
		tabID := b.state.meetingTab
		payload.CurrentTabID = &tabID
	}
	msg, err := wire.New(wire.TypeStatus, payload)
	if err != nil {
		log.Error("status encode failed", logging.KeyError, err)
		return
	}
	if err := b.link.Send(msg); err != nil {
		log.Debug("status send failed", logging.KeyError, err)
	}
}

// routeUI handles one popup command. Respond always runs, immediately for
// lookups and after the async work for capture changes.
func (b *Bridge) routeUI(cmd host.UICommand) {
	log.Debug("ui command", logging.KeyMessageType, cmd.Type)
	switch cmd.Type {
	case ipc.TypeGetStatus:
		snap := b.snapshot()
		cmd.Respond(host.UIResult{OK: true, Status: &snap})
	case ipc.TypeStartCaptureRequest:
		b.startCapture(cmd.TabID, cmd.Respond)
	case ipc.TypeStopCaptureRequest:
		b.stopCapture(capture.ReasonUser, cmd.Respond)
	case ipc.TypeConnectRequest:
		// The link redials on its own schedule; report where it stands.
		snap := b.snapshot()
		cmd.Respond(host.UIResult{OK: snap.Connected, Status: &snap})
	default:
		cmd.Respond(host.UIResult{
			OK:        false,
			ErrorKind: ipc.ErrKindInternal,
			Message:   "unknown command",
		})
	}
}
