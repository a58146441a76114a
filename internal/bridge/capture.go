package bridge

import (
	"context"
	"errors"

	"github.com/tabscribe/bridge/internal/audio"
	"github.com/tabscribe/bridge/internal/capture"
	"github.com/tabscribe/bridge/internal/health"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
	"github.com/tabscribe/bridge/internal/wire"
)

// startCapture begins a session on tabID; zero means the tracked meeting
// tab. respond is nil for desktop-initiated starts, which get their answer
// as a capture_started message instead.
func (b *Bridge) startCapture(tabID int, respond func(host.UIResult)) {
	fail := func(kind, msg string) {
		log.Warn("capture start refused", logging.KeyTabID, tabID, "reason", msg)
		if respond != nil {
			respond(host.UIResult{OK: false, ErrorKind: kind, Message: msg})
		}
	}

	if tabID == 0 {
		tabID = b.state.meetingTab
	}
	if tabID == 0 {
		fail(ipc.ErrKindNoTab, "no meeting tab")
		return
	}
	page, ok := b.host.Page(tabID)
	if !ok {
		fail(ipc.ErrKindNoTab, "no page attached for tab")
		return
	}

	name, url := b.meetingIdentity(tabID, page.Tab())
	sess, err := b.ctrl.Begin(tabID, name, url)
	if err != nil {
		fail(ipc.ErrKindAlreadyCapturing, err.Error())
		return
	}

	// The reply waits for the acquisition result.
	b.state.pendingStart = respond

	spec := host.CaptureSpec{SampleRate: b.cfg.SampleRate, BufferSize: b.cfg.BufferSize}
	sessionID := sess.ID
	go func() {
		// Acquisition and pipeline validation both talk to the page, so
		// they stay off the loop.
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AcquireTimeout)
		defer cancel()
		handle, err := page.BeginCapture(ctx, spec)
		if err != nil {
			b.post(evCaptureReady{tabID: tabID, sessionID: sessionID, err: err})
			return
		}
		p, err := audio.NewPipeline(ctx, handle, audio.Config{
			SampleRate: spec.SampleRate,
			BufferSize: spec.BufferSize,
		}, b.emitFrame)
		if err != nil {
			b.post(evCaptureReady{tabID: tabID, sessionID: sessionID, err: err})
			return
		}
		b.post(evCaptureReady{tabID: tabID, sessionID: sessionID, pipeline: p})
	}()
	log.Info("capture starting", logging.KeySessionID, sessionID, logging.KeyTabID, tabID)
}

// onCaptureReady lands the acquisition result back in the loop.
func (b *Bridge) onCaptureReady(e evCaptureReady) {
	phase, sess := b.ctrl.Current()
	if sess.ID != e.sessionID {
		// A different session took over; this result is stale.
		if e.pipeline != nil {
			b.teardownAsync(e.pipeline, "")
		}
		return
	}

	if phase == capture.Stopping {
		// A stop raced the acquisition. Release whatever arrived, then
		// finish the stop.
		if e.pipeline != nil {
			b.teardownAsync(e.pipeline, e.sessionID)
		} else {
			b.finishStop()
		}
		return
	}
	if phase != capture.Starting {
		if e.pipeline != nil {
			b.teardownAsync(e.pipeline, "")
		}
		return
	}

	if e.err != nil {
		b.ctrl.Abort(e.err)
		b.replyStartError(e.err)
		return
	}

	p := e.pipeline
	sess, err := b.ctrl.Confirm()
	if err != nil {
		// Guard only; the loop is the sole caller of Confirm.
		log.Error("capture confirm failed", logging.KeyError, err)
		go p.Teardown(context.Background())
		return
	}

	b.pipeline.Store(p)
	b.pipelineTab.Store(int64(e.tabID))
	b.monitor.Update("capture", health.Healthy, "capturing")

	if respond := b.state.pendingStart; respond != nil {
		b.state.pendingStart = nil
		snap := b.snapshot()
		respond(host.UIResult{OK: true, Status: &snap})
	}

	if started, merr := wire.New(wire.TypeCaptureStarted, wire.CaptureStartedPayload{
		TabID:       sess.TabID,
		MeetingName: sess.MeetingName,
		URL:         sess.URL,
	}); merr == nil {
		if serr := b.link.Send(started); serr != nil {
			log.Debug("capture_started send failed", logging.KeyError, serr)
		}
	}
	b.host.NotifyUI(ipc.TypeCaptureStarted, ipc.CaptureEvent{
		TabID: sess.TabID, SessionID: sess.ID, MeetingName: sess.MeetingName,
	})
	b.updateBadge()
	log.Info("capture started",
		logging.KeySessionID, sess.ID,
		logging.KeyTabID, sess.TabID,
		logging.KeyPlatform, b.state.platform)
}

func (b *Bridge) replyStartError(err error) {
	kind := ipc.ErrKindInternal
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		kind = ipc.ErrKindPermissionDenied
	case errors.Is(err, audio.ErrNoAudioTrack):
		kind = ipc.ErrKindNoAudioTrack
	}
	log.Warn("capture start failed", logging.KeyError, err)
	if respond := b.state.pendingStart; respond != nil {
		b.state.pendingStart = nil
		respond(host.UIResult{OK: false, ErrorKind: kind, Message: err.Error()})
	}
	b.updateBadge()
}

// teardownAsync tears a pipeline down off the loop. With a session ID it
// reports completion back as an event; without one the pipeline is an
// orphan nobody waits for.
func (b *Bridge) teardownAsync(p *audio.Pipeline, sessionID string) {
	timeout := b.cfg.TeardownTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.Teardown(ctx); err != nil {
			log.Warn("teardown finished with errors",
				logging.KeySessionID, sessionID, logging.KeyError, err)
		}
		if sessionID != "" {
			b.post(evTeardownDone{sessionID: sessionID})
		}
	}()
}

// stopCapture initiates a stop. With nothing active the caller gets an
// immediate OK, which makes stop requests idempotent.
func (b *Bridge) stopCapture(reason capture.StopReason, respond func(host.UIResult)) {
	sess, ok := b.ctrl.BeginStop(reason)
	if !ok {
		if respond != nil {
			respond(host.UIResult{OK: true, Message: "not capturing"})
		}
		return
	}
	if respond != nil {
		b.state.pendingStop = append(b.state.pendingStop, respond)
	}

	// Fast path off before anything else; chunks drop from here on.
	p := b.pipeline.Swap(nil)
	b.pipelineTab.Store(0)

	if p == nil {
		// Still acquiring; onCaptureReady completes the stop.
		log.Info("stop requested during acquisition", logging.KeySessionID, sess.ID)
		return
	}
	b.teardownAsync(p, sess.ID)
}

func (b *Bridge) onTeardownDone(e evTeardownDone) {
	_, sess := b.ctrl.Current()
	if sess.ID != e.sessionID {
		return
	}
	b.finishStop()
}

// finishStop settles the Stopping phase: answers every held reply, tells
// the desktop when it had been told about the start, and resets state.
func (b *Bridge) finishStop() {
	sess, reason, confirmed := b.ctrl.FinishStop()
	if sess.ID == "" {
		return
	}

	if respond := b.state.pendingStart; respond != nil {
		b.state.pendingStart = nil
		respond(host.UIResult{
			OK:        false,
			ErrorKind: ipc.ErrKindInternal,
			Message:   "capture stopped before it started",
		})
	}
	for _, respond := range b.state.pendingStop {
		respond(host.UIResult{OK: true})
	}
	b.state.pendingStop = nil
	b.monitor.Update("capture", health.Healthy, "idle")

	if confirmed {
		if stopped, merr := wire.New(wire.TypeCaptureStopped, wire.CaptureStoppedPayload{
			TabID:  sess.TabID,
			Reason: string(reason),
		}); merr == nil {
			if serr := b.link.Send(stopped); serr != nil {
				log.Debug("capture_stopped send failed", logging.KeyError, serr)
			}
		}
	}
	b.host.NotifyUI(ipc.TypeCaptureStopped, ipc.CaptureEvent{
		TabID:       sess.TabID,
		SessionID:   sess.ID,
		MeetingName: sess.MeetingName,
		Reason:      string(reason),
	})
	b.updateBadge()
	log.Info("capture stopped",
		logging.KeySessionID, sess.ID,
		"reason", reason,
		"confirmed", confirmed)
}

// forceStop stops the capture bound to tabID for an external cause. A
// no-op when that tab holds no session.
func (b *Bridge) forceStop(tabID int, reason capture.StopReason) {
	active, ok := b.ctrl.ActiveTab()
	if !ok || active != tabID {
		return
	}
	log.Info("forcing capture stop", logging.KeyTabID, tabID, "reason", reason)
	b.stopCapture(reason, nil)
}

// emitFrame runs on whatever goroutine pushed the samples. Drop-newest:
// SendFrame sheds when the socket is down or the queue is full, and counts
// what it sheds.
func (b *Bridge) emitFrame(f audio.Frame) {
	_ = b.link.SendFrame(f)
}
