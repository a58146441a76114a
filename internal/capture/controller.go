// Package capture tracks the lifecycle of the single capture session the
// bridge allows at a time. The controller is a plain state machine; the
// bridge event loop is the only writer and decides what to do on each
// transition.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabscribe/bridge/internal/logging"
)

// Phase is the capture lifecycle state.
type Phase int

const (
	// Idle means no capture exists and none is being set up.
	Idle Phase = iota
	// Starting means acquisition is in flight on the page peer.
	Starting
	// Capturing means audio is flowing.
	Capturing
	// Stopping means teardown is in flight.
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrAlreadyCapturing rejects a start request while a session exists in
// any phase other than Idle.
var ErrAlreadyCapturing = errors.New("a capture is already in progress")

// StopReason records what ended a session, for logs and notifications.
type StopReason string

const (
	ReasonUser        StopReason = "user"
	ReasonDesktop     StopReason = "desktop"
	ReasonMeetingLeft StopReason = "meeting_left"
	ReasonTabClosed   StopReason = "tab_closed"
	ReasonPeerLost    StopReason = "peer_lost"
	ReasonShutdown    StopReason = "shutdown"
	ReasonError       StopReason = "error"
)

// Session identifies one capture from start request to final stop. A
// session exists exactly while the phase is not Idle.
type Session struct {
	ID          string
	TabID       int
	MeetingName string
	URL         string
	StartedAt   time.Time
}

// Controller holds the capture phase and session. Methods return the
// session affected so the caller can notify without re-reading state.
type Controller struct {
	mu         sync.Mutex
	phase      Phase
	session    Session
	confirmed  bool
	stopReason StopReason
	log        *slog.Logger
	now        func() time.Time
}

func New() *Controller {
	return &Controller{
		log: logging.L("capture"),
		now: time.Now,
	}
}

// Begin moves Idle to Starting and mints the session identity. Any other
// phase returns ErrAlreadyCapturing.
func (c *Controller) Begin(tabID int, meetingName, url string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Idle {
		return Session{}, ErrAlreadyCapturing
	}
	c.session = Session{
		ID:          uuid.NewString(),
		TabID:       tabID,
		MeetingName: meetingName,
		URL:         url,
		StartedAt:   c.now(),
	}
	c.confirmed = false
	c.setPhase(Starting, "start requested")
	return c.session, nil
}

// Confirm moves Starting to Capturing once acquisition succeeded. If a
// stop raced in first the call fails and the caller must release whatever
// it acquired.
func (c *Controller) Confirm() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Starting {
		return Session{}, fmt.Errorf("cannot confirm capture in phase %s", c.phase)
	}
	c.confirmed = true
	c.setPhase(Capturing, "acquisition succeeded")
	return c.session, nil
}

// Abort moves Starting back to Idle after a failed acquisition. The
// session never reached Capturing, so no stop notifications are owed.
func (c *Controller) Abort(cause error) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Starting {
		return Session{}, fmt.Errorf("cannot abort capture in phase %s", c.phase)
	}
	s := c.session
	c.log.Warn("capture aborted",
		logging.KeySessionID, s.ID,
		logging.KeyTabID, s.TabID,
		logging.KeyError, cause)
	c.reset(Idle, "acquisition failed")
	return s, nil
}

// BeginStop moves Starting or Capturing to Stopping. In Idle or Stopping
// it reports false and changes nothing, which makes stop requests
// idempotent.
func (c *Controller) BeginStop(reason StopReason) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Starting && c.phase != Capturing {
		return Session{}, false
	}
	c.stopReason = reason
	c.setPhase(Stopping, string(reason))
	return c.session, true
}

// FinishStop moves Stopping to Idle after teardown completed. It reports
// whether the session had been confirmed, i.e. whether anyone was told the
// capture started and so must be told it stopped.
func (c *Controller) FinishStop() (Session, StopReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Stopping {
		return Session{}, "", false
	}
	s := c.session
	reason := c.stopReason
	confirmed := c.confirmed
	c.reset(Idle, string(reason))
	return s, reason, confirmed
}

// Current returns the phase and, outside Idle, the session.
func (c *Controller) Current() (Phase, Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, c.session
}

// Busy reports whether a session exists in any phase.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase != Idle
}

// ActiveTab returns the session's tab while a session exists.
func (c *Controller) ActiveTab() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Idle {
		return 0, false
	}
	return c.session.TabID, true
}

// setPhase logs the named transition. Callers hold the lock.
func (c *Controller) setPhase(to Phase, why string) {
	c.log.Info("capture transition",
		"from", c.phase.String(),
		"to", to.String(),
		"why", why,
		logging.KeySessionID, c.session.ID,
		logging.KeyTabID, c.session.TabID)
	c.phase = to
}

// reset returns to Idle and clears the session so the phase-implies-session
// invariant holds. Callers hold the lock.
func (c *Controller) reset(to Phase, why string) {
	c.setPhase(to, why)
	c.session = Session{}
	c.confirmed = false
	c.stopReason = ""
}
