// Package bridge is the coordination core: one event loop owns all mutable
// state and every worker reports back into it. Detection, capture phases,
// badge, popup replies and desktop control traffic all pass through the
// loop; only audio frames take a direct path to the link.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabscribe/bridge/internal/audio"
	"github.com/tabscribe/bridge/internal/capture"
	"github.com/tabscribe/bridge/internal/detect"
	"github.com/tabscribe/bridge/internal/health"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
	"github.com/tabscribe/bridge/internal/wire"
)

var log = logging.L("bridge")

// ErrStopped reports a call against a bridge that has shut down.
var ErrStopped = errors.New("bridge: stopped")

// Link is the desktop side of the bridge. desklink.Client implements it.
type Link interface {
	Send(msg *wire.Message) error
	SendFrame(f audio.Frame) error
	Connected() bool
}

// Config tunes the bridge. Zero values take defaults.
type Config struct {
	SampleRate    int
	BufferSize    int
	ProbeInterval time.Duration

	// AcquireTimeout bounds how long a page may take to hand over a
	// media stream; the user may be staring at a share picker.
	AcquireTimeout  time.Duration
	TeardownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.BufferSize <= 0 {
		c.BufferSize = audio.DefaultBufferSize
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = detect.DefaultInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 10 * time.Second
	}
	return c
}

// Events posted into the loop. Each carries exactly what its handler needs.
type (
	evPageAttached struct{ page host.Page }
	evPageDetached struct{ tabID int }
	evTabUpdated   struct{ tab ipc.TabDescriptor }
	evTabClosed    struct{ tabID int }
	evPageVisible  struct {
		tabID   int
		visible bool
	}
	evMeetingDetected struct {
		tabID    int
		platform string
		url      string
	}
	evMeetingLeft struct{ tabID int }
	evLinkStatus  struct{ connected bool }
	evLinkMessage struct{ msg *wire.Message }
	evUICommand   struct{ cmd host.UICommand }
	evCaptureReady struct {
		tabID     int
		sessionID string
		pipeline  *audio.Pipeline
		err       error
	}
	evTeardownDone struct{ sessionID string }
	evStatusReq    struct{ reply chan ipc.StatusSnapshot }
)

// Bridge runs the event loop.
type Bridge struct {
	cfg     Config
	host    host.Host
	link    Link
	table   *detect.Table
	ctrl    *capture.Controller
	monitor *health.Monitor

	events chan any
	quit   chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	// Audio fast path. AudioChunk reads these without the loop.
	pipeline     atomic.Pointer[audio.Pipeline]
	pipelineTab  atomic.Int64
	audioDropped atomic.Int64

	// Loop-owned. Only the run goroutine touches these.
	detectors map[int]*detect.Detector
	state     runtimeState
}

// New builds a bridge over the given host and desktop link.
func New(cfg Config, h host.Host, link Link, table *detect.Table) *Bridge {
	monitor := health.NewMonitor()
	monitor.Update("desklink", health.Degraded, "connecting")
	monitor.Update("capture", health.Healthy, "idle")
	return &Bridge{
		cfg:       cfg.withDefaults(),
		host:      h,
		link:      link,
		table:     table,
		ctrl:      capture.New(),
		monitor:   monitor,
		events:    make(chan any, 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		detectors: make(map[int]*detect.Detector),
	}
}

// Health exposes the component monitor so outer wiring, the broker
// listener for one, can report into it.
func (b *Bridge) Health() *health.Monitor { return b.monitor }

// Start launches the event loop.
func (b *Bridge) Start() {
	go b.run()
}

// Stop shuts the loop down and waits for it. Any active capture is torn
// down first. Safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.quit) })
	<-b.done
}

// post hands an event to the loop. After Stop the event is discarded, so
// callback goroutines never hang on a dead loop.
func (b *Bridge) post(e any) {
	select {
	case <-b.quit:
	case b.events <- e:
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	log.Info("bridge running",
		"sampleRate", b.cfg.SampleRate,
		"bufferSize", b.cfg.BufferSize,
		"probeInterval", b.cfg.ProbeInterval)
	for {
		select {
		case e := <-b.events:
			b.handle(e)
		case <-b.quit:
			b.shutdown()
			return
		}
	}
}

func (b *Bridge) handle(e any) {
	switch e := e.(type) {
	case evPageAttached:
		b.onPageAttached(e.page)
	case evPageDetached:
		b.onPageDetached(e.tabID)
	case evTabUpdated:
		b.onTabUpdated(e.tab)
	case evTabClosed:
		b.onTabClosed(e.tabID)
	case evPageVisible:
		b.onPageVisible(e.tabID, e.visible)
	case evMeetingDetected:
		b.onMeetingDetected(e)
	case evMeetingLeft:
		b.onMeetingLeft(e.tabID)
	case evLinkStatus:
		b.onLinkStatus(e.connected)
	case evLinkMessage:
		b.routeDesktop(e.msg)
	case evUICommand:
		b.routeUI(e.cmd)
	case evCaptureReady:
		b.onCaptureReady(e)
	case evTeardownDone:
		b.onTeardownDone(e)
	case evStatusReq:
		e.reply <- b.snapshot()
	}
}

func (b *Bridge) shutdown() {
	log.Info("bridge stopping")

	// The loop is past event handling, so finish any capture inline.
	if sess, ok := b.ctrl.BeginStop(capture.ReasonShutdown); ok {
		p := b.pipeline.Swap(nil)
		b.pipelineTab.Store(0)
		if p != nil {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.TeardownTimeout)
			if err := p.Teardown(ctx); err != nil {
				log.Warn("shutdown teardown",
					logging.KeySessionID, sess.ID, logging.KeyError, err)
			}
			cancel()
		}
		b.finishStop()
	}

	var wg sync.WaitGroup
	for tabID, det := range b.detectors {
		delete(b.detectors, tabID)
		wg.Add(1)
		go func(d *detect.Detector) {
			defer wg.Done()
			d.Stop()
		}(det)
	}
	wg.Wait()
	log.Info("bridge stopped")
}

// PageAttached implements host.Handler.
func (b *Bridge) PageAttached(p host.Page) { b.post(evPageAttached{page: p}) }

// PageDetached implements host.Handler.
func (b *Bridge) PageDetached(tabID int) { b.post(evPageDetached{tabID: tabID}) }

// TabUpdated implements host.Handler.
func (b *Bridge) TabUpdated(tab ipc.TabDescriptor) { b.post(evTabUpdated{tab: tab}) }

// TabClosed implements host.Handler.
func (b *Bridge) TabClosed(tabID int) { b.post(evTabClosed{tabID: tabID}) }

// PageVisible implements host.Handler.
func (b *Bridge) PageVisible(tabID int, visible bool) {
	b.post(evPageVisible{tabID: tabID, visible: visible})
}

// UICommand implements host.Handler.
func (b *Bridge) UICommand(cmd host.UICommand) { b.post(evUICommand{cmd: cmd}) }

// AudioChunk implements host.Handler. This is the fast path: straight from
// the page's read goroutine into the pipeline, never through the loop.
func (b *Bridge) AudioChunk(tabID int, pcm []float32, sampleRate int) {
	p := b.pipeline.Load()
	if p == nil || int64(tabID) != b.pipelineTab.Load() {
		b.audioDropped.Add(1)
		return
	}
	p.Push(pcm, sampleRate)
}

// LinkMessage feeds an inbound desktop message to the loop.
func (b *Bridge) LinkMessage(msg *wire.Message) { b.post(evLinkMessage{msg: msg}) }

// LinkStatus feeds a desktop connection transition to the loop.
func (b *Bridge) LinkStatus(connected bool) { b.post(evLinkStatus{connected: connected}) }

// Status asks the loop for a state snapshot.
func (b *Bridge) Status(ctx context.Context) (ipc.StatusSnapshot, error) {
	reply := make(chan ipc.StatusSnapshot, 1)
	select {
	case b.events <- evStatusReq{reply: reply}:
	case <-b.quit:
		return ipc.StatusSnapshot{}, ErrStopped
	case <-ctx.Done():
		return ipc.StatusSnapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-b.quit:
		return ipc.StatusSnapshot{}, ErrStopped
	case <-ctx.Done():
		return ipc.StatusSnapshot{}, ctx.Err()
	}
}

// AudioDropped counts chunks discarded because no capture owned them.
func (b *Bridge) AudioDropped() int64 { return b.audioDropped.Load() }

func (b *Bridge) onPageAttached(page host.Page) {
	tab := page.Tab()
	if old := b.detectors[tab.ID]; old != nil {
		// Page re-injected, e.g. after navigation. Fresh detector, fresh
		// edge state.
		go old.Stop()
	}

	tabID := tab.ID
	det := detect.New(b.table, page, b.cfg.ProbeInterval, detect.Callbacks{
		OnDetected: func(platform, url string) {
			b.post(evMeetingDetected{tabID: tabID, platform: platform, url: url})
		},
		OnLeft: func() {
			b.post(evMeetingLeft{tabID: tabID})
		},
	})
	b.detectors[tabID] = det
	det.Start()
	log.Info("page attached", logging.KeyTabID, tabID, "url", tab.URL)
}

func (b *Bridge) onPageDetached(tabID int) {
	if det, ok := b.detectors[tabID]; ok {
		delete(b.detectors, tabID)
		go det.Stop()
	}
	if b.state.meetingTab == tabID {
		b.clearMeeting()
	}
	b.forceStop(tabID, capture.ReasonPeerLost)
	log.Info("page detached", logging.KeyTabID, tabID)
}

func (b *Bridge) onTabUpdated(tab ipc.TabDescriptor) {
	if b.state.meetingTab == tab.ID && tab.Title != "" {
		b.state.meetingName = tab.Title
	}
}

func (b *Bridge) onTabClosed(tabID int) {
	if det, ok := b.detectors[tabID]; ok {
		delete(b.detectors, tabID)
		go det.Stop()
	}
	if b.state.meetingTab == tabID {
		b.clearMeeting()
	}
	b.forceStop(tabID, capture.ReasonTabClosed)
	log.Info("tab closed", logging.KeyTabID, tabID)
}

func (b *Bridge) onPageVisible(tabID int, visible bool) {
	if det, ok := b.detectors[tabID]; ok && visible {
		det.PageVisible()
	}
}

func (b *Bridge) onMeetingDetected(e evMeetingDetected) {
	if _, ok := b.detectors[e.tabID]; !ok {
		return // page went away before the event landed
	}

	name := e.platform
	if page, ok := b.host.Page(e.tabID); ok {
		if title := page.Tab().Title; title != "" {
			name = title
		}
	}
	if b.state.meetingTab != 0 && b.state.meetingTab != e.tabID {
		log.Info("meeting focus moved",
			logging.KeyTabID, e.tabID, "previousTab", b.state.meetingTab)
	}
	b.state.meetingTab = e.tabID
	b.state.platform = e.platform
	b.state.meetingName = name
	b.state.meetingURL = e.url

	log.Info("meeting detected",
		logging.KeyTabID, e.tabID, logging.KeyPlatform, e.platform, "url", e.url)
	b.host.NotifyUI(ipc.TypeMeetingDetected, ipc.MeetingDetected{
		TabID: e.tabID, MeetingName: name, URL: e.url,
	})
	b.updateBadge()
}

func (b *Bridge) onMeetingLeft(tabID int) {
	if b.state.meetingTab == tabID {
		b.clearMeeting()
	}
	b.forceStop(tabID, capture.ReasonMeetingLeft)
	log.Info("meeting left", logging.KeyTabID, tabID)
}

func (b *Bridge) onLinkStatus(connected bool) {
	log.Info("desktop link status", "connected", connected)
	if connected {
		b.monitor.Update("desklink", health.Healthy, "connected")
	} else {
		b.monitor.Update("desklink", health.Degraded, "reconnecting")
	}
	b.host.NotifyUI(ipc.TypeConnectionStatus, ipc.ConnectionStatus{Connected: connected})
}
