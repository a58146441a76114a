package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tabscribe/bridge/internal/logging"
)

// DefaultInterval is the poll cadence when the config does not override it.
const DefaultInterval = 2000 * time.Millisecond

// Prober is the page capability the detector polls. ProbeDOM reports the
// page's current URL and, for each requested selector, whether an element
// matching it is present. A nil selector list fetches the URL alone.
type Prober interface {
	ProbeDOM(ctx context.Context, selectors []string) (url string, present []bool, err error)
}

// Callbacks receive edge-triggered meeting transitions. OnDetected fires
// once when a page enters a meeting, OnLeft once when it leaves; steady
// states produce no calls. Callbacks run on the detector goroutine and must
// not block.
type Callbacks struct {
	OnDetected func(platform, url string)
	OnLeft     func()
}

// Detector polls a single page for meeting activity. Each page gets its own
// detector; the bridge stops it when the page detaches.
type Detector struct {
	table    *Table
	page     Prober
	interval time.Duration
	cb       Callbacks
	log      *slog.Logger

	// recheck wakes the poll loop early, used when the page reports it
	// became visible again. Buffered so posting never blocks.
	recheck chan struct{}

	mu        sync.Mutex
	inMeeting bool
	platform  string
	url       string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a detector for one page. A zero or negative interval selects
// DefaultInterval.
func New(table *Table, page Prober, interval time.Duration, cb Callbacks) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{
		table:    table,
		page:     page,
		interval: interval,
		cb:       cb,
		log:      logging.L("detect"),
		recheck:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. The first check runs immediately rather
// than waiting out a full interval.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop halts polling. Safe to call more than once; callbacks do not fire
// after Stop returns.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

// PageVisible requests an immediate recheck. The page peer calls this when
// its tab becomes visible again, since timers in backgrounded tabs are
// throttled and the last poll may be stale.
func (d *Detector) PageVisible() {
	select {
	case d.recheck <- struct{}{}:
	default:
	}
}

// InMeeting reports whether the page is currently in a detected meeting.
func (d *Detector) InMeeting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inMeeting
}

// Current returns the detected platform name and page URL, empty when no
// meeting is active.
func (d *Detector) Current() (platform, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inMeeting {
		return "", ""
	}
	return d.platform, d.url
}

func (d *Detector) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.check()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.check()
		case <-d.recheck:
			d.check()
		}
	}
}

// check runs one detection pass: probe the page, match its URL against the
// platform table, and treat the page as in a meeting when the URL matches
// and at least one probe selector is present.
func (d *Detector) check() {
	ctx, cancel := context.WithTimeout(context.Background(), d.interval)
	defer cancel()

	d.mu.Lock()
	guess := d.platform
	d.mu.Unlock()

	var selectors []string
	if guess != "" {
		if p, ok := d.byName(guess); ok {
			selectors = p.Probes
		}
	}

	url, present, err := d.page.ProbeDOM(ctx, selectors)
	if err != nil {
		// Peer gone or slow. Tab-close handling tears the detector down,
		// so a failed probe here is just a skipped cycle.
		d.log.Debug("probe failed", logging.KeyError, err)
		return
	}

	plat, matched := d.table.Match(url)
	if matched && plat.Name != guess {
		// The page moved onto a different platform since the last pass,
		// so the probes we just ran are the wrong ones. Re-probe with the
		// right selectors instead of waiting out another interval.
		url2, present2, err2 := d.page.ProbeDOM(ctx, plat.Probes)
		if err2 != nil {
			d.log.Debug("probe failed", logging.KeyError, err2)
			return
		}
		url, present = url2, present2
		plat, matched = d.table.Match(url)
	}

	joined := false
	if matched {
		for _, hit := range present {
			if hit {
				joined = true
				break
			}
		}
	}
	d.transition(joined, plat, url)
}

func (d *Detector) transition(joined bool, plat Platform, url string) {
	d.mu.Lock()
	was := d.inMeeting
	d.inMeeting = joined
	if joined {
		d.platform = plat.Name
		d.url = url
	} else {
		// Keep the platform as the probe guess for the next pass while the
		// URL still matches, drop it once the page has navigated away.
		if p, matched := d.table.Match(url); matched {
			d.platform = p.Name
		} else {
			d.platform = ""
		}
		d.url = ""
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return
	default:
	}

	switch {
	case joined && !was:
		d.log.Info("meeting detected",
			logging.KeyPlatform, plat.Name,
			"url", url)
		if d.cb.OnDetected != nil {
			d.cb.OnDetected(plat.Name, url)
		}
	case !joined && was:
		d.log.Info("meeting left")
		if d.cb.OnLeft != nil {
			d.cb.OnLeft()
		}
	}
}

func (d *Detector) byName(name string) (Platform, bool) {
	for _, p := range d.table.platforms {
		if p.Name == name {
			return p, true
		}
	}
	return Platform{}, false
}
