// Package diag checks the bridge's surroundings: config sanity, the
// platform table, the desktop endpoint, a running bridge instance, the
// desktop app process, and the log file. The doctor subcommand prints
// its report when users ask why nothing is being captured.
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tabscribe/bridge/internal/config"
	"github.com/tabscribe/bridge/internal/detect"
	"github.com/tabscribe/bridge/internal/host/exthost"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
)

var log = logging.L("diag")

// Status classifies a single check outcome.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result is one check's outcome.
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is a full doctor run.
type Report struct {
	CollectedAt time.Time `json:"collectedAt"`
	DurationMs  int64     `json:"durationMs"`
	Results     []Result  `json:"results"`
}

// Failed reports whether any check failed outright.
func (r Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFail {
			return true
		}
	}
	return false
}

// Doctor runs environment checks against one config.
type Doctor struct {
	cfg     *config.Config
	timeout time.Duration
}

// New builds a doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, timeout: 3 * time.Second}
}

// Run executes every check in order and returns the report. Checks never
// abort the run; a broken environment is exactly what the doctor is for.
func (d *Doctor) Run(ctx context.Context) Report {
	start := time.Now()
	report := Report{CollectedAt: start.UTC()}

	checks := []func(context.Context) Result{
		d.checkConfig,
		d.checkPlatforms,
		d.checkDesktopEndpoint,
		d.checkBridgeSocket,
		d.checkDesktopProcess,
		d.checkLogFile,
	}
	for _, check := range checks {
		res := check(ctx)
		report.Results = append(report.Results, res)
		log.Debug("doctor check", "check", res.Name, "status", res.Status)
	}

	report.DurationMs = time.Since(start).Milliseconds()
	log.Info("doctor run complete",
		logging.KeyDurationMs, report.DurationMs,
		"failed", report.Failed())
	return report
}

// checkConfig validates a copy of the config; ValidateTiered clamps bad
// values in place and the doctor must not mutate what it reports on.
func (d *Doctor) checkConfig(context.Context) Result {
	res := Result{Name: "config"}
	cfg := *d.cfg
	vr := cfg.ValidateTiered()
	switch {
	case vr.HasFatals():
		res.Status = StatusFail
		res.Detail = joinErrors(vr.Fatals)
	case len(vr.Warnings) > 0:
		res.Status = StatusWarn
		res.Detail = joinErrors(vr.Warnings)
	default:
		res.Status = StatusOK
		res.Detail = fmt.Sprintf("desktop %s, %d Hz, %d-sample buffers",
			cfg.DesktopURL, cfg.SampleRate, cfg.BufferSize)
	}
	return res
}

func (d *Doctor) checkPlatforms(context.Context) Result {
	res := Result{Name: "platforms"}
	table, err := detect.LoadTable(d.cfg.PlatformsFile)
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}
	source := "builtin"
	if d.cfg.PlatformsFile != "" {
		source = d.cfg.PlatformsFile
	}
	res.Status = StatusOK
	res.Detail = fmt.Sprintf("%d platforms from %s", table.Len(), source)
	return res
}

// checkDesktopEndpoint dials the desktop URL's TCP address. It proves the
// desktop app is listening, not that the websocket handshake would pass;
// the bridge's own link does that the moment it runs.
func (d *Doctor) checkDesktopEndpoint(ctx context.Context) Result {
	res := Result{Name: "desktop endpoint"}
	addr, err := dialAddr(d.cfg.DesktopURL)
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("dial %s: %v", addr, err)
		return res
	}
	conn.Close()
	res.Status = StatusOK
	res.Detail = addr + " reachable"
	return res
}

// checkBridgeSocket connects to the broker socket as a popup and asks a
// running bridge for its status. An unanswered socket is a warning, not a
// failure: the doctor is usually run when the bridge is down.
func (d *Doctor) checkBridgeSocket(ctx context.Context) Result {
	res := Result{Name: "bridge socket"}
	path := d.cfg.BrokerSocket
	if path == "" {
		path = ipc.DefaultSocketPath()
	}

	client, err := exthost.Dial(path, ipc.RolePopup, nil, nil)
	if err != nil {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("no bridge at %s: %v", path, err)
		return res
	}
	defer client.Close()

	rctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	env, err := client.Request(rctx, ipc.TypeGetStatus, nil)
	if err != nil {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("bridge at %s did not answer: %v", path, err)
		return res
	}
	var snap ipc.StatusSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		res.Status = StatusWarn
		res.Detail = "bridge status reply unreadable: " + err.Error()
		return res
	}

	desktop := "desktop disconnected"
	if snap.Connected {
		desktop = "desktop connected"
	}
	state := "idle"
	if snap.Capturing {
		state = "capturing tab " + tabRef(snap.CurrentTab)
	}
	res.Status = StatusOK
	res.Detail = fmt.Sprintf("bridge answering at %s, %s, %s", path, desktop, state)
	return res
}

// checkDesktopProcess scans the process table for the desktop app. A
// fragment match on the name is enough; the endpoint check is the
// authoritative one, this just tells apart "not running" from "running
// but not listening".
func (d *Doctor) checkDesktopProcess(context.Context) Result {
	res := Result{Name: "desktop app"}
	procs, err := process.Processes()
	if err != nil {
		res.Status = StatusWarn
		res.Detail = "process scan failed: " + err.Error()
		return res
	}

	self := int32(os.Getpid())
	var found []string
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		lower := strings.ToLower(name)
		// The bridge binary carries the product name too; it is not the
		// desktop app.
		if !strings.Contains(lower, "tabscribe") || strings.Contains(lower, "bridge") {
			continue
		}
		found = append(found, fmt.Sprintf("%s (pid %d)", name, p.Pid))
	}

	if len(found) == 0 {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("no desktop app process among %d processes", len(procs))
		return res
	}
	res.Status = StatusOK
	res.Detail = strings.Join(found, ", ")
	return res
}

func (d *Doctor) checkLogFile(context.Context) Result {
	res := Result{Name: "log file"}
	path := d.cfg.LogFile
	if path == "" {
		res.Status = StatusSkip
		res.Detail = "log_file not configured"
		return res
	}

	fi, err := os.Stat(path)
	if err != nil {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("stat %s: %v", path, err)
		return res
	}

	errCount, scanErr := countRecentErrors(path)
	detail := fmt.Sprintf("%s, %d KB, written %s ago",
		path, fi.Size()/1024, time.Since(fi.ModTime()).Round(time.Second))
	switch {
	case scanErr != nil:
		res.Status = StatusWarn
		res.Detail = detail + ", tail unreadable: " + scanErr.Error()
	case errCount > 0:
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("%s, %d error entries in the recent tail", detail, errCount)
	default:
		res.Status = StatusOK
		res.Detail = detail
	}
	return res
}

// logTailBytes bounds how much of the log file the doctor reads.
const logTailBytes = 64 * 1024

// countRecentErrors counts error-level entries in the file's tail. Both
// slog output shapes are matched: text (level=ERROR) and JSON
// ("level":"ERROR").
func countRecentErrors(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() > logTailBytes {
		if _, err := f.Seek(fi.Size()-logTailBytes, io.SeekStart); err != nil {
			return 0, err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.Contains(line, []byte("level=ERROR")) ||
			bytes.Contains(line, []byte(`"level":"ERROR"`)) {
			count++
		}
	}
	return count, nil
}

// dialAddr turns a ws/wss URL into a host:port TCP address.
func dialAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("desktop_url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("desktop_url %q has no host", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func joinErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func tabRef(tab *ipc.TabDescriptor) string {
	if tab == nil {
		return "?"
	}
	return fmt.Sprintf("%d", tab.ID)
}
