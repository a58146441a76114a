package diag

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tabscribe/bridge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	// Point the socket at an empty temp dir so no bridge answers.
	cfg.BrokerSocket = filepath.Join(t.TempDir(), "bridge.sock")
	return cfg
}

func findResult(t *testing.T, rep Report, name string) Result {
	t.Helper()
	for _, res := range rep.Results {
		if res.Name == name {
			return res
		}
	}
	t.Fatalf("report has no %q check: %+v", name, rep.Results)
	return Result{}
}

func TestRunCoversEveryCheck(t *testing.T) {
	d := New(testConfig(t))
	d.timeout = 500 * time.Millisecond
	rep := d.Run(context.Background())

	want := []string{"config", "platforms", "desktop endpoint", "bridge socket", "desktop app", "log file"}
	if len(rep.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(rep.Results), len(want))
	}
	for i, name := range want {
		if rep.Results[i].Name != name {
			t.Errorf("result[%d] = %q, want %q", i, rep.Results[i].Name, name)
		}
	}
	if rep.CollectedAt.IsZero() {
		t.Error("CollectedAt is zero")
	}
	if rep.DurationMs < 0 {
		t.Errorf("DurationMs = %d", rep.DurationMs)
	}
}

func TestConfigCheck(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)
	if res := d.checkConfig(context.Background()); res.Status != StatusOK {
		t.Errorf("default config = %s (%s), want ok", res.Status, res.Detail)
	}

	cfg.DesktopURL = "http://127.0.0.1:8765"
	if res := d.checkConfig(context.Background()); res.Status != StatusFail {
		t.Errorf("http desktop_url = %s, want fail", res.Status)
	}

	// The doctor validates a copy; the original must keep its bad value.
	if cfg.DesktopURL != "http://127.0.0.1:8765" {
		t.Errorf("config mutated to %q", cfg.DesktopURL)
	}

	cfg.DesktopURL = config.Default().DesktopURL
	cfg.SampleRate = 100
	res := d.checkConfig(context.Background())
	if res.Status != StatusWarn {
		t.Errorf("clampable sample_rate = %s, want warn", res.Status)
	}
	if cfg.SampleRate != 100 {
		t.Errorf("sample_rate mutated to %d", cfg.SampleRate)
	}
}

func TestPlatformsCheck(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	res := d.checkPlatforms(context.Background())
	if res.Status != StatusOK {
		t.Fatalf("builtin table = %s (%s)", res.Status, res.Detail)
	}
	if !strings.Contains(res.Detail, "builtin") {
		t.Errorf("detail = %q, want builtin source", res.Detail)
	}

	path := filepath.Join(t.TempDir(), "platforms.yaml")
	yaml := `platforms:
  - name: Acme Meet
    url_pattern: '^https://meet\.acme\.test/'
    probes:
      - '#call'
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.PlatformsFile = path
	res = d.checkPlatforms(context.Background())
	if res.Status != StatusOK {
		t.Fatalf("file table = %s (%s)", res.Status, res.Detail)
	}
	if !strings.Contains(res.Detail, "1 platforms") {
		t.Errorf("detail = %q, want 1 platform", res.Detail)
	}

	if err := os.WriteFile(path, []byte("platforms: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if res := d.checkPlatforms(context.Background()); res.Status != StatusFail {
		t.Errorf("empty table = %s, want fail", res.Status)
	}
}

func TestDesktopEndpointCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := testConfig(t)
	cfg.DesktopURL = "ws://" + ln.Addr().String() + "/bridge"
	d := New(cfg)
	d.timeout = 500 * time.Millisecond

	if res := d.checkDesktopEndpoint(context.Background()); res.Status != StatusOK {
		t.Errorf("live listener = %s (%s), want ok", res.Status, res.Detail)
	}

	addr := ln.Addr().String()
	ln.Close()
	res := d.checkDesktopEndpoint(context.Background())
	if res.Status != StatusFail {
		t.Errorf("closed listener = %s, want fail", res.Status)
	}
	if !strings.Contains(res.Detail, addr) {
		t.Errorf("detail = %q, want address %s", res.Detail, addr)
	}
}

func TestBridgeSocketCheckNoBridge(t *testing.T) {
	d := New(testConfig(t))
	d.timeout = 500 * time.Millisecond
	res := d.checkBridgeSocket(context.Background())
	if res.Status != StatusWarn {
		t.Errorf("missing socket = %s (%s), want warn", res.Status, res.Detail)
	}
	if !strings.Contains(res.Detail, "no bridge at") {
		t.Errorf("detail = %q", res.Detail)
	}
}

func TestLogFileCheck(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	res := d.checkLogFile(context.Background())
	if res.Status != StatusSkip {
		t.Errorf("unconfigured = %s, want skip", res.Status)
	}

	cfg.LogFile = filepath.Join(t.TempDir(), "bridge.log")
	res = d.checkLogFile(context.Background())
	if res.Status != StatusWarn {
		t.Errorf("missing file = %s, want warn", res.Status)
	}

	clean := "time=2026-02-10T09:00:00Z level=INFO msg=\"capture started\"\n"
	if err := os.WriteFile(cfg.LogFile, []byte(clean), 0600); err != nil {
		t.Fatal(err)
	}
	res = d.checkLogFile(context.Background())
	if res.Status != StatusOK {
		t.Errorf("clean log = %s (%s), want ok", res.Status, res.Detail)
	}

	noisy := clean +
		"time=2026-02-10T09:00:01Z level=ERROR msg=\"pipeline teardown failed\"\n" +
		"{\"time\":\"2026-02-10T09:00:02Z\",\"level\":\"ERROR\",\"msg\":\"capture confirm failed\"}\n"
	if err := os.WriteFile(cfg.LogFile, []byte(noisy), 0600); err != nil {
		t.Fatal(err)
	}
	res = d.checkLogFile(context.Background())
	if res.Status != StatusWarn {
		t.Errorf("noisy log = %s, want warn", res.Status)
	}
	if !strings.Contains(res.Detail, "2 error entries") {
		t.Errorf("detail = %q, want 2 error entries", res.Detail)
	}
}

func TestCountRecentErrorsReadsTailOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// An old error pushed past the tail window by padding must not count.
	if _, err := f.WriteString("level=ERROR old\n"); err != nil {
		t.Fatal(err)
	}
	pad := strings.Repeat("level=INFO filler line for the doctor tail window test\n", 2000)
	for written := 0; written < logTailBytes; written += len(pad) {
		if _, err := f.WriteString(pad); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.WriteString("level=ERROR recent\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	n, err := countRecentErrors(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"ws://127.0.0.1:8765/bridge", "127.0.0.1:8765"},
		{"ws://localhost/bridge", "localhost:80"},
		{"wss://desktop.example.com/bridge", "desktop.example.com:443"},
	}
	for _, tt := range tests {
		got, err := dialAddr(tt.url)
		if err != nil {
			t.Errorf("dialAddr(%q) error: %v", tt.url, err)
			continue
		}
		if got != tt.want {
			t.Errorf("dialAddr(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}

	if _, err := dialAddr("ws://"); err == nil {
		t.Error("hostless URL should error")
	}
}
