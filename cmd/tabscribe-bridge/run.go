package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tabscribe/bridge/internal/bridge"
	"github.com/tabscribe/bridge/internal/config"
	"github.com/tabscribe/bridge/internal/desklink"
	"github.com/tabscribe/bridge/internal/detect"
	"github.com/tabscribe/bridge/internal/health"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/host/exthost"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
	"github.com/tabscribe/bridge/internal/wire"
)

// bridgeComponents holds everything run starts, in the order it must be
// shut down: bridge first (finishes any capture through the still-open
// host and link), then the broker, then the link.
type bridgeComponents struct {
	bridge     *bridge.Bridge
	broker     *exthost.Broker
	link       *desklink.Client
	brokerStop chan struct{}
	brokerErr  <-chan error
	logWriter  *logging.RotatingWriter
}

// lateHandler lets the broker be constructed before the bridge it
// forwards to. The broker dispatches nothing until Listen accepts a
// connection, well after bind runs.
type lateHandler struct {
	b atomic.Pointer[bridge.Bridge]
}

func (l *lateHandler) bind(b *bridge.Bridge) { l.b.Store(b) }

func (l *lateHandler) PageAttached(p host.Page)         { l.b.Load().PageAttached(p) }
func (l *lateHandler) PageDetached(tabID int)           { l.b.Load().PageDetached(tabID) }
func (l *lateHandler) TabUpdated(tab ipc.TabDescriptor) { l.b.Load().TabUpdated(tab) }
func (l *lateHandler) TabClosed(tabID int)              { l.b.Load().TabClosed(tabID) }
func (l *lateHandler) PageVisible(tabID int, visible bool) {
	l.b.Load().PageVisible(tabID, visible)
}
func (l *lateHandler) AudioChunk(tabID int, pcm []float32, sampleRate int) {
	l.b.Load().AudioChunk(tabID, pcm, sampleRate)
}
func (l *lateHandler) UICommand(cmd host.UICommand) { l.b.Load().UICommand(cmd) }

func runBridge() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	vr := cfg.ValidateTiered()
	if vr.HasFatals() {
		for _, verr := range vr.Fatals {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", verr)
		}
		os.Exit(1)
	}

	logging.InitTail(logging.TailConfig{Capacity: 500, MinLevel: "debug"})
	logWriter := initLogOutput(cfg)

	log.Info("bridge starting", "version", version, "desktop", cfg.DesktopURL)

	comps, err := startBridge(cfg)
	if err != nil {
		log.Error("bridge start failed", logging.KeyError, err)
		dumpRecentLog()
		os.Exit(1)
	}
	comps.logWriter = logWriter

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			shutdownBridge(comps)
			return
		case <-hupChan:
			// Log rotation handoff; no-op without a log file.
			if comps.logWriter != nil {
				if err := comps.logWriter.Reopen(); err != nil {
					log.Warn("log reopen failed", logging.KeyError, err)
				} else {
					log.Info("log file reopened")
				}
			}
		case err := <-comps.brokerErr:
			// The broker only returns on its own when something is wrong.
			log.Error("extension broker exited", logging.KeyError, err)
			comps.brokerErr = nil
			dumpRecentLog()
			shutdownBridge(comps)
			os.Exit(1)
		}
	}
}

// initLogOutput configures logging per config. With a log file the output
// tees to the console too; an interactive run should stay readable.
func initLogOutput(cfg *config.Config) *logging.RotatingWriter {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log file %s: %v; logging to stdout\n", cfg.LogFile, err)
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logging.TeeWriter(os.Stdout, rw))
	return rw
}

func startBridge(cfg *config.Config) (*bridgeComponents, error) {
	table, err := detect.LoadTable(cfg.PlatformsFile)
	if err != nil {
		return nil, fmt.Errorf("platform table: %w", err)
	}

	socket := cfg.BrokerSocket
	if socket == "" {
		socket = ipc.DefaultSocketPath()
	}

	proxy := &lateHandler{}
	broker := exthost.New(socket, proxy)

	var b *bridge.Bridge
	link := desklink.New(desklink.Config{
		URL:               cfg.DesktopURL,
		Source:            cfg.HandshakeSource,
		ReconnectInterval: time.Duration(cfg.ReconnectIntervalMs) * time.Millisecond,
		WatchdogInterval:  time.Duration(cfg.WatchdogIntervalSeconds) * time.Second,
	}, desklink.Callbacks{
		OnMessage: func(msg *wire.Message) { b.LinkMessage(msg) },
		OnStatus:  func(connected bool) { b.LinkStatus(connected) },
	})

	b = bridge.New(bridge.Config{
		SampleRate:    cfg.SampleRate,
		BufferSize:    cfg.BufferSize,
		ProbeInterval: time.Duration(cfg.DetectIntervalMs) * time.Millisecond,
	}, broker, link, table)
	proxy.bind(b)

	brokerStop := make(chan struct{})
	brokerErr := make(chan error, 1)
	go func() { brokerErr <- broker.Listen(brokerStop) }()

	// A bind failure surfaces on brokerErr before anything else happens;
	// give it a moment so run does not come up half-alive.
	select {
	case err := <-brokerErr:
		if err == nil {
			err = fmt.Errorf("broker exited during startup")
		}
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}

	b.Health().Update("broker", health.Healthy, "listening on "+socket)
	b.Start()
	go link.Start()

	return &bridgeComponents{
		bridge:     b,
		broker:     broker,
		link:       link,
		brokerStop: brokerStop,
		brokerErr:  brokerErr,
	}, nil
}

func shutdownBridge(comps *bridgeComponents) {
	// Order matters: stopping the bridge tears down any live capture,
	// which still talks to pages through the broker and announces the
	// stop over the link.
	comps.bridge.Stop()
	close(comps.brokerStop)
	if comps.brokerErr != nil {
		<-comps.brokerErr
	} else {
		// Listen already returned; close directly for peer cleanup.
		comps.broker.Close()
	}
	comps.link.Stop()

	stats := comps.link.Counters()
	log.Info("bridge stopped",
		"sent", stats.Sent,
		"droppedFrames", stats.DroppedFrames,
		"reconnects", stats.Reconnects)

	if comps.logWriter != nil {
		comps.logWriter.Close()
	}
}

// dumpRecentLog echoes the retained tail to stderr. When logs go to a
// file, a failed startup would otherwise leave the console silent.
func dumpRecentLog() {
	entries := logging.RecentEntries(20)
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "Recent log entries:")
	for _, e := range entries {
		fmt.Fprintf(os.Stderr, "  %s %-5s [%s] %s\n",
			e.Timestamp.Format(time.TimeOnly), e.Level, e.Component, e.Message)
	}
}
