package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent   = "component"
	KeyTabID       = "tabId"
	KeySessionID   = "sessionId"
	KeyMessageType = "messageType"
	KeyPlatform    = "platform"
	KeyDurationMs  = "durationMs"
	KeyError       = "error"
)

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init()
// dynamically pick up the configured handler once Init runs.
type switchableHandler struct {
	state  *switchableState
	attrs  []slog.Attr
	groups []string
}

type switchableState struct {
	current atomic.Value // stores slog.Handler
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	state := &switchableState{}
	state.current.Store(h)
	return &switchableHandler{state: state}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.state.current.Store(handler)
}

func (h *switchableHandler) base() slog.Handler {
	return h.state.current.Load().(slog.Handler)
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.base()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	groups := make([]string, len(h.groups))
	copy(groups, h.groups)

	return &switchableHandler{
		state:  h.state,
		attrs:  merged,
		groups: groups,
	}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)

	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)

	return &switchableHandler{
		state:  h.state,
		attrs:  attrs,
		groups: groups,
	}
}

var (
	rootHandler   = newSwitchableHandler(&tailHandler{base: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})})
	defaultLogger = slog.New(rootHandler)
	globalTail    *Tail
	tailMu        sync.RWMutex
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	// Keep the diagnostics tail in the chain across re-inits
	handler = &tailHandler{base: handler}

	rootHandler.set(handler)
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

// InitTail installs the diagnostics tail that retains recent log entries
// for the status and doctor surfaces.
func InitTail(cfg TailConfig) {
	tailMu.Lock()
	defer tailMu.Unlock()
	globalTail = NewTail(cfg)
}

// RecentEntries returns up to n of the most recent retained entries,
// oldest first. Returns nil when no tail is installed.
func RecentEntries(n int) []Entry {
	tailMu.RLock()
	tail := globalTail
	tailMu.RUnlock()

	if tail == nil {
		return nil
	}
	return tail.Recent(n)
}

// SetTailLevel dynamically adjusts the minimum level retained by the tail.
func SetTailLevel(level string) {
	tailMu.RLock()
	defer tailMu.RUnlock()

	if globalTail != nil {
		globalTail.SetMinLevel(level)
	}
}

// tailHandler wraps a base slog.Handler to also retain records in the
// diagnostics tail. Logger-level attrs accumulate here as well as in the
// base so the tail sees the component tag attached by L().
type tailHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func (h *tailHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *tailHandler) Handle(ctx context.Context, record slog.Record) error {
	tailMu.RLock()
	tail := globalTail
	tailMu.RUnlock()

	if tail != nil && tail.ShouldRetain(record.Level) {
		fields := make(map[string]any, len(h.attrs)+record.NumAttrs())
		for _, a := range h.attrs {
			fields[a.Key] = a.Value.Any()
		}
		record.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()
			return true
		})

		tail.Append(Entry{
			Timestamp: record.Time,
			Level:     record.Level.String(),
			Component: extractComponent(fields),
			Message:   record.Message,
			Fields:    fields,
		})
	}

	return h.base.Handle(ctx, record)
}

func (h *tailHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &tailHandler{base: h.base.WithAttrs(attrs), attrs: merged}
}

func (h *tailHandler) WithGroup(name string) slog.Handler {
	// Groups nest keys in the base output; tail fields stay flat.
	return &tailHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}

func extractComponent(fields map[string]any) string {
	if c, ok := fields[KeyComponent].(string); ok {
		return c
	}
	return "unknown"
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger with capture-session correlation
// fields attached.
func WithSession(logger *slog.Logger, sessionID string, tabID int) *slog.Logger {
	return logger.With(
		slog.String(KeySessionID, sessionID),
		slog.Int(KeyTabID, tabID),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
