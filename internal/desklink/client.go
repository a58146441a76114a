// Package desklink maintains the WebSocket link to the desktop app. It
// owns connect, handshake, reconnect, and liveness; everything above it
// just hands over messages and frames.
package desklink

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabscribe/bridge/internal/audio"
	"github.com/tabscribe/bridge/internal/logging"
	"github.com/tabscribe/bridge/internal/wire"
)

var log = logging.L("desklink")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultReconnectInterval is the fixed delay between reconnect
	// attempts. There is no backoff: the desktop app runs on localhost
	// and a failed dial is cheap.
	DefaultReconnectInterval = 5 * time.Second
	// DefaultWatchdogInterval is how often the watchdog inspects the
	// connection for staleness.
	DefaultWatchdogInterval = 15 * time.Second
)

// ErrSocketUnavailable is returned when a send is attempted without an
// open connection, or when the outbound queue is full. Callers drop the
// message; nothing is buffered across reconnects.
var ErrSocketUnavailable = errors.New("desktop socket unavailable")

// Config holds the link settings.
type Config struct {
	// URL is the desktop app endpoint, ws:// or wss://.
	URL string
	// Source identifies this bridge in the handshake.
	Source string

	ReconnectInterval time.Duration
	WatchdogInterval  time.Duration
}

// Callbacks receive link activity. OnMessage runs on the read goroutine
// and should hand off quickly. OnStatus fires on connect and disconnect
// edges only.
type Callbacks struct {
	OnMessage func(*wire.Message)
	OnStatus  func(connected bool)
}

// Stats counts link activity since start.
type Stats struct {
	Sent            int64
	DroppedMessages int64
	DroppedFrames   int64
	Malformed       int64
	Reconnects      int64
}

// Client is the WebSocket client to the desktop app. Control messages and
// audio frames travel on separate outbound queues so an audio burst cannot
// starve a capture_stopped notification; both queues drop the newest entry
// when full.
type Client struct {
	cfg Config
	cb  Callbacks

	conn   *websocket.Conn
	connMu sync.RWMutex

	connected    atomic.Bool
	lastActivity atomic.Int64

	done     chan struct{}
	stopOnce sync.Once

	sendChan  chan []byte
	frameChan chan []byte

	sent          atomic.Int64
	droppedMsgs   atomic.Int64
	droppedFrames atomic.Int64
	malformed     atomic.Int64
	reconnects    atomic.Int64
}

// New creates a client. Start must be called to begin connecting.
func New(cfg Config, cb Callbacks) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	return &Client{
		cfg:       cfg,
		cb:        cb,
		done:      make(chan struct{}),
		sendChan:  make(chan []byte, 64),
		frameChan: make(chan []byte, 30),
	}
}

// Start runs the connect loop until Stop. Call it in a goroutine.
func (c *Client) Start() {
	go c.watchdog()
	c.run()
}

// Stop closes the link. Queued but unsent messages are discarded.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("link stopped")
	})
}

// Connected reports whether the handshake has been sent on a live
// connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Counters returns a snapshot of the link counters.
func (c *Client) Counters() Stats {
	return Stats{
		Sent:            c.sent.Load(),
		DroppedMessages: c.droppedMsgs.Load(),
		DroppedFrames:   c.droppedFrames.Load(),
		Malformed:       c.malformed.Load(),
		Reconnects:      c.reconnects.Load(),
	}
}

// Send queues a control message. Without an open connection, or with the
// queue full, the message is dropped and ErrSocketUnavailable returned.
func (c *Client) Send(msg *wire.Message) error {
	if !c.connected.Load() {
		c.droppedMsgs.Add(1)
		return ErrSocketUnavailable
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrSocketUnavailable
	default:
		c.droppedMsgs.Add(1)
		log.Warn("send queue full, dropping message", logging.KeyMessageType, msg.Type)
		return ErrSocketUnavailable
	}
}

// SendFrame queues one audio frame as an AUDIO_DATA message. Frames are
// dropped silently under backpressure; the counter records it. Losing a
// frame costs a quarter second of audio, stalling the pipeline would cost
// the session.
func (c *Client) SendFrame(f audio.Frame) error {
	if !c.connected.Load() {
		c.droppedFrames.Add(1)
		return ErrSocketUnavailable
	}
	msg, err := wire.New(wire.TypeAudioData, wire.AudioDataPayload{
		Data:       f.Samples,
		SampleRate: f.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("encode audio frame: %w", err)
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode audio frame: %w", err)
	}
	select {
	case c.frameChan <- data:
		return nil
	case <-c.done:
		return ErrSocketUnavailable
	default:
		c.droppedFrames.Add(1)
		return ErrSocketUnavailable
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("bad desktop URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	conn.SetReadLimit(wire.MaxMessageSize)

	// Handshake is the first message on every connection; the desktop app
	// ignores peers that skip it.
	hello, err := wire.New(wire.TypeHandshake, wire.HandshakePayload{
		Source:  c.cfg.Source,
		Version: wire.ProtocolVersion,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("build handshake: %w", err)
	}
	data, err := hello.Encode()
	if err != nil {
		conn.Close()
		return fmt.Errorf("build handshake: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("handshake write failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.touch()
	c.setConnected(true)
	log.Info("connected to desktop app", "url", c.cfg.URL)
	return nil
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// run is the connect loop. It is the only place a redial is armed, so at
// most one reconnect is ever pending, and the delay is fixed rather than
// backed off.
func (c *Client) run() {
	first := true
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if !first {
			c.reconnects.Add(1)
			log.Info("reconnecting", "delay", c.cfg.ReconnectInterval)
			select {
			case <-c.done:
				return
			case <-time.After(c.cfg.ReconnectInterval):
			}
		}
		first = false

		if err := c.connect(); err != nil {
			log.Warn("connect failed", logging.KeyError, err)
			continue
		}

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.setConnected(false)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		select {
		case <-c.done:
			return
		default:
			log.Warn("connection lost")
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.touch()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}
		c.touch()

		msg, err := wire.Decode(data)
		if err != nil {
			// Malformed inbound traffic is logged and discarded, never
			// fatal to the connection.
			c.malformed.Add(1)
			log.Warn("malformed message from desktop", logging.KeyError, err)
			continue
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case data := <-c.sendChan:
			if err := c.write(data); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}
			c.sent.Add(1)

		case data := <-c.frameChan:
			if err := c.write(data); err != nil {
				log.Warn("frame write error", logging.KeyError, err)
				return
			}
			c.sent.Add(1)

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrSocketUnavailable
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// watchdog closes connections that stopped carrying traffic. The connect
// loop itself guarantees a reconnect is always pending after a loss; the
// watchdog covers the remaining failure, a TCP session that is technically
// alive but silent past the pong deadline.
func (c *Client) watchdog() {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if !c.connected.Load() {
			continue
		}
		idle := time.Since(time.Unix(0, c.lastActivity.Load()))
		if idle <= pongWait {
			continue
		}

		log.Warn("watchdog closing stale connection", "idle", idle)
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) setConnected(v bool) {
	old := c.connected.Swap(v)
	if old == v {
		return
	}
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(v)
	}
}
