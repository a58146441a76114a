package exthost

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/tabscribe/bridge/internal/ipc"
)

// Client is the extension side of a broker connection. The status
// subcommand uses it to ask a running bridge for a snapshot; tests use it
// to stand in for real extension contexts.
type Client struct {
	conn    *ipc.Conn
	onEvent func(*ipc.Envelope)

	stopChan chan struct{}
	stopOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Envelope
}

// Dial connects to a broker and completes the hello exchange for the
// given role. onEvent receives every envelope that is not a reply to a
// Request; it may be nil. tab is required for the page role.
func Dial(socketPath, role string, tab *ipc.TabDescriptor, onEvent func(*ipc.Envelope)) (*Client, error) {
	rawConn, err := dialIPC(socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	conn := ipc.NewConn(rawConn)

	c := &Client{
		conn:     conn,
		onEvent:  onEvent,
		stopChan: make(chan struct{}),
		pending:  make(map[string]chan *ipc.Envelope),
	}

	hello := ipc.Hello{
		ProtocolVersion: ipc.ProtocolVersion,
		Role:            role,
		PID:             os.Getpid(),
		Tab:             tab,
	}
	if err := conn.SendTyped(uuid.NewString(), ipc.TypeHello, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	env, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("recv hello_ack: %w", err)
	}
	if env.Type != ipc.TypeHelloAck {
		conn.Close()
		return nil, fmt.Errorf("expected hello_ack, got %s", env.Type)
	}
	var ack ipc.HelloAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if !ack.Accepted {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHelloRejected, ack.Reason)
	}
	key, err := hex.DecodeString(ack.SessionKey)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	conn.SetSessionKey(key)

	go c.recvLoop()
	return c, nil
}

// Close says goodbye and drops the connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.conn.SendTyped(uuid.NewString(), ipc.TypeBye, nil)
		c.conn.Close()
		c.failPending()
	})
}

// Request sends an envelope and waits for the matching reply.
func (c *Client) Request(ctx context.Context, msgType string, payload any) (*ipc.Envelope, error) {
	id := uuid.NewString()
	ch := make(chan *ipc.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.conn.SendTyped(id, msgType, payload); err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok || env == nil {
			return nil, ErrPeerClosed
		}
		return env, nil
	case <-c.stopChan:
		return nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget envelope.
func (c *Client) Notify(msgType string, payload any) error {
	return c.conn.SendTyped(uuid.NewString(), msgType, payload)
}

// Send answers a broker request by reusing its envelope ID.
func (c *Client) Send(id, msgType string, payload any) error {
	return c.conn.SendTyped(id, msgType, payload)
}

func (c *Client) recvLoop() {
	for {
		env, err := c.conn.Recv()
		if err != nil {
			c.failPending()
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
			close(ch)
			continue
		}

		if c.onEvent != nil {
			c.onEvent(env)
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	chans := make([]chan *ipc.Envelope, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		chans = append(chans, ch)
	}
	c.pendingMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
