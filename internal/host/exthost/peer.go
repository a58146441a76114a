package exthost

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
)

var log = logging.L("exthost")

// defaultRequestTimeout bounds a request when the caller's context carries
// no deadline of its own.
const defaultRequestTimeout = 10 * time.Second

// peer is one authenticated extension connection: the browser service
// worker, a meeting page, or a popup.
type peer struct {
	id       string
	role     string
	identity string
	pid      int

	conn *ipc.Conn

	mu          sync.Mutex
	tab         ipc.TabDescriptor // page role only
	pending     map[string]chan *ipc.Envelope
	lastSeen    time.Time
	connectedAt time.Time
	closed      bool
}

func newPeer(conn *ipc.Conn, role, identity string, pid int, tab ipc.TabDescriptor) *peer {
	now := time.Now()
	return &peer{
		id:          uuid.NewString(),
		role:        role,
		identity:    identity,
		pid:         pid,
		conn:        conn,
		tab:         tab,
		pending:     make(map[string]chan *ipc.Envelope),
		lastSeen:    now,
		connectedAt: now,
	}
}

// request sends an envelope and waits for the matching reply. The reply is
// correlated by envelope ID, so concurrent requests on one peer are fine.
func (p *peer) request(ctx context.Context, msgType string, payload any) (*ipc.Envelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan *ipc.Envelope, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPeerClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.conn.SendTyped(id, msgType, payload); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget envelope.
func (p *peer) notify(msgType string, payload any) error {
	return p.conn.SendTyped(uuid.NewString(), msgType, payload)
}

// handleReply routes an envelope to a pending request. Reports whether it
// was claimed.
func (p *peer) handleReply(env *ipc.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.pending[env.ID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
		log.Warn("reply channel full, dropping", "id", env.ID)
	}
	return true
}

func (p *peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *peer) idle() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen)
}

func (p *peer) tabInfo() ipc.TabDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tab
}

func (p *peer) setTab(tab ipc.TabDescriptor) {
	p.mu.Lock()
	p.tab = tab
	p.mu.Unlock()
}

// close shuts the connection and fails every pending request.
func (p *peer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
	return p.conn.Close()
}

// recvLoop reads envelopes until the connection drops. Replies to pending
// requests are claimed here; everything else goes to onMessage.
func (p *peer) recvLoop(onMessage func(*peer, *ipc.Envelope)) {
	for {
		env, err := p.conn.Recv()
		if err != nil {
			log.Debug("peer recv loop ended",
				"role", p.role,
				logging.KeyError, err)
			return
		}
		p.touch()
		if p.handleReply(env) {
			continue
		}
		onMessage(p, env)
	}
}
