// Package exthost is the real browser host: a local broker the extension
// contexts connect to. Every connection authenticates as one of three
// roles, and the broker translates envelope traffic into host events for
// the bridge.
package exthost

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tabscribe/bridge/internal/audio"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
)

const (
	// HandshakeTimeout is the deadline for completing hello after connecting.
	HandshakeTimeout = 5 * time.Second

	// PopupIdleTimeout disconnects popup peers that went silent. Pages and
	// the browser worker are exempt: pages carry probe traffic anyway and
	// the worker is legitimately quiet for long stretches.
	PopupIdleTimeout = 5 * time.Minute

	// MaxPeersPerIdentity caps concurrent connections per user. A browser
	// holds one worker peer plus one page peer per meeting tab plus any
	// open popups.
	MaxPeersPerIdentity = 64

	// RateLimitAttempts is max connection attempts per identity per window.
	// Session restore can reattach many meeting tabs at once.
	RateLimitAttempts = 30

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second

	// IdleCheckInterval is how often to scan for idle popups.
	IdleCheckInterval = 60 * time.Second
)

// Broker accepts extension connections and serves the host.Host surface.
type Broker struct {
	socketPath  string
	listener    net.Listener
	rateLimiter *ipc.RateLimiter
	handler     host.Handler

	mu         sync.RWMutex
	browser    *peer
	pages      map[int]*peer
	popups     map[string]*peer
	byIdentity map[string]int
	closed     bool
}

// New creates a broker. handler must not be nil; Listen starts serving.
func New(socketPath string, handler host.Handler) *Broker {
	return &Broker{
		socketPath:  socketPath,
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		handler:     handler,
		pages:       make(map[int]*peer),
		popups:      make(map[string]*peer),
		byIdentity:  make(map[string]int),
	}
}

// SocketPath returns the path or pipe name the broker listens on.
func (b *Broker) SocketPath() string { return b.socketPath }

// Listen serves connections until stop is closed.
func (b *Broker) Listen(stop <-chan struct{}) error {
	if err := b.setupSocket(); err != nil {
		return err
	}

	log.Info("extension broker listening", "path", b.socketPath)

	go b.idleReaper(stop)

	go func() {
		for {
			conn, err := b.listener.Accept()
			if err != nil {
				b.mu.RLock()
				closed := b.closed
				b.mu.RUnlock()
				if closed {
					return
				}
				log.Warn("accept error", logging.KeyError, err)
				continue
			}
			go b.handleConnection(conn)
		}
	}()

	<-stop
	b.Close()
	return nil
}

// Close shuts down the broker and every peer.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	peers := make([]*peer, 0, len(b.pages)+len(b.popups)+1)
	if b.browser != nil {
		peers = append(peers, b.browser)
	}
	for _, p := range b.pages {
		peers = append(peers, p)
	}
	for _, p := range b.popups {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if runtime.GOOS != "windows" {
		os.Remove(b.socketPath)
	}
	log.Info("extension broker closed")
}

func (b *Broker) handleConnection(rawConn net.Conn) {
	rawConn.SetDeadline(time.Now().Add(HandshakeTimeout))

	// Kernel-verified peer identity first; everything else assumes it.
	creds, err := ipc.GetPeerCredentials(rawConn)
	if err != nil {
		log.Warn("peer credential check failed", logging.KeyError, err)
		rawConn.Close()
		return
	}
	if !sameUser(creds) {
		log.Warn("rejecting peer from another user",
			"identity", creds.IdentityKey(), "pid", creds.PID)
		rawConn.Close()
		return
	}

	identity := creds.IdentityKey()
	if !b.rateLimiter.Allow(identity) {
		log.Warn("connection rate limited", "identity", identity, "pid", creds.PID)
		rawConn.Close()
		return
	}

	b.mu.RLock()
	count := b.byIdentity[identity]
	b.mu.RUnlock()
	if count >= MaxPeersPerIdentity {
		log.Warn("too many peers for identity", "identity", identity, "count", count)
		rawConn.Close()
		return
	}

	conn := ipc.NewConn(rawConn)

	env, err := conn.Recv()
	if err != nil {
		log.Warn("hello read failed", logging.KeyError, err)
		conn.Close()
		return
	}
	if env.Type != ipc.TypeHello {
		log.Warn("expected hello, got", logging.KeyMessageType, env.Type)
		conn.Close()
		return
	}

	var hello ipc.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		log.Warn("invalid hello payload", logging.KeyError, err)
		conn.Close()
		return
	}
	if reason := validateHello(&hello); reason != "" {
		log.Warn("hello rejected", "reason", reason, "role", hello.Role)
		conn.SendTyped(env.ID, ipc.TypeHelloAck, ipc.HelloAck{Accepted: false, Reason: reason})
		conn.Close()
		return
	}

	sessionKey, err := ipc.GenerateSessionKey()
	if err != nil {
		log.Error("failed to generate session key", logging.KeyError, err)
		conn.Close()
		return
	}
	ack := ipc.HelloAck{Accepted: true, SessionKey: hex.EncodeToString(sessionKey)}
	if err := conn.SendTyped(env.ID, ipc.TypeHelloAck, ack); err != nil {
		log.Warn("failed to send hello_ack", logging.KeyError, err)
		conn.Close()
		return
	}
	conn.SetSessionKey(sessionKey)
	rawConn.SetDeadline(time.Time{})

	var tab ipc.TabDescriptor
	if hello.Tab != nil {
		tab = *hello.Tab
	}
	p := newPeer(conn, hello.Role, identity, creds.PID, tab)

	if err := b.register(p); err != nil {
		log.Warn("peer registration failed", logging.KeyError, err)
		conn.Close()
		return
	}

	log.Info("peer attached",
		"role", p.role,
		"pid", p.pid,
		logging.KeyTabID, tab.ID)

	if p.role == ipc.RolePage {
		b.handler.PageAttached(&pagePeer{p: p})
	}

	p.recvLoop(b.dispatch)

	wasPage, tabID := b.unregister(p)
	p.close()
	if wasPage {
		b.handler.PageDetached(tabID)
	}
	log.Info("peer detached", "role", p.role, logging.KeyTabID, tabID)
}

func validateHello(h *ipc.Hello) string {
	if h.ProtocolVersion != ipc.ProtocolVersion {
		return "unsupported protocol version"
	}
	switch h.Role {
	case ipc.RoleBrowser, ipc.RolePopup:
		return ""
	case ipc.RolePage:
		if h.Tab == nil {
			return "page role requires a tab"
		}
		return ""
	default:
		return "unknown role"
	}
}

// sameUser enforces that only the bridge owner's processes may attach. On
// Windows the pipe security descriptor is the gate, so any connected peer
// already passed it.
func sameUser(creds *ipc.PeerCredentials) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return creds.UID == uint32(os.Getuid())
}

func (b *Broker) register(p *peer) error {
	var replaced *peer

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	switch p.role {
	case ipc.RoleBrowser:
		replaced = b.browser
		b.browser = p
	case ipc.RolePage:
		id := p.tabInfo().ID
		replaced = b.pages[id]
		b.pages[id] = p
	case ipc.RolePopup:
		b.popups[p.id] = p
	}
	b.byIdentity[p.identity]++
	b.mu.Unlock()

	if replaced != nil {
		// A page re-injects after navigation, a worker after restart. The
		// newest connection wins; unregister ignores the stale one.
		log.Info("replacing existing peer", "role", p.role, logging.KeyTabID, p.tabInfo().ID)
		replaced.close()
	}
	return nil
}

// unregister removes the peer from the registry. It reports whether this
// peer was still the registered page for its tab, so a replaced page does
// not fire a spurious detach.
func (b *Broker) unregister(p *peer) (wasPage bool, tabID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p.role {
	case ipc.RoleBrowser:
		if b.browser == p {
			b.browser = nil
		}
	case ipc.RolePage:
		tabID = p.tabInfo().ID
		if b.pages[tabID] == p {
			delete(b.pages, tabID)
			wasPage = true
		}
	case ipc.RolePopup:
		delete(b.popups, p.id)
	}

	b.byIdentity[p.identity]--
	if b.byIdentity[p.identity] <= 0 {
		delete(b.byIdentity, p.identity)
	}
	return wasPage, tabID
}

// dispatch handles non-reply traffic from a peer, per role.
func (b *Broker) dispatch(p *peer, env *ipc.Envelope) {
	if env.Type == ipc.TypeBye {
		p.close()
		return
	}

	switch p.role {
	case ipc.RoleBrowser:
		b.dispatchBrowser(env)
	case ipc.RolePage:
		b.dispatchPage(p, env)
	case ipc.RolePopup:
		b.dispatchPopup(p, env)
	}
}

func (b *Broker) dispatchBrowser(env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypeTabUpdated:
		var tab ipc.TabDescriptor
		if err := json.Unmarshal(env.Payload, &tab); err != nil {
			log.Warn("malformed tab_updated", logging.KeyError, err)
			return
		}
		b.mu.RLock()
		pg := b.pages[tab.ID]
		b.mu.RUnlock()
		if pg != nil {
			pg.setTab(tab)
		}
		b.handler.TabUpdated(tab)
	case ipc.TypeTabClosed:
		var tc ipc.TabClosed
		if err := json.Unmarshal(env.Payload, &tc); err != nil {
			log.Warn("malformed tab_closed", logging.KeyError, err)
			return
		}
		b.handler.TabClosed(tc.TabID)
	default:
		log.Warn("unknown browser message", logging.KeyMessageType, env.Type)
	}
}

func (b *Broker) dispatchPage(p *peer, env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypeAudioBuffer:
		// Hot path: decoded and handed straight to the handler on this
		// goroutine, never through any queue.
		var buf ipc.AudioBuffer
		if err := json.Unmarshal(env.Payload, &buf); err != nil {
			log.Warn("malformed audio_buffer", logging.KeyError, err)
			return
		}
		pcm, err := audio.DecodeFloat32LE(buf.PCM)
		if err != nil {
			log.Warn("malformed audio_buffer pcm", logging.KeyError, err)
			return
		}
		b.handler.AudioChunk(p.tabInfo().ID, pcm, buf.SampleRate)
	case ipc.TypeVisibility:
		var v ipc.Visibility
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			log.Warn("malformed visibility", logging.KeyError, err)
			return
		}
		b.handler.PageVisible(p.tabInfo().ID, v.Visible)
	default:
		log.Warn("unknown page message", logging.KeyMessageType, env.Type)
	}
}

func (b *Broker) dispatchPopup(p *peer, env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypeGetStatus, ipc.TypeStartCaptureRequest,
		ipc.TypeStopCaptureRequest, ipc.TypeConnectRequest:
	default:
		log.Warn("unknown popup message", logging.KeyMessageType, env.Type)
		return
	}

	cmd := host.UICommand{Type: env.Type}
	if env.Type == ipc.TypeStartCaptureRequest {
		var req ipc.StartCaptureRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.Warn("malformed start request", logging.KeyError, err)
			p.conn.SendTyped(env.ID, ipc.TypeReply, ipc.Reply{
				OK:        false,
				ErrorKind: ipc.ErrKindInternal,
				Message:   "malformed request",
			})
			return
		}
		cmd.TabID = req.TabID
	}

	// The reply stays open until Respond runs, however long the work
	// behind it takes.
	id := env.ID
	var once sync.Once
	cmd.Respond = func(res host.UIResult) {
		once.Do(func() {
			var payload any
			if res.Status != nil {
				payload = res.Status
			} else {
				payload = ipc.Reply{OK: res.OK, ErrorKind: res.ErrorKind, Message: res.Message}
			}
			if err := p.conn.SendTyped(id, ipc.TypeReply, payload); err != nil {
				log.Debug("popup reply send failed", logging.KeyError, err)
			}
		})
	}
	b.handler.UICommand(cmd)
}

// Tabs queries the browser worker for open tabs.
func (b *Broker) Tabs(ctx context.Context) ([]ipc.TabDescriptor, error) {
	browser := b.browserPeer()
	if browser == nil {
		return nil, ErrNoBrowser
	}
	env, err := browser.request(ctx, ipc.TypeQueryTabs, nil)
	if err != nil {
		return nil, err
	}
	var res ipc.TabsResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return nil, err
	}
	return res.Tabs, nil
}

// Page returns the attached page peer for a tab.
func (b *Broker) Page(tabID int) (host.Page, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pages[tabID]
	if !ok {
		return nil, false
	}
	return &pagePeer{p: p}, true
}

// Pages returns all attached page peers.
func (b *Broker) Pages() []host.Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]host.Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, &pagePeer{p: p})
	}
	return out
}

// SetBadge updates the toolbar badge via the browser worker.
func (b *Broker) SetBadge(badge ipc.Badge) error {
	browser := b.browserPeer()
	if browser == nil {
		return ErrNoBrowser
	}
	return browser.notify(ipc.TypeBadge, badge)
}

// NotifyUI broadcasts a fire-and-forget event to every popup.
func (b *Broker) NotifyUI(event string, payload any) {
	b.mu.RLock()
	popups := make([]*peer, 0, len(b.popups))
	for _, p := range b.popups {
		popups = append(popups, p)
	}
	b.mu.RUnlock()

	for _, p := range popups {
		if err := p.notify(event, payload); err != nil {
			log.Debug("popup notify failed", logging.KeyMessageType, event, logging.KeyError, err)
		}
	}
}

func (b *Broker) browserPeer() *peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.browser
}

func (b *Broker) idleReaper(stop <-chan struct{}) {
	ticker := time.NewTicker(IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reapIdlePopups()
		case <-stop:
			return
		}
	}
}

func (b *Broker) reapIdlePopups() {
	b.mu.RLock()
	var toClose []*peer
	for _, p := range b.popups {
		if p.idle() > PopupIdleTimeout {
			toClose = append(toClose, p)
		}
	}
	b.mu.RUnlock()

	for _, p := range toClose {
		log.Info("disconnecting idle popup", "idle", p.idle())
		p.close()
	}
}
