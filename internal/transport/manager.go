// Package transport implements the Socket Manager and peer connection
// layer: TCP peer connections framed as u32-length-prefix
// plus message body, and a UDP discovery responder scoped by workgroup.
//
// Rather than a single event-driven reactor multiplexing all sockets,
// each connection gets one goroutine doing blocking reads, with the
// runtime scheduler as the multiplexer. Manager is the coordinating
// owner of that goroutine set, a single place that owns all socket
// work without reimplementing epoll by hand.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/router"
)

// Manager owns the set of live peer connections and the discovery
// responder, and implements router.PeerLink.
type Manager struct {
	localContext string
	workgroup    string
	listenAddr   string // e.g. "0.0.0.0:40001"
	hsTimeout    time.Duration

	router *router.Router

	mu    sync.Mutex
	peers map[string]*peerConn

	listener net.Listener
	disc     *discoveryResponder

	onPeerLost  func(contextName string)
	onPeerCount func(n int)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a Manager bound to listenAddr (the local TCP
// endpoint peers dial into) and wires it to rtr for local dispatch of
// inbound frames.
func NewManager(localContext, workgroup, listenAddr string, rtr *router.Router) *Manager {
	m := &Manager{
		localContext: localContext,
		workgroup:    workgroup,
		listenAddr:   listenAddr,
		hsTimeout:    HandshakeTimeout,
		router:       rtr,
		peers:        make(map[string]*peerConn),
		closed:       make(chan struct{}),
	}
	rtr.SetLink(m)
	return m
}

// SetOnPeerLost registers the callback invoked whenever a peer
// connection is torn down (drop or disconnect), so
// the caller (normally the proxy/future layer) can fail pending futures
// bound to that peer with PeerLost.
func (m *Manager) SetOnPeerLost(fn func(contextName string)) {
	m.onPeerLost = fn
}

// SetHandshakeTimeout overrides the default bound on Connect's dial and
// handshake exchange.
func (m *Manager) SetHandshakeTimeout(d time.Duration) {
	if d > 0 {
		m.hsTimeout = d
	}
}

// SetOnPeerCount registers a callback invoked with the current number of
// live connections whenever a peer is added or dropped, feeding the
// peer-connections gauge. Must be set before traffic starts.
func (m *Manager) SetOnPeerCount(fn func(n int)) {
	m.onPeerCount = fn
}

func (m *Manager) notifyPeerCount() {
	if m.onPeerCount == nil {
		return
	}
	m.mu.Lock()
	n := len(m.peers)
	m.mu.Unlock()
	m.onPeerCount(n)
}

// ListenAndServe starts the TCP accept loop. It returns once the
// listener is bound; accepting continues in the background until
// Close.
func (m *Manager) ListenAndServe() error {
	lc := net.ListenConfig{Control: reuseAddrAndPort}
	ln, err := lc.Listen(context.Background(), "tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", m.listenAddr, err)
	}
	m.listener = ln
	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// StartDiscovery starts the UDP discovery responder on port (default
// 35999).
func (m *Manager) StartDiscovery(port int) error {
	d, err := newDiscoveryResponder(m.localContext, m.workgroup, m.listenAddr, port)
	if err != nil {
		return err
	}
	m.disc = d
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		d.serve()
	}()
	return nil
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
				slog.Warn("transport: accept error", "error", err)
				return
			}
		}
		go m.handleAccepted(conn)
	}
}

func (m *Manager) handleAccepted(conn net.Conn) {
	p := &peerConn{conn: conn, live: true, lastActivity: time.Now()}
	remoteContext, err := performHandshake(p, m.localContext, m.listenAddr, m.workgroup, false)
	if err != nil {
		slog.Warn("transport: inbound handshake failed", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	p.remoteContext = remoteContext
	p.endpoint = conn.RemoteAddr().String()

	m.mu.Lock()
	m.peers[remoteContext] = p
	m.mu.Unlock()
	m.notifyPeerCount()

	m.wg.Add(1)
	go m.readLoop(p)
}

// Connect opens (or reuses) a connection to the named peer. If
// endpoint is empty, discovery is run first.
func (m *Manager) Connect(ctx context.Context, name, endpoint string) error {
	m.mu.Lock()
	if existing, ok := m.peers[name]; ok && existing.isLive() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if endpoint == "" {
		peers, err := m.Discover(ctx, m.workgroup, 500*time.Millisecond)
		if err != nil {
			return err
		}
		found := false
		for _, p := range peers {
			if p.Context == name {
				endpoint = fmt.Sprintf("%s:%d", p.Host, p.Port)
				found = true
				break
			}
		}
		if !found {
			return errs.New(errs.UnknownPeer, "discovery found no peer named %s", name)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.hsTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return errs.New(errs.UnknownPeer, "dial %s: %s", endpoint, err)
	}

	p := &peerConn{conn: conn, live: true, lastActivity: time.Now(), endpoint: endpoint}
	remoteContext, err := performHandshake(p, m.localContext, m.listenAddr, m.workgroup, true)
	if err != nil {
		_ = conn.Close()
		return err
	}
	p.remoteContext = remoteContext

	m.mu.Lock()
	m.peers[remoteContext] = p
	m.mu.Unlock()
	m.notifyPeerCount()

	m.wg.Add(1)
	go m.readLoop(p)
	return nil
}

func (m *Manager) readLoop(p *peerConn) {
	defer m.wg.Done()
	for {
		msg, err := p.readMessage()
		if err != nil {
			m.dropPeer(p.remoteContext, err)
			return
		}
		p.touch()
		if err := m.router.Deliver(msg); err != nil {
			slog.Debug("transport: delivery error", "error", err)
		}
	}
}

func (m *Manager) dropPeer(name string, cause error) {
	m.mu.Lock()
	p, ok := m.peers[name]
	if ok {
		delete(m.peers, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.markDead()
	_ = p.conn.Close()
	m.notifyPeerCount()
	slog.Debug("transport: peer connection dropped", "peer", name, "cause", cause)
	if m.onPeerLost != nil {
		m.onPeerLost(name)
	}
}

// Disconnect closes the named peer connection explicitly.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	_, ok := m.peers[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.dropPeer(name, fmt.Errorf("explicit disconnect"))
	return nil
}

// SendFrame delivers an already-encoded frame to the named peer,
// attempting a discovery-based connect if no connection currently
// exists.
func (m *Manager) SendFrame(contextName string, frame []byte) error {
	m.mu.Lock()
	p, ok := m.peers[contextName]
	m.mu.Unlock()

	if !ok || !p.isLive() {
		if err := m.Connect(context.Background(), contextName, ""); err != nil {
			return err
		}
		m.mu.Lock()
		p, ok = m.peers[contextName]
		m.mu.Unlock()
		if !ok {
			return errs.New(errs.UnknownPeer, "peer %s not reachable", contextName)
		}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrameRaw(p, frame); err != nil {
		m.dropPeer(contextName, err)
		return errs.New(errs.UnknownPeer, "write to %s: %s", contextName, err)
	}
	p.touch()
	return nil
}

// Peers returns the context names of every currently live peer
// connection, for context introspection.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.peers))
	for name, p := range m.peers {
		if p.isLive() {
			names = append(names, name)
		}
	}
	return names
}

// Discover broadcasts a discovery request for workgroup and collects
// responses until timeout.
func (m *Manager) Discover(ctx context.Context, workgroup string, timeout time.Duration) ([]router.PeerInfo, error) {
	if m.disc == nil {
		return nil, errs.New(errs.UnknownPeer, "discovery responder not started")
	}
	return m.disc.discover(ctx, workgroup, timeout)
}

// Close tears down every peer connection, the listener, and the
// discovery responder.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.listener != nil {
			_ = m.listener.Close()
		}
		if m.disc != nil {
			m.disc.close()
		}
		m.mu.Lock()
		names := make([]string, 0, len(m.peers))
		for name := range m.peers {
			names = append(names, name)
		}
		m.mu.Unlock()
		for _, name := range names {
			_ = m.Disconnect(name)
		}
	})
	m.wg.Wait()
	return nil
}

var _ router.PeerLink = (*Manager)(nil)
