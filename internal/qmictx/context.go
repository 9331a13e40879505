// Package qmictx is the composition root for one qmigo context process:
// it wires the router, signal manager, transport (peer connections +
// discovery), proxy registry, and metrics together, owns the lifecycle
// of every registered service and task, and exposes the context itself
// as an RPC-addressable object at address.ForContext(name) — the
// process-management control surface (enumerate services, enumerate
// peers, request shutdown).
//
// Start binds the listener and then starts discovery. Shutdown stops
// every registered service worker and task first, then closes the
// transport (listener, discovery responder, then peer connections,
// failing any still-pending futures), then the signal manager, the
// admin surface and tracing. Services and tasks are therefore stopped
// before the context stops accepting peer connections.
package qmictx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/config"
	"github.com/qmigo/qmigo/internal/metrics"
	"github.com/qmigo/qmigo/internal/obs"
	"github.com/qmigo/qmigo/internal/proxy"
	"github.com/qmigo/qmigo/internal/rpcobject"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/internal/signal"
	"github.com/qmigo/qmigo/internal/task"
	"github.com/qmigo/qmigo/internal/transport"
)

// Context is one qmigo context process: the collection of local and
// remote-reachable services sharing a router, a signal manager, and a
// transport layer.
type Context struct {
	id   uuid.UUID
	name string
	cfg  *config.ContextConfig

	Router    *router.Router
	Signals   *signal.Manager
	Transport *transport.Manager
	Registry  *proxy.Registry
	Metrics   *metrics.Metrics

	admin          *http.Server
	gatherer       prometheus.Gatherer
	tracerShutdown func(context.Context) error

	mu       sync.Mutex
	services map[string]*rpcobject.Manager
	tasks    map[string]*task.Task
}

// New builds a Context from cfg but does not yet bind any socket or
// start any background goroutine; call Start for that.
func New(cfg *config.ContextConfig, reg prometheus.Registerer) *Context {
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
		gatherer = r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	rtr := router.New(cfg.ContextName)
	m := metrics.New(reg)
	rtr.SetObserver(m.MessageRouted)
	sig := signal.New(cfg.ContextName, rtr, m)
	sig.RegisterWith(rtr)

	registry := proxy.NewRegistry()
	registry.RegisterWith(rtr, cfg.ContextName)
	registry.SetPendingObserver(m.SetPendingFutures)
	registry.SetCallObserver(func(method string, d time.Duration) {
		m.ObserveCall(method, d.Seconds())
	})

	tm := transport.NewManager(cfg.ContextName, cfg.Workgroup, cfg.ListenAddr(), rtr)
	tm.SetHandshakeTimeout(cfg.HandshakeTimeout)
	tm.SetOnPeerLost(registry.FailPeer)
	tm.SetOnPeerCount(m.SetPeerConnections)

	c := &Context{
		id:        uuid.New(),
		name:      cfg.ContextName,
		cfg:       cfg,
		Router:    rtr,
		Signals:   sig,
		Transport: tm,
		Registry:  registry,
		Metrics:   m,
		gatherer:  gatherer,
		services:  make(map[string]*rpcobject.Manager),
		tasks:     make(map[string]*task.Task),
	}
	c.registerContextService()
	return c
}

// ID returns the process-local instance identifier assigned at
// construction (used in trace resource attributes and introspection).
func (c *Context) ID() uuid.UUID { return c.id }

// Name returns the context's own name, as used in every address.
func (c *Context) Name() string { return c.name }

// Start binds the listening socket, starts the discovery responder, the
// admin/metrics HTTP surface (if configured), and tracing.
func (c *Context) Start(ctx context.Context) error {
	shutdown, err := obs.Init(ctx, c.name, c.cfg.TracingEnabled)
	if err != nil {
		return fmt.Errorf("qmictx: init tracing: %w", err)
	}
	c.tracerShutdown = shutdown

	if err := c.Transport.ListenAndServe(); err != nil {
		return fmt.Errorf("qmictx: listen: %w", err)
	}
	if c.cfg.DiscoveryPort > 0 {
		if err := c.Transport.StartDiscovery(c.cfg.DiscoveryPort); err != nil {
			return fmt.Errorf("qmictx: start discovery: %w", err)
		}
	}

	if c.cfg.AdminAddr != "" {
		if err := c.startAdmin(); err != nil {
			return fmt.Errorf("qmictx: start admin surface: %w", err)
		}
	}

	for _, peer := range c.cfg.StaticPeers {
		endpoint := fmt.Sprintf("%s:%d", peer.Host, peer.Port)
		if err := c.ConnectPeer(ctx, peer.Name, endpoint); err != nil {
			slog.Warn("qmictx: static peer unreachable at start", "peer", peer.Name, "endpoint", endpoint, "error", err)
		}
	}

	slog.Info("qmictx: context started", "context", c.name, "listen", c.cfg.ListenAddr(), "workgroup", c.cfg.Workgroup)
	return nil
}

// RegisterService mounts svc at address.Address{Context: c.name, Object:
// name}, starting its single-threaded worker. bypassExpression
// overrides the default lock-bypass rule for this object only; empty
// uses the context-wide LockBypassExpression (or rpcobject's built-in
// default).
func (c *Context) RegisterService(name string, svc rpcobject.Service, bypassExpression string) (*rpcobject.Manager, error) {
	if bypassExpression == "" {
		bypassExpression = c.cfg.LockBypassExpression
	}
	addr := address.Address{Context: c.name, Object: name}
	mgr, err := rpcobject.New(addr, svc, bypassExpression)
	if err != nil {
		return nil, err
	}
	mgr.SetQueueObserver(func(depth int) { c.Metrics.SetQueueDepth(name, depth) })
	if err := mgr.RegisterWith(c.Router); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.services[name] = mgr
	c.mu.Unlock()
	return mgr, nil
}

// UnregisterService stops and removes a previously registered service.
func (c *Context) UnregisterService(name string) {
	c.mu.Lock()
	mgr, ok := c.services[name]
	if ok {
		delete(c.services, name)
	}
	c.mu.Unlock()
	if ok {
		mgr.Unregister()
	}
}

// RegisterTask binds t to address.Address{Context: c.name, Object: name}
// and starts it: the cooperative task is wrapped as an addressable
// object so its "settings"/"status" signals and start/stop methods are
// reachable over RPC.
func (c *Context) RegisterTask(name string, t *task.Task) error {
	addr := address.Address{Context: c.name, Object: name}
	t.Bind(addr, c.Signals)
	mgr, err := rpcobject.New(addr, t, "")
	if err != nil {
		return err
	}
	mgr.SetQueueObserver(func(depth int) { c.Metrics.SetQueueDepth(name, depth) })
	if err := mgr.RegisterWith(c.Router); err != nil {
		return err
	}
	c.mu.Lock()
	c.services[name] = mgr
	c.tasks[name] = t
	c.mu.Unlock()
	return t.Start()
}

// NewProxy returns a client-side Proxy targeting destination. Calls
// made without an explicit timeout use the configured default (0 =
// unbounded).
func (c *Context) NewProxy(destination address.Address) *proxy.Proxy {
	p := proxy.New(c.name, destination, c.Router, c.Registry)
	p.SetDefaultTimeout(c.cfg.DefaultCallTimeout)
	return p
}

// ConnectPeer opens (or reuses) a connection to the named peer,
// discovering its endpoint first when endpoint is empty.
func (c *Context) ConnectPeer(ctx context.Context, name, endpoint string) error {
	return c.Router.ConnectPeer(ctx, name, endpoint)
}

// DisconnectPeer closes the named peer connection.
func (c *Context) DisconnectPeer(name string) error {
	return c.Router.DisconnectPeer(name)
}

// Discover broadcasts a discovery request for the context's own
// workgroup and returns the peers that answered. timeout <= 0 uses the
// configured discovery window.
func (c *Context) Discover(ctx context.Context, timeout time.Duration) ([]router.PeerInfo, error) {
	if timeout <= 0 {
		timeout = c.cfg.DiscoveryWindow
	}
	return c.Router.Discover(ctx, c.cfg.Workgroup, timeout)
}

// ListServices returns the names of every currently registered service.
func (c *Context) ListServices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	return names
}

// ListPeers returns the context names of every live peer connection.
func (c *Context) ListPeers() []string {
	return c.Transport.Peers()
}

// Shutdown tears the context down: unregister every service and
// request-stop its worker, stop every registered task, then close the
// transport (stop accepting peer connections and discovery requests,
// close peer connections, failing any still-pending futures via the
// registry's OnPeerLost hook), then release the remaining
// infrastructure. Services and tasks stop before the listener and the
// discovery responder close.
func (c *Context) Shutdown(ctx context.Context) error {
	slog.Info("qmictx: shutting down", "context", c.name)

	c.mu.Lock()
	services := make([]*rpcobject.Manager, 0, len(c.services))
	for _, mgr := range c.services {
		services = append(services, mgr)
	}
	tasks := make([]*task.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.services = make(map[string]*rpcobject.Manager)
	c.tasks = make(map[string]*task.Task)
	c.mu.Unlock()

	for _, mgr := range services {
		mgr.Unregister()
	}
	for _, t := range tasks {
		t.Stop()
	}

	if err := c.Transport.Close(); err != nil {
		slog.Warn("qmictx: error closing transport", "error", err)
	}

	c.Signals.Close()

	if c.admin != nil {
		_ = c.admin.Shutdown(ctx)
	}
	if c.tracerShutdown != nil {
		_ = c.tracerShutdown(ctx)
	}
	return nil
}
