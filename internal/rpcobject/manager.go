// Package rpcobject implements the RPC-Object Manager and its
// single-threaded worker: each manager owns one service
// instance, serialises method invocations against it in arrival order,
// and enforces the object lock.
package rpcobject

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alexedwards/argon2id"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/internal/worker"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// inboxSize bounds the per-service request queue. The router's Send
// contract promises not to block forever on enqueue; a generous buffer
// keeps that true under ordinary load while still giving the worker a
// single deterministic FIFO to drain in arrival order.
const inboxSize = 256

var lockTokenFingerprintParams = &argon2id.Params{
	Memory:      19 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  8,
	KeyLength:   16,
}

type lockState struct {
	locked    bool
	token     string
	isDefault bool
	owner     address.Address
}

// Manager owns one Service and the worker that serialises calls against
// it.
type Manager struct {
	addr      address.Address
	rtr       *router.Router
	svc       Service
	catalogue map[string]Method
	bypass    *bypassEvaluator

	inbox   chan message.Message
	w       *worker.Worker
	onDepth func(depth int)

	mu          sync.Mutex
	lock        lockState
	lockCounter atomic.Uint64
}

// New has no side effects yet; call RegisterWith to attach to a router's
// dispatch table and spawn the worker.
func New(addr address.Address, svc Service, bypassExpression string) (*Manager, error) {
	if bypassExpression == "" {
		bypassExpression = DefaultBypassExpression
	}
	bypass, err := newBypassEvaluator(bypassExpression)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		addr:      addr,
		svc:       svc,
		catalogue: svc.Methods(),
		bypass:    bypass,
		inbox:     make(chan message.Message, inboxSize),
	}
	return m, nil
}

// RegisterWith binds the manager into rtr's handler table and starts
// its worker.
func (m *Manager) RegisterWith(rtr *router.Router) error {
	m.rtr = rtr
	rtr.RegisterHandler(m.addr, m)
	m.w = worker.New(m.run)
	return m.w.Start()
}

// Unregister stops the worker and removes the manager from the router.
func (m *Manager) Unregister() {
	if m.rtr != nil {
		m.rtr.UnregisterHandler(m.addr)
	}
	if m.w != nil {
		m.w.RequestStop()
	}
}

// Address returns the manager's registered address.
func (m *Manager) Address() address.Address { return m.addr }

// SetQueueObserver registers a callback invoked with the inbox depth on
// every enqueue and dequeue, feeding the worker-queue-depth gauge. Must
// be set before RegisterWith.
func (m *Manager) SetQueueObserver(fn func(depth int)) {
	m.onDepth = fn
}

func (m *Manager) observeDepth() {
	if m.onDepth != nil {
		m.onDepth(len(m.inbox))
	}
}

// MethodNames returns the service's method catalogue (used by
// get_methods and context introspection).
func (m *Manager) MethodNames() []string {
	names := make([]string, 0, len(m.catalogue))
	for name := range m.catalogue {
		names = append(names, name)
	}
	return names
}

// SignalNames returns the service's declared signals, if any.
func (m *Manager) SignalNames() []string {
	if sd, ok := m.svc.(SignalDeclarer); ok {
		return sd.Signals()
	}
	return nil
}

// Handle enqueues an inbound request. Non-request messages are not meaningful here and are
// dropped with a debug log.
func (m *Manager) Handle(msg message.Message) {
	if msg.Type != message.TypeRequest {
		slog.Debug("rpcobject: ignoring non-request message", "type", msg.Type, "address", m.addr)
		return
	}
	m.inbox <- msg
	m.observeDepth()
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.inbox:
			m.observeDepth()
			m.processWithRecovery(msg)
		}
	}
}

// processWithRecovery isolates a single request so that a panic inside
// a method implementation becomes the fatal-worker-error path
// (terminate the worker, unregister the service, log the incident)
// rather than crashing the process or silently wedging the
// service.
func (m *Manager) processWithRecovery(msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rpcobject: fatal error in service worker, unregistering", "address", m.addr, "panic", r)
			m.replyError(msg, errs.IllegalState, "service %s encountered a fatal internal error", m.addr)
			m.Unregister()
		}
	}()
	m.process(msg)
}

func (m *Manager) process(msg message.Message) {
	method, ok := m.builtin(msg.Method)
	if !ok {
		method, ok = m.catalogue[msg.Method]
	}
	if !ok {
		m.replyError(msg, errs.UnknownMethod, "no method %q on %s", msg.Method, m.addr)
		return
	}

	if !m.bypass.bypasses(msg.Method) {
		m.mu.Lock()
		locked := m.lock.locked
		token := m.lock.token
		m.mu.Unlock()
		if locked && msg.LockToken != token {
			m.replyError(msg, errs.Locked, "%s is locked", m.addr)
			return
		}
	}

	value, err := method(msg.Args, msg.Kwargs)
	if err != nil {
		m.replyException(msg, err)
		return
	}
	m.reply(msg, value)
}

func (m *Manager) builtin(name string) (Method, bool) {
	switch name {
	case "lock":
		return m.lockMethod, true
	case "unlock":
		return m.unlockMethod, true
	case "force_unlock":
		return m.forceUnlockMethod, true
	case "is_locked":
		return m.isLockedMethod, true
	case "get_methods":
		return m.getMethodsMethod, true
	case "get_signals":
		return m.getSignalsMethod, true
	default:
		return nil, false
	}
}

func (m *Manager) reply(req message.Message, value qmiwire.Value) {
	if m.rtr == nil {
		return
	}
	_ = m.rtr.Send(message.NewReply(req.Destination, req.Source, req.RequestID, value))
}

func (m *Manager) replyException(req message.Message, err error) {
	if m.rtr == nil {
		return
	}
	exc := &message.RemoteException{Kind: errs.KindOf(err), Message: err.Error()}
	if e, ok := err.(*errs.Error); ok {
		exc.Message = e.Message
	}
	_ = m.rtr.Send(message.NewExceptionReply(req.Destination, req.Source, req.RequestID, exc))
}

func (m *Manager) replyError(req message.Message, kind errs.Kind, format string, args ...any) {
	if m.rtr == nil || req.Source.IsZero() {
		return
	}
	_ = m.rtr.Send(message.NewErrorReply(req.Destination, req.Source, req.RequestID, kind, format, args...))
}

// --- lock built-ins ---

// lockResult is the lock reply payload: whether the lock was acquired
// and, on success, the token the holder must attach to subsequent
// requests — generated when the caller supplied none, so a caller that
// locked with the default token still learns what it is.
func lockResult(acquired bool, token string) qmiwire.Value {
	return qmiwire.RecordValue("LockResult", map[string]qmiwire.Value{
		"acquired": qmiwire.Bool(acquired),
		"token":    qmiwire.String(token),
	})
}

func (m *Manager) lockMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	requested := tokenArg(args, kwargs)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock.locked {
		return lockResult(false, ""), nil
	}
	isDefault := requested == ""
	if isDefault {
		requested = fmt.Sprintf("$lock_%d", m.lockCounter.Add(1))
	}
	m.lock = lockState{locked: true, token: requested, isDefault: isDefault}
	if fp, err := argon2id.CreateHash(requested, lockTokenFingerprintParams); err == nil {
		slog.Info("rpcobject: locked", "address", m.addr, "token_fingerprint", fp, "default_token", isDefault)
	}
	return lockResult(true, requested), nil
}

func (m *Manager) unlockMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	requested := tokenArg(args, kwargs)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lock.locked {
		return qmiwire.Bool(false), nil
	}
	if requested != m.lock.token {
		slog.Warn("rpcobject: unlock attempted with wrong token", "address", m.addr)
		return qmiwire.Bool(false), nil
	}
	m.lock = lockState{}
	return qmiwire.Bool(true), nil
}

func (m *Manager) forceUnlockMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	m.mu.Lock()
	wasLocked := m.lock.locked
	m.lock = lockState{}
	m.mu.Unlock()
	if wasLocked {
		slog.Warn("rpcobject: force-unlocked", "address", m.addr)
	}
	return qmiwire.Nil(), nil
}

func (m *Manager) isLockedMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return qmiwire.Bool(m.lock.locked), nil
}

func (m *Manager) getMethodsMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	names := m.MethodNames()
	values := make([]qmiwire.Value, len(names))
	for i, n := range names {
		values[i] = qmiwire.String(n)
	}
	return qmiwire.List(values), nil
}

func (m *Manager) getSignalsMethod(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	names := m.SignalNames()
	values := make([]qmiwire.Value, len(names))
	for i, n := range names {
		values[i] = qmiwire.String(n)
	}
	return qmiwire.List(values), nil
}

func tokenArg(args []qmiwire.Value, kwargs map[string]qmiwire.Value) string {
	if v, ok := kwargs["token"]; ok {
		return v.String
	}
	if len(args) > 0 {
		return args[0].String
	}
	return ""
}
