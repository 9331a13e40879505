// Package signal implements the Signal Manager and the publish/subscribe
// fan-out: a subscriber list per (service-address,
// signal-name) tuple, at-most-once delivery, per-subscriber FIFO ordering
// along a given connection, and drop-oldest backpressure so a slow
// subscriber never blocks the publisher.
//
// Manager is itself a Message Handler variant: it is registered
// directly in the router's handler table at the context's well-known
// $signals address, answering subscribe/unsubscribe/publish requests (so
// remote subscription works uniformly over RPC) and fanning out inbound
// Signal messages to local Receivers, without being wrapped in an
// rpcobject.Manager — signals carry no lock state and need none of that
// package's lock-bypass machinery.
package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// Key identifies a single signal stream: the service that publishes it
// and the signal's name.
type Key struct {
	Service address.Address
	Name    string
}

// Recorder receives drop/fanout counters for the admin metrics surface.
// Optional; Manager works with a nil Recorder.
type Recorder interface {
	SignalDropped(dest address.Address)
	SignalPublished(key Key)
}

// Manager owns, for one context, both directions of signal traffic: the
// outbound subscriber queues fed by local Publish calls, and the table of
// local Receivers fed by inbound Signal messages from other contexts.
type Manager struct {
	localContext string
	rtr          *router.Router
	rec          Recorder

	mu   sync.Mutex
	subs map[Key]map[string]*subscriberQueue // keyed by subscribing context name
	recv map[Key][]*Receiver
}

// New creates a Manager for localContext. Call RegisterWith to attach it
// to the router at the well-known signals address.
func New(localContext string, rtr *router.Router, rec Recorder) *Manager {
	return &Manager{
		localContext: localContext,
		rtr:          rtr,
		rec:          rec,
		subs:         make(map[Key]map[string]*subscriberQueue),
		recv:         make(map[Key][]*Receiver),
	}
}

// RegisterWith binds the manager into rtr's handler table at this
// context's $signals address.
func (m *Manager) RegisterWith(rtr *router.Router) {
	rtr.RegisterHandler(address.ForSignalManager(m.localContext), m)
}

// Close stops every outbound subscriber queue's worker.
func (m *Manager) Close() {
	m.mu.Lock()
	queues := make([]*subscriberQueue, 0)
	for _, byCtx := range m.subs {
		for _, q := range byCtx {
			queues = append(queues, q)
		}
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.stop()
	}
}

// Handle dispatches inbound messages:
// Request messages are the subscribe/unsubscribe/publish RPC surface;
// Signal messages are fanned out to local Receivers.
func (m *Manager) Handle(msg message.Message) {
	switch msg.Type {
	case message.TypeRequest:
		m.handleRequest(msg)
	case message.TypeSignal:
		m.dispatchIncoming(msg)
	default:
		slog.Debug("signal: ignoring message", "type", msg.Type)
	}
}

func (m *Manager) handleRequest(msg message.Message) {
	var value qmiwire.Value
	var err error
	switch msg.Method {
	case "subscribe":
		err = m.subscribeArgs(msg.Args, msg.Kwargs)
	case "unsubscribe":
		err = m.unsubscribeArgs(msg.Args, msg.Kwargs)
	case "publish":
		err = m.publishArgs(msg.Args, msg.Kwargs)
	default:
		err = errs.New(errs.UnknownMethod, "no method %q on signal manager", msg.Method)
	}
	if m.rtr == nil || msg.Source.IsZero() {
		return
	}
	if err != nil {
		exc := &message.RemoteException{Kind: errs.KindOf(err), Message: err.Error()}
		_ = m.rtr.Send(message.NewExceptionReply(msg.Destination, msg.Source, msg.RequestID, exc))
		return
	}
	_ = m.rtr.Send(message.NewReply(msg.Destination, msg.Source, msg.RequestID, value))
}

func stringArg(args []qmiwire.Value, kwargs map[string]qmiwire.Value, name string, pos int) string {
	if v, ok := kwargs[name]; ok {
		return v.String
	}
	if pos < len(args) {
		return args[pos].String
	}
	return ""
}

func (m *Manager) subscribeArgs(args []qmiwire.Value, kwargs map[string]qmiwire.Value) error {
	serviceAddr, err := address.Parse(stringArg(args, kwargs, "service", 0))
	if err != nil {
		return errs.New(errs.InvalidArgument, "subscribe: %s", err)
	}
	name := stringArg(args, kwargs, "signal", 1)
	subCtx := stringArg(args, kwargs, "subscriber_context", 2)
	if name == "" || subCtx == "" {
		return errs.New(errs.InvalidArgument, "subscribe: signal and subscriber_context are required")
	}
	m.Subscribe(Key{Service: serviceAddr, Name: name}, subCtx)
	return nil
}

func (m *Manager) unsubscribeArgs(args []qmiwire.Value, kwargs map[string]qmiwire.Value) error {
	serviceAddr, err := address.Parse(stringArg(args, kwargs, "service", 0))
	if err != nil {
		return errs.New(errs.InvalidArgument, "unsubscribe: %s", err)
	}
	name := stringArg(args, kwargs, "signal", 1)
	subCtx := stringArg(args, kwargs, "subscriber_context", 2)
	m.Unsubscribe(Key{Service: serviceAddr, Name: name}, subCtx)
	return nil
}

func (m *Manager) publishArgs(args []qmiwire.Value, kwargs map[string]qmiwire.Value) error {
	serviceAddr, err := address.Parse(stringArg(args, kwargs, "service", 0))
	if err != nil {
		return errs.New(errs.InvalidArgument, "publish: %s", err)
	}
	name := stringArg(args, kwargs, "signal", 1)
	var payload qmiwire.Value
	if v, ok := kwargs["payload"]; ok {
		payload = v
	} else if len(args) > 2 {
		payload = args[2]
	}
	m.Publish(serviceAddr, name, payload)
	return nil
}

// Subscribe adds subscriberContext to the subscriber set for key,
// idempotently. A new subscriber gets its own FIFO outbound queue and
// worker.
func (m *Manager) Subscribe(key Key, subscriberContext string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCtx, ok := m.subs[key]
	if !ok {
		byCtx = make(map[string]*subscriberQueue)
		m.subs[key] = byCtx
	}
	if _, exists := byCtx[subscriberContext]; exists {
		return
	}
	dest := address.ForSignalManager(subscriberContext)
	byCtx[subscriberContext] = newSubscriberQueue(m, dest)
}

// Unsubscribe removes subscriberContext from key's subscriber set, a
// no-op if absent.
func (m *Manager) Unsubscribe(key Key, subscriberContext string) {
	m.mu.Lock()
	byCtx, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	q, ok := byCtx[subscriberContext]
	if ok {
		delete(byCtx, subscriberContext)
	}
	m.mu.Unlock()
	if ok {
		q.stop()
	}
}

// Publish fans a payload out to every subscriber of key, enqueuing a
// signal message to each subscriber address through the router. Never
// blocks: each subscriber queue applies its own drop-oldest
// backpressure policy.
func (m *Manager) Publish(service address.Address, name string, payload qmiwire.Value) {
	key := Key{Service: service, Name: name}
	ts := time.Now().UTC()

	m.mu.Lock()
	byCtx := m.subs[key]
	queues := make([]*subscriberQueue, 0, len(byCtx))
	for _, q := range byCtx {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	if m.rec != nil {
		m.rec.SignalPublished(key)
	}
	for _, q := range queues {
		msg := message.NewSignal(service, q.dest, name, ts, payload)
		q.enqueue(msg)
	}
}

// AddReceiver registers a local Receiver for inbound signals matching
// key.
func (m *Manager) AddReceiver(key Key, r *Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recv[key] = append(m.recv[key], r)
}

// RemoveReceiver unregisters r from key's local receiver list.
func (m *Manager) RemoveReceiver(key Key, r *Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.recv[key]
	for i, existing := range list {
		if existing == r {
			m.recv[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// dispatchIncoming fans an inbound Signal message out to every local
// Receiver subscribed to (msg.Source, msg.SignalName), in the order the
// message arrived: Handle is invoked serially per connection by the
// transport reader, so this loop preserves per-publisher FIFO order.
func (m *Manager) dispatchIncoming(msg message.Message) {
	key := Key{Service: msg.Source, Name: msg.SignalName}
	m.mu.Lock()
	receivers := append([]*Receiver(nil), m.recv[key]...)
	m.mu.Unlock()
	for _, r := range receivers {
		r.push(Event{Service: msg.Source, Signal: msg.SignalName, Timestamp: msg.Timestamp, Payload: msg.Payload})
	}
}
