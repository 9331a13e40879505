// Package router implements the Message Router: it hands
// each message to a locally registered handler or forwards it along a
// peer connection, classifying every outgoing message as local or
// remote.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/message"
)

// PeerInfo is one answer to a discovery broadcast.
type PeerInfo struct {
	Context string
	Host    string
	Port    uint16
}

// PeerLink abstracts the socket/transport layer the router drives for
// non-local delivery, reached through this interface so router never
// imports the transport package directly.
type PeerLink interface {
	// SendFrame delivers an already-encoded message frame to the peer
	// named by contextName, locating or opening the connection as
	// needed. Returns UnknownPeer if the peer cannot be reached.
	SendFrame(contextName string, frame []byte) error
	Connect(ctx context.Context, name, endpoint string) error
	Disconnect(name string) error
	Discover(ctx context.Context, workgroup string, timeout time.Duration) ([]PeerInfo, error)
}

// Router composes the local handler table with a PeerLink for remote
// delivery.
type Router struct {
	localContext string
	table        *handlerTable
	link         PeerLink
	observer     func(class string)
}

// New creates a Router for localContext. link may be nil until a
// transport layer is attached via SetLink (useful for in-process-only
// tests and for contexts that never accept peer connections).
func New(localContext string) *Router {
	return &Router{localContext: localContext, table: newHandlerTable()}
}

// SetLink attaches the transport layer used for remote delivery.
func (r *Router) SetLink(link PeerLink) {
	r.link = link
}

// SetObserver registers a callback invoked with "local" or "remote" for
// every successfully delivered message, feeding the routed-messages
// counter on the metrics surface. Must be set before traffic starts.
func (r *Router) SetObserver(fn func(class string)) {
	r.observer = fn
}

func (r *Router) observe(class string) {
	if r.observer != nil {
		r.observer(class)
	}
}

// LocalContext returns the name of the context this router belongs to.
func (r *Router) LocalContext() string {
	return r.localContext
}

// RegisterHandler binds h to addr.Object in the local dispatch table.
func (r *Router) RegisterHandler(addr address.Address, h Handler) {
	r.table.register(addr.Object, h)
}

// UnregisterHandler removes the handler bound to addr.Object. A
// message delivered after this call misses the lookup and is answered
// with UnknownReceiver, which covers unregistering while messages are
// still in flight.
func (r *Router) UnregisterHandler(addr address.Address) {
	r.table.unregister(addr.Object)
}

// Send classifies msg by destination and delivers it, returning
// immediately (non-blocking). Local delivery hands the
// Go value directly to the handler without serializing it; remote
// delivery encodes it through the canonical wire codec.
func (r *Router) Send(msg message.Message) error {
	if msg.Source.IsZero() || msg.Destination.IsZero() {
		r.replyError(msg, errs.UnknownReceiver, "message missing source or destination address")
		return errs.New(errs.UnknownReceiver, "message missing source or destination address")
	}

	if msg.Destination.Context == r.localContext {
		handler, ok := r.table.lookup(msg.Destination.Object)
		if !ok {
			r.replyError(msg, errs.UnknownReceiver, "no handler registered for %s", msg.Destination)
			return errs.New(errs.UnknownReceiver, "no handler registered for %s", msg.Destination)
		}
		handler.Handle(msg)
		r.observe("local")
		return nil
	}

	if r.link == nil {
		r.replyError(msg, errs.UnknownPeer, "no transport attached, cannot reach %s", msg.Destination.Context)
		return errs.New(errs.UnknownPeer, "no transport attached, cannot reach %s", msg.Destination.Context)
	}
	frame := message.Encode(msg)
	if err := r.link.SendFrame(msg.Destination.Context, frame); err != nil {
		r.replyError(msg, errs.UnknownPeer, "%s", err)
		return err
	}
	r.observe("remote")
	return nil
}

// replyError sends an ErrorReply back to msg.Source for request-shaped
// messages. Non-request messages (replies, signals, handshakes) have no
// sensible error-reply target and are just logged.
func (r *Router) replyError(msg message.Message, kind errs.Kind, format string, args ...any) {
	if msg.Type != message.TypeRequest || msg.Source.IsZero() {
		slog.Debug("router: undeliverable message dropped", "type", msg.Type, "destination", msg.Destination)
		return
	}
	errMsg := message.NewErrorReply(msg.Destination, msg.Source, msg.RequestID, kind, format, args...)
	// Route the error reply as a fresh send; avoid infinite recursion by
	// never producing an error-reply for an error-reply (Send only
	// builds replyError for TypeRequest above).
	_ = r.Send(errMsg)
}

// Deliver is called by the transport layer for an inbound frame already
// known to target this context. It is kept
// distinct from Send because inbound frames are already addressed and
// must only be locally dispatched, never re-routed remotely.
func (r *Router) Deliver(msg message.Message) error {
	if msg.Destination.Context != r.localContext {
		return errs.New(errs.UnknownReceiver, "frame destination %s is not local", msg.Destination.Context)
	}
	handler, ok := r.table.lookup(msg.Destination.Object)
	if !ok {
		r.replyError(msg, errs.UnknownReceiver, "no handler registered for %s", msg.Destination)
		return errs.New(errs.UnknownReceiver, "no handler registered for %s", msg.Destination)
	}
	handler.Handle(msg)
	return nil
}

// Discover broadcasts a discovery request and returns the peers that
// answered within timeout (default window 500ms).
func (r *Router) Discover(ctx context.Context, workgroup string, timeout time.Duration) ([]PeerInfo, error) {
	if r.link == nil {
		return nil, errs.New(errs.UnknownPeer, "no transport attached")
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return r.link.Discover(ctx, workgroup, timeout)
}

// ConnectPeer opens (or reuses) a peer connection, running discovery
// first when endpoint is empty.
func (r *Router) ConnectPeer(ctx context.Context, name, endpoint string) error {
	if r.link == nil {
		return errs.New(errs.UnknownPeer, "no transport attached")
	}
	return r.link.Connect(ctx, name, endpoint)
}

// DisconnectPeer closes the named peer connection. Futures bound to
// that peer are failed with PeerLost through the transport layer's
// peer-lost callback.
func (r *Router) DisconnectPeer(name string) error {
	if r.link == nil {
		return nil
	}
	return r.link.Disconnect(name)
}
