// Package proxy implements the client-side Proxy and the pending-call
// registry that backs it: translating method calls into
// request messages and matching replies back to the caller that is
// waiting on them.
package proxy

import (
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/future"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/router"
)

// Registry is the local-sentinel message handler: it is
// registered once per context at address.LocalObject, matches inbound
// Reply/ErrorReply messages to the future their request-id was issued
// for, and tracks which peer context each outstanding call was sent to
// so a dropped peer connection can fail the right futures with
// PeerLost.
type Registry struct {
	mu        sync.Mutex
	pending   map[uint64]*future.Future
	byPeer    map[string]map[uint64]struct{}
	peerOfReq map[uint64]string

	onPending func(n int)
	onLatency func(method string, d time.Duration)
}

// NewRegistry creates an empty call registry.
func NewRegistry() *Registry {
	return &Registry{
		pending:   make(map[uint64]*future.Future),
		byPeer:    make(map[string]map[uint64]struct{}),
		peerOfReq: make(map[uint64]string),
	}
}

// SetPendingObserver registers a callback invoked with the current
// outstanding-call count every time it changes, feeding the
// pending-futures gauge. Must be set before traffic starts.
func (r *Registry) SetPendingObserver(fn func(n int)) {
	r.onPending = fn
}

// SetCallObserver registers a callback invoked with each blocking
// call's round-trip duration, feeding the call-latency histogram. Must
// be set before traffic starts.
func (r *Registry) SetCallObserver(fn func(method string, d time.Duration)) {
	r.onLatency = fn
}

func (r *Registry) observeCall(method string, d time.Duration) {
	if r.onLatency != nil {
		r.onLatency(method, d)
	}
}

// RegisterWith binds the registry into rtr's handler table at the
// local-sentinel address for localContext.
func (r *Registry) RegisterWith(rtr *router.Router, localContext string) {
	rtr.RegisterHandler(address.Address{Context: localContext, Object: address.LocalObject}, r)
}

// track associates a newly issued request-id with its future and
// (when the call is going to a remote peer) the peer context name.
func (r *Registry) track(requestID uint64, f *future.Future, peerContext string) {
	r.mu.Lock()
	r.pending[requestID] = f
	if peerContext != "" {
		if r.byPeer[peerContext] == nil {
			r.byPeer[peerContext] = make(map[uint64]struct{})
		}
		r.byPeer[peerContext][requestID] = struct{}{}
		r.peerOfReq[requestID] = peerContext
	}
	n := len(r.pending)
	r.mu.Unlock()
	if r.onPending != nil {
		r.onPending(n)
	}
}

// untrack removes all bookkeeping for requestID, called once the
// future has settled (reply, timeout, or cancellation).
func (r *Registry) untrack(requestID uint64) {
	r.mu.Lock()
	delete(r.pending, requestID)
	if peer, ok := r.peerOfReq[requestID]; ok {
		delete(r.byPeer[peer], requestID)
		delete(r.peerOfReq, requestID)
	}
	n := len(r.pending)
	r.mu.Unlock()
	if r.onPending != nil {
		r.onPending(n)
	}
}

// Handle completes the future matching msg's request-id.
func (r *Registry) Handle(msg message.Message) {
	if msg.Type != message.TypeReply && msg.Type != message.TypeErrorReply {
		return
	}
	r.mu.Lock()
	f, ok := r.pending[msg.RequestID]
	r.mu.Unlock()
	if !ok {
		return
	}
	switch msg.Type {
	case message.TypeErrorReply:
		f.Fail(errs.New(msg.ErrorKind, "%s", msg.ErrorMessage))
	case message.TypeReply:
		if msg.Exception != nil {
			e := &errs.Error{Kind: msg.Exception.Kind, Message: msg.Exception.Message}
			if len(msg.Exception.Descriptor) > 0 {
				e.Descriptor = make(map[string]any, len(msg.Exception.Descriptor))
				for k, v := range msg.Exception.Descriptor {
					e.Descriptor[k] = v
				}
			}
			f.Fail(e)
		} else {
			f.Complete(msg.Value)
		}
	}
}

// FailPeer fails every outstanding future bound to peerContext with
// PeerLost. Wired as the transport Manager's OnPeerLost callback.
func (r *Registry) FailPeer(peerContext string) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.byPeer[peerContext]))
	for id := range r.byPeer[peerContext] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.mu.Lock()
		f := r.pending[id]
		r.mu.Unlock()
		if f != nil {
			f.Fail(errs.New(errs.PeerLost, "peer %s connection lost", peerContext))
		}
	}
}
