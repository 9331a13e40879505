package proxy

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/future"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/obs"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// Proxy is a client-side handle for a remote or local service. It
// carries a lock-session token once a Lock call through this proxy
// succeeds; subsequent calls on the same proxy attach that token
// automatically, never inferring it from the caller identity.
type Proxy struct {
	localContext string
	destination  address.Address
	rtr          *router.Router
	registry     *Registry

	defaultTimeout time.Duration

	mu        sync.Mutex
	lockToken string
}

// New creates a Proxy to destination, issuing requests from localContext
// and matching replies through registry.
func New(localContext string, destination address.Address, rtr *router.Router, registry *Registry) *Proxy {
	return &Proxy{localContext: localContext, destination: destination, rtr: rtr, registry: registry}
}

// Destination returns the address this proxy targets.
func (p *Proxy) Destination() address.Address { return p.destination }

// SetDefaultTimeout sets the deadline applied when Call is invoked with
// timeout <= 0. Zero keeps calls unbounded, the protocol default.
func (p *Proxy) SetDefaultTimeout(d time.Duration) {
	p.defaultTimeout = d
}

func newRequestID() uint64 {
	return rand.Uint64()
}

func (p *Proxy) peerContext() string {
	if p.destination.Context == p.localContext {
		return ""
	}
	return p.destination.Context
}

func (p *Proxy) sessionToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockToken
}

// CallAsync emits the request and returns immediately with the future
// the caller decides when to wait on.
func (p *Proxy) CallAsync(method string, args []qmiwire.Value, kwargs map[string]qmiwire.Value) (*future.Future, error) {
	requestID := newRequestID()
	f := future.New(requestID)
	p.registry.track(requestID, f, p.peerContext())

	source := address.Address{Context: p.localContext, Object: address.LocalObject}
	req := message.NewRequest(source, p.destination, requestID, method, args, kwargs, p.sessionToken())
	if err := p.rtr.Send(req); err != nil {
		p.registry.untrack(requestID)
		f.Fail(err)
		return f, err
	}
	return f, nil
}

// Call performs a blocking call, waiting up to timeout (<=0 falls back
// to the proxy default) for the reply, translating a remote-exception
// or error-reply into a Go error of the equivalent kind.
func (p *Proxy) Call(ctx context.Context, method string, args []qmiwire.Value, kwargs map[string]qmiwire.Value, timeout time.Duration) (qmiwire.Value, error) {
	ctx, span := obs.StartSpan(ctx, "qmigo.call",
		attribute.String("qmigo.destination", p.destination.String()),
		attribute.String("qmigo.method", method),
	)
	defer span.End()

	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	start := time.Now()
	f, err := p.CallAsync(method, args, kwargs)
	if err != nil {
		span.RecordError(err)
		return qmiwire.Value{}, err
	}
	defer p.registry.untrack(f.RequestID())
	v, err := f.Wait(ctx, timeout)
	p.registry.observeCall(method, time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return v, err
}

// Lock attempts to acquire the object lock. On success the token the
// manager assigned — the supplied one, or a generated default when
// token is empty — is retained as this proxy's session and attached to
// subsequent calls automatically.
func (p *Proxy) Lock(ctx context.Context, token string) (bool, error) {
	var args []qmiwire.Value
	if token != "" {
		args = []qmiwire.Value{qmiwire.String(token)}
	}
	v, err := p.Call(ctx, "lock", args, nil, 0)
	if err != nil {
		return false, err
	}
	acquired, assigned := lockReply(v)
	if acquired {
		p.mu.Lock()
		p.lockToken = assigned
		p.mu.Unlock()
	}
	return acquired, nil
}

// lockReply unpacks a lock reply: a LockResult record carrying the
// assigned token.
func lockReply(v qmiwire.Value) (acquired bool, token string) {
	if v.Kind == qmiwire.KindRecord && v.Record != nil {
		f := v.Record.Fields
		return f["acquired"].Bool, f["token"].String
	}
	return v.Bool, ""
}

// Unlock releases this proxy's lock session, if any.
func (p *Proxy) Unlock(ctx context.Context) (bool, error) {
	token := p.sessionToken()
	var args []qmiwire.Value
	if token != "" {
		args = []qmiwire.Value{qmiwire.String(token)}
	}
	v, err := p.Call(ctx, "unlock", args, nil, 0)
	if err != nil {
		return false, err
	}
	if v.Bool {
		p.mu.Lock()
		p.lockToken = ""
		p.mu.Unlock()
	}
	return v.Bool, nil
}

// ForceUnlock clears the object's lock unconditionally.
func (p *Proxy) ForceUnlock(ctx context.Context) error {
	_, err := p.Call(ctx, "force_unlock", nil, nil, 0)
	return err
}

// IsLocked returns a snapshot of the object's lock state.
func (p *Proxy) IsLocked(ctx context.Context) (bool, error) {
	v, err := p.Call(ctx, "is_locked", nil, nil, 0)
	if err != nil {
		return false, err
	}
	return v.Bool, nil
}
