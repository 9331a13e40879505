package qmictx

import (
	"context"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/rpcobject"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// contextService exposes the control surface consumed by the
// process-management collaborator: enumerate live services, enumerate
// known peers, and request orderly shutdown, all reachable as ordinary
// RPC methods on address.ForContext(name) like any other service.
type contextService struct {
	c *Context
}

func (s *contextService) Methods() map[string]rpcobject.Method {
	return map[string]rpcobject.Method{
		"list_services": s.listServices,
		"list_peers":    s.listPeers,
		"shutdown":      s.shutdown,
		"discover":      s.discover,
	}
}

func (s *contextService) listServices(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	names := s.c.ListServices()
	values := make([]qmiwire.Value, len(names))
	for i, n := range names {
		values[i] = qmiwire.String(n)
	}
	return qmiwire.List(values), nil
}

func (s *contextService) listPeers(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	names := s.c.ListPeers()
	values := make([]qmiwire.Value, len(names))
	for i, n := range names {
		values[i] = qmiwire.String(n)
	}
	return qmiwire.List(values), nil
}

// shutdown runs asynchronously so the caller's reply is not blocked on
// the shutdown sequence itself, which includes stopping the worker
// processing this very request.
func (s *contextService) shutdown(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.c.Shutdown(ctx)
	}()
	return qmiwire.Bool(true), nil
}

func (s *contextService) discover(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peers, err := s.c.Discover(ctx, 0)
	if err != nil {
		return qmiwire.Value{}, err
	}
	values := make([]qmiwire.Value, len(peers))
	for i, p := range peers {
		values[i] = qmiwire.RecordValue("PeerInfo", map[string]qmiwire.Value{
			"context": qmiwire.String(p.Context),
			"host":    qmiwire.String(p.Host),
			"port":    qmiwire.Int(int64(p.Port)),
		})
	}
	return qmiwire.List(values), nil
}

// registerContextService mounts the context's own control surface at
// address.ForContext(c.name). Errors here can only come from a
// malformed bypass expression, which never happens with the built-in
// default, so it is not surfaced from New.
func (c *Context) registerContextService() {
	addr := address.ForContext(c.name)
	svc := &contextService{c: c}
	mgr, err := rpcobject.New(addr, svc, "")
	if err != nil {
		panic(err)
	}
	if err := mgr.RegisterWith(c.Router); err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.services[address.ContextObject] = mgr
	c.mu.Unlock()
}
