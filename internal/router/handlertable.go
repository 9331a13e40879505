package router

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/qmigo/qmigo/internal/message"
)

// Handler is a message sink bound to an address. Implementations: RPC-object manager, pending-call future
// registry, signal manager.
type Handler interface {
	Handle(msg message.Message)
}

const tableStripes = 64

// handlerTable is the router's local dispatch table, guarded by
// per-stripe mutexes rather than one global lock so registration
// traffic for one object never contends with delivery to another:
// striping keeps each critical section short while letting unrelated
// objects proceed independently.
type handlerTable struct {
	stripes [tableStripes]stripe
}

type stripe struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newHandlerTable() *handlerTable {
	t := &handlerTable{}
	for i := range t.stripes {
		t.stripes[i].handlers = make(map[string]Handler)
	}
	return t
}

func (t *handlerTable) stripeFor(object string) *stripe {
	h := xxhash.Sum64String(object)
	return &t.stripes[h%tableStripes]
}

func (t *handlerTable) register(object string, h Handler) {
	s := t.stripeFor(object)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[object] = h
}

func (t *handlerTable) unregister(object string) {
	s := t.stripeFor(object)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, object)
}

func (t *handlerTable) lookup(object string) (Handler, bool) {
	s := t.stripeFor(object)
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[object]
	return h, ok
}
