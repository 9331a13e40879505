package signal

import (
	"context"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/worker"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// Event is a single delivered signal occurrence, reduced to the fields
// a subscriber cares about.
type Event struct {
	Service   address.Address
	Signal    string
	Timestamp time.Time
	Payload   qmiwire.Value
}

// receiverCapacity bounds a Receiver's own buffer.
const receiverCapacity = 256

// Receiver is a bounded FIFO a subscriber either polls (Pop/PopTimeout)
// or drives with a callback invoked on the receiver's own worker. The two modes are mutually exclusive: calling
// OnEvent switches the receiver into callback mode and Pop/PopTimeout
// stop seeing new events from that point on.
type Receiver struct {
	mu       sync.Mutex
	buf      []Event
	notEmpty chan struct{}

	cbMu sync.Mutex
	cb   func(Event)
	w    *worker.Worker
	cbCh chan Event
}

// NewReceiver creates an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{notEmpty: make(chan struct{}, 1)}
}

func (r *Receiver) push(ev Event) {
	r.cbMu.Lock()
	hasCallback := r.cb != nil
	ch := r.cbCh
	r.cbMu.Unlock()
	if hasCallback {
		select {
		case ch <- ev:
		default:
			// Callback worker is behind; drop-oldest by draining one slot
			// before retrying, same bounded-FIFO policy as the poll path.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
		return
	}

	r.mu.Lock()
	if len(r.buf) >= receiverCapacity {
		r.buf = r.buf[1:]
	}
	r.buf = append(r.buf, ev)
	r.mu.Unlock()
	select {
	case r.notEmpty <- struct{}{}:
	default:
	}
}

// Pop blocks until an event is available or ctx is done.
func (r *Receiver) Pop(ctx context.Context) (Event, bool) {
	for {
		if ev, ok := r.tryPop(); ok {
			return ev, true
		}
		select {
		case <-r.notEmpty:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// PopTimeout blocks until an event is available or timeout elapses.
func (r *Receiver) PopTimeout(timeout time.Duration) (Event, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Pop(ctx)
}

func (r *Receiver) tryPop() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return Event{}, false
	}
	ev := r.buf[0]
	r.buf = r.buf[1:]
	return ev, true
}

// OnEvent registers cb to be invoked, in delivery order, on a dedicated
// worker owned by this receiver. Calling OnEvent more than once
// replaces the callback and restarts the worker.
func (r *Receiver) OnEvent(cb func(Event)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if r.w != nil {
		r.w.RequestStop()
		_ = r.w.Join(time.Second)
	}
	r.cb = cb
	r.cbCh = make(chan Event, receiverCapacity)
	r.w = worker.New(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.cbCh:
				cb(ev)
			}
		}
	})
	_ = r.w.Start()
}

// Close stops the callback worker, if any. Safe to call on a
// poll-only receiver.
func (r *Receiver) Close() {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if r.w != nil {
		r.w.RequestStop()
		_ = r.w.Join(time.Second)
		r.w = nil
	}
}
