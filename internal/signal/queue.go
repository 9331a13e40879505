package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/worker"
)

// highWaterMark bounds a single subscriber's outbound queue: past it
// the oldest queued signal for that subscriber is dropped so the
// publisher is never blocked.
const highWaterMark = 128

// subscriberQueue is one subscriber's FIFO outbound stream: a single
// worker drains it in order and hands each message to the router, so a
// given subscriber always observes publish order while Publish itself
// only ever appends to a mutex-guarded slice.
type subscriberQueue struct {
	mgr  *Manager
	dest address.Address

	mu   sync.Mutex
	buf  []message.Message
	wake chan struct{}
	w    *worker.Worker
}

func newSubscriberQueue(mgr *Manager, dest address.Address) *subscriberQueue {
	q := &subscriberQueue{mgr: mgr, dest: dest, wake: make(chan struct{}, 1)}
	q.w = worker.New(q.run)
	_ = q.w.Start()
	return q
}

func (q *subscriberQueue) enqueue(msg message.Message) {
	q.mu.Lock()
	if len(q.buf) >= highWaterMark {
		q.buf = q.buf[1:]
		slog.Warn("signal: dropping oldest queued signal, subscriber over high-water mark", "subscriber", q.dest)
		if q.mgr.rec != nil {
			q.mgr.rec.SignalDropped(q.dest)
		}
	}
	q.buf = append(q.buf, msg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *subscriberQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.drain(ctx)
		}
	}
}

func (q *subscriberQueue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := q.mgr.rtr.Send(msg); err != nil {
			slog.Debug("signal: delivery failed", "subscriber", q.dest, "error", err)
		}
	}
}

func (q *subscriberQueue) stop() {
	q.w.RequestStop()
	_ = q.w.Join(time.Second)
}
