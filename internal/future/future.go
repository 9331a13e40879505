// Package future implements the pending-call future:
// the client-side completion record for a proxy call awaiting its reply.
package future

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// State is the future's completion state.
type State int

const (
	Pending State = iota
	Completed
	Failed
	Cancelled
)

// Future is a one-shot handoff slot for a single request-id's reply. A
// Future transitions exactly once out of Pending; any later attempt to
// complete it is a silent no-op: late replies after timeout or
// cancellation are discarded and logged at debug.
type Future struct {
	requestID uint64

	mu    sync.Mutex
	state State
	value qmiwire.Value
	err   error

	done chan struct{}
}

// New creates a pending Future for requestID.
func New(requestID uint64) *Future {
	return &Future{requestID: requestID, done: make(chan struct{})}
}

// RequestID returns the request-id this future is keyed on.
func (f *Future) RequestID() uint64 { return f.requestID }

// Complete transitions the future to Completed with value, unless it
// has already left the Pending state.
func (f *Future) Complete(value qmiwire.Value) {
	f.finish(Completed, value, nil)
}

// Fail transitions the future to Failed with err, unless it has already
// left the Pending state.
func (f *Future) Fail(err error) {
	f.finish(Failed, qmiwire.Value{}, err)
}

// Cancel transitions the future to Cancelled. A reply arriving after
// cancellation is discarded by Complete/Fail.
func (f *Future) Cancel() {
	f.finish(Cancelled, qmiwire.Value{}, errs.New(errs.IllegalState, "cancelled"))
}

func (f *Future) finish(state State, value qmiwire.Value, err error) {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		slog.Debug("future: discarding late completion", "request_id", f.requestID, "state", f.state)
		return
	}
	f.state = state
	f.value = value
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Wait blocks until the future completes, ctx is cancelled, or timeout
// elapses (timeout <= 0 means no deadline beyond ctx). Returns the value
// on success, or the completion error (Failed/Cancelled) or a Timeout
// error if the deadline is hit first.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (qmiwire.Value, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.state == Completed {
			return f.value, nil
		}
		return qmiwire.Value{}, f.err
	case <-timeoutCh:
		f.Fail(errs.New(errs.Timeout, "call timed out after %s", timeout))
		return qmiwire.Value{}, errs.New(errs.Timeout, "call timed out after %s", timeout)
	case <-ctx.Done():
		f.Cancel()
		return qmiwire.Value{}, ctx.Err()
	}
}

// State returns the current completion state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
