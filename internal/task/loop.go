package task

import (
	"context"
	"time"

	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// runLoop drives prepare()/iterate()/finalise() on the configured
// period, applying the configured OverrunPolicy when iterate() runs
// long. The grid is anchored at the first tick so Skip
// realigns to period-aligned timestamps rather than drifting from the
// overrun itself.
func (t *Task) runLoop(ctx context.Context) {
	defer func() {
		if t.loop.Finalize != nil {
			t.loop.Finalize(t)
		}
	}()

	if t.loop.Prepare != nil {
		if err := t.loop.Prepare(t); err != nil {
			t.setLastError(err)
			return
		}
	}

	next := time.Now()
	seq := uint64(0)
	for {
		if ctx.Err() != nil {
			return
		}

		if d := time.Until(next); d > 0 {
			if t.Sleep(d) {
				return
			}
		}

		iterStart := time.Now()
		var iterErr error
		if t.loop.Iterate != nil {
			iterErr = t.loop.Iterate(t)
		}
		elapsed := time.Since(iterStart)
		seq++
		t.publishStatus(seq, iterStart, iterErr)

		if iterErr != nil {
			t.setLastError(iterErr)
			return
		}

		overran := elapsed > t.period
		switch t.policy {
		case Immediate:
			if overran {
				next = time.Now()
			} else {
				next = next.Add(t.period)
			}
		case Skip:
			next = next.Add(t.period)
			now := time.Now()
			for next.Before(now) {
				next = next.Add(t.period)
			}
		case Terminate:
			if overran {
				t.setLastError(errs.New(errs.Overrun, "task %s: iteration took %s, period is %s", t.name, elapsed, t.period))
				return
			}
			next = next.Add(t.period)
		}
	}
}

func (t *Task) publishStatus(seq uint64, at time.Time, err error) {
	fields := map[string]qmiwire.Value{
		"sequence": qmiwire.Int(int64(seq)),
		"running":  qmiwire.Bool(true),
	}
	if err != nil {
		fields["error"] = qmiwire.String(err.Error())
	}
	t.publish("status", qmiwire.RecordValue("TaskStatus", fields))
	_ = at
}
