package future

import (
	"context"
	"testing"
	"time"

	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

func TestCompleteThenWait(t *testing.T) {
	f := New(1)
	go f.Complete(qmiwire.Int(42))
	v, err := f.Wait(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Int != 42 {
		t.Fatalf("got %v", v)
	}
}

func TestFailThenWait(t *testing.T) {
	f := New(1)
	go f.Fail(errs.New(errs.ApplicationError, "boom"))
	_, err := f.Wait(context.Background(), 0)
	if errs.KindOf(err) != errs.ApplicationError {
		t.Fatalf("got %v", err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	f := New(1)
	_, err := f.Wait(context.Background(), 10*time.Millisecond)
	if errs.KindOf(err) != errs.Timeout {
		t.Fatalf("got %v", err)
	}
	if f.State() != Failed {
		t.Fatalf("expected Failed state, got %v", f.State())
	}
}

func TestLateCompletionAfterTimeoutIsDiscarded(t *testing.T) {
	f := New(1)
	_, _ = f.Wait(context.Background(), 5*time.Millisecond)
	f.Complete(qmiwire.Int(7))
	if f.State() != Failed {
		t.Fatalf("late completion should not override Failed state, got %v", f.State())
	}
}

func TestCancelDiscardsLateReply(t *testing.T) {
	f := New(1)
	f.Cancel()
	f.Complete(qmiwire.Int(7))
	if f.State() != Cancelled {
		t.Fatalf("expected Cancelled, got %v", f.State())
	}
}

func TestWaitCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := New(1)
	cancel()
	_, err := f.Wait(ctx, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if f.State() != Cancelled {
		t.Fatalf("got %v", f.State())
	}
}
