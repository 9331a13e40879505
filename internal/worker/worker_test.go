package worker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStartStopJoin(t *testing.T) {
	started := make(chan struct{})
	w := New(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	<-started
	w.RequestStop()
	if err := w.Join(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	w := New(func(ctx context.Context) { <-ctx.Done() })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		w.RequestStop()
		_ = w.Join(time.Second)
	}()
	if err := w.Start(); err == nil {
		t.Fatal("expected error starting an already-started worker")
	}
}

func TestJoinTimesOutWhileRunning(t *testing.T) {
	release := make(chan struct{})
	w := New(func(ctx context.Context) { <-release })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Join(10 * time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	close(release)
	if err := w.Join(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestSleepWakesOnStop(t *testing.T) {
	stoppedEarly := make(chan bool, 1)
	var w *Worker
	w = New(func(ctx context.Context) {
		stoppedEarly <- w.Sleep(time.Hour)
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.RequestStop()
	select {
	case got := <-stoppedEarly:
		if !got {
			t.Fatal("expected Sleep to report early wake due to stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not wake on stop")
	}
	if err := w.Join(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestStopRequestedBeforeStart(t *testing.T) {
	w := New(func(ctx context.Context) {})
	if w.StopRequested() {
		t.Fatal("StopRequested should be false before Start")
	}
}
