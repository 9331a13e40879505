package signal

import (
	"context"
	"testing"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

func TestSubscribePublishRoundTrip(t *testing.T) {
	rtr := router.New("a")
	mgr := New("a", rtr, nil)
	mgr.RegisterWith(rtr)
	defer mgr.Close()

	svc := address.Address{Context: "a", Object: "tick"}
	key := Key{Service: svc, Name: "tick"}

	recv := NewReceiver()
	mgr.AddReceiver(key, recv)
	mgr.Subscribe(key, "a")

	for i := int64(1); i <= 5; i++ {
		mgr.Publish(svc, "tick", qmiwire.Int(i))
	}

	for i := int64(1); i <= 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ev, ok := recv.Pop(ctx)
		cancel()
		if !ok {
			t.Fatalf("missing event %d", i)
		}
		if ev.Payload.Int != i {
			t.Fatalf("got payload %d, want %d (order violated)", ev.Payload.Int, i)
		}
	}
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	rtr := router.New("a")
	mgr := New("a", rtr, nil)
	mgr.RegisterWith(rtr)
	defer mgr.Close()

	svc := address.Address{Context: "a", Object: "tick"}
	key := Key{Service: svc, Name: "tick"}

	recv := NewReceiver()
	mgr.AddReceiver(key, recv)
	mgr.Subscribe(key, "a")
	mgr.Publish(svc, "tick", qmiwire.Int(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if _, ok := recv.Pop(ctx); !ok {
		t.Fatal("expected first publish to arrive")
	}
	cancel()

	mgr.Unsubscribe(key, "a")
	mgr.RemoveReceiver(key, recv)
	mgr.Publish(svc, "tick", qmiwire.Int(2))

	if _, ok := recv.PopTimeout(100 * time.Millisecond); ok {
		t.Fatal("received event after unsubscribe")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	rtr := router.New("a")
	mgr := New("a", rtr, nil)
	mgr.RegisterWith(rtr)
	defer mgr.Close()

	key := Key{Service: address.Address{Context: "a", Object: "svc"}, Name: "s"}
	mgr.Subscribe(key, "b")
	mgr.Subscribe(key, "b")

	mgr.mu.Lock()
	n := len(mgr.subs[key])
	mgr.mu.Unlock()
	if n != 1 {
		t.Fatalf("got %d subscribers, want 1", n)
	}

	// Unsubscribe of an absent pair is a no-op.
	mgr.Unsubscribe(Key{Service: key.Service, Name: "nope"}, "b")
}

func TestOnEventCallbackPreservesOrder(t *testing.T) {
	rtr := router.New("a")
	mgr := New("a", rtr, nil)
	mgr.RegisterWith(rtr)
	defer mgr.Close()

	svc := address.Address{Context: "a", Object: "tick"}
	key := Key{Service: svc, Name: "tick"}

	recv := NewReceiver()
	defer recv.Close()
	mgr.AddReceiver(key, recv)
	mgr.Subscribe(key, "a")

	got := make(chan int64, 8)
	recv.OnEvent(func(ev Event) { got <- ev.Payload.Int })

	for i := int64(1); i <= 3; i++ {
		mgr.Publish(svc, "tick", qmiwire.Int(i))
	}

	for i := int64(1); i <= 3; i++ {
		select {
		case v := <-got:
			if v != i {
				t.Fatalf("got %d, want %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
