package qmictx

import (
	"context"
	"testing"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/rpcobject"
	"github.com/qmigo/qmigo/internal/signal"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

type arithService struct{}

func (arithService) Methods() map[string]rpcobject.Method {
	return map[string]rpcobject.Method{
		"add": func(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
			if len(args) != 2 {
				return qmiwire.Value{}, errs.New(errs.InvalidArgument, "add takes exactly 2 arguments")
			}
			return qmiwire.Int(args[0].Int + args[1].Int), nil
		},
		"slow": func(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
			time.Sleep(10 * time.Second)
			return qmiwire.Nil(), nil
		},
	}
}

func startTestContext(t *testing.T, name string, port uint16) *Context {
	t.Helper()
	cfg := newTestConfig(name, port)
	c := New(cfg, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestRemoteCall(t *testing.T) {
	a := startTestContext(t, "a", 41011)
	b := startTestContext(t, "b", 41012)
	if _, err := a.RegisterService("svc", arithService{}, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ConnectPeer(ctx, "a", "127.0.0.1:41011"); err != nil {
		t.Fatal(err)
	}

	p := b.NewProxy(address.Address{Context: "a", Object: "svc"})
	v, err := p.Call(ctx, "add", []qmiwire.Value{qmiwire.Int(10), qmiwire.Int(4)}, nil, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if v.Int != 14 {
		t.Fatalf("got %v", v)
	}
}

func TestRemoteLockRefusal(t *testing.T) {
	a := startTestContext(t, "a2", 41013)
	b := startTestContext(t, "b2", 41014)
	c := startTestContext(t, "c2", 41015)
	if _, err := a.RegisterService("svc", arithService{}, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ConnectPeer(ctx, "a2", "127.0.0.1:41013"); err != nil {
		t.Fatal(err)
	}
	if err := c.ConnectPeer(ctx, "a2", "127.0.0.1:41013"); err != nil {
		t.Fatal(err)
	}

	svcAddr := address.Address{Context: "a2", Object: "svc"}
	holder := b.NewProxy(svcAddr)
	ok, err := holder.Lock(ctx, "session-token")
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	outsider := c.NewProxy(svcAddr)
	_, err = outsider.Call(ctx, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, nil, 2*time.Second)
	if errs.KindOf(err) != errs.Locked {
		t.Fatalf("expected Locked, got %v", err)
	}

	ok, err = holder.Unlock(ctx)
	if err != nil || !ok {
		t.Fatalf("unlock: ok=%v err=%v", ok, err)
	}
	v, err := outsider.Call(ctx, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, nil, 2*time.Second)
	if err != nil || v.Int != 2 {
		t.Fatalf("got %v %v", v, err)
	}
}

func TestRemoteDefaultTokenLockSession(t *testing.T) {
	a := startTestContext(t, "a5", 41031)
	b := startTestContext(t, "b5", 41032)
	if _, err := a.RegisterService("svc", arithService{}, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ConnectPeer(ctx, "a5", "127.0.0.1:41031"); err != nil {
		t.Fatal(err)
	}

	svcAddr := address.Address{Context: "a5", Object: "svc"}
	holder := b.NewProxy(svcAddr)
	ok, err := holder.Lock(ctx, "")
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	// The holder's session carries the generated token, so its own
	// calls still pass the lock check.
	v, err := holder.Call(ctx, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, nil, 2*time.Second)
	if err != nil || v.Int != 2 {
		t.Fatalf("holder call refused on its own lock: %v %v", v, err)
	}

	outsider := a.NewProxy(svcAddr)
	_, err = outsider.Call(ctx, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, nil, 2*time.Second)
	if errs.KindOf(err) != errs.Locked {
		t.Fatalf("expected Locked for a tokenless caller, got %v", err)
	}
	if ok, err := outsider.Unlock(ctx); err != nil || ok {
		t.Fatalf("tokenless unlock should be refused: ok=%v err=%v", ok, err)
	}

	ok, err = holder.Unlock(ctx)
	if err != nil || !ok {
		t.Fatalf("unlock: ok=%v err=%v", ok, err)
	}
	v, err = outsider.Call(ctx, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, nil, 2*time.Second)
	if err != nil || v.Int != 2 {
		t.Fatalf("got %v %v", v, err)
	}
}

func TestRemoteSignalFanout(t *testing.T) {
	a := startTestContext(t, "a3", 41016)
	b := startTestContext(t, "b3", 41017)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ConnectPeer(ctx, "a3", "127.0.0.1:41016"); err != nil {
		t.Fatal(err)
	}

	// Subscribe b to a3.ticker's "tick" signal over RPC, the same path a
	// remote collaborator uses.
	svcAddr := address.Address{Context: "a3", Object: "ticker"}
	key := signal.Key{Service: svcAddr, Name: "tick"}
	recv := signal.NewReceiver()
	b.Signals.AddReceiver(key, recv)

	sub := b.NewProxy(address.ForSignalManager("a3"))
	_, err := sub.Call(ctx, "subscribe", []qmiwire.Value{
		qmiwire.String(svcAddr.String()),
		qmiwire.String("tick"),
		qmiwire.String("b3"),
	}, nil, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 5; i++ {
		a.Signals.Publish(svcAddr, "tick", qmiwire.Int(i))
	}

	for i := int64(1); i <= 5; i++ {
		ev, ok := recv.PopTimeout(2 * time.Second)
		if !ok {
			t.Fatalf("missing event %d", i)
		}
		if ev.Payload.Int != i {
			t.Fatalf("got payload %d, want %d (order violated)", ev.Payload.Int, i)
		}
	}
}

func TestPeerLossFailsPendingCall(t *testing.T) {
	a := startTestContext(t, "a4", 41018)
	b := startTestContext(t, "b4", 41019)
	if _, err := a.RegisterService("svc", arithService{}, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.ConnectPeer(ctx, "a4", "127.0.0.1:41018"); err != nil {
		t.Fatal(err)
	}

	p := b.NewProxy(address.Address{Context: "a4", Object: "svc"})
	f, err := p.CallAsync("slow", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err = f.Wait(ctx, 5*time.Second)
	if errs.KindOf(err) != errs.PeerLost {
		t.Fatalf("expected PeerLost, got %v", err)
	}
}
