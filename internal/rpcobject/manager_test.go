package rpcobject

import (
	"testing"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

type addService struct{}

func (addService) Methods() map[string]Method {
	return map[string]Method{
		"add": func(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
			if len(args) != 2 {
				return qmiwire.Value{}, errs.New(errs.InvalidArgument, "add takes exactly 2 arguments")
			}
			return qmiwire.Int(args[0].Int + args[1].Int), nil
		},
		"boom": func(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error) {
			panic("internal corruption")
		},
	}
}

type replyCatcher struct {
	ch chan message.Message
}

func (r *replyCatcher) Handle(msg message.Message) { r.ch <- msg }

func setup(t *testing.T) (*router.Router, *Manager, *replyCatcher) {
	t.Helper()
	rtr := router.New("a")
	caller := &replyCatcher{ch: make(chan message.Message, 8)}
	rtr.RegisterHandler(address.Address{Context: "a", Object: "$local"}, caller)

	m, err := New(address.Address{Context: "a", Object: "svc"}, addService{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterWith(rtr); err != nil {
		t.Fatal(err)
	}
	return rtr, m, caller
}

func send(t *testing.T, rtr *router.Router, method string, args []qmiwire.Value, lockToken string, requestID uint64) {
	t.Helper()
	msg := message.NewRequest(
		address.Address{Context: "a", Object: "$local"},
		address.Address{Context: "a", Object: "svc"},
		requestID, method, args, nil, lockToken)
	if err := rtr.Send(msg); err != nil {
		t.Fatal(err)
	}
}

func recvReply(t *testing.T, caller *replyCatcher) message.Message {
	t.Helper()
	select {
	case m := <-caller.ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no reply received")
		return message.Message{}
	}
}

func TestAddMethod(t *testing.T) {
	rtr, _, caller := setup(t)
	send(t, rtr, "add", []qmiwire.Value{qmiwire.Int(2), qmiwire.Int(3)}, "", 1)
	reply := recvReply(t, caller)
	if reply.Exception != nil || reply.Value.Int != 5 {
		t.Fatalf("got %+v", reply)
	}
}

func TestUnknownMethod(t *testing.T) {
	rtr, _, caller := setup(t)
	send(t, rtr, "nope", nil, "", 1)
	reply := recvReply(t, caller)
	if reply.Type != message.TypeErrorReply || reply.ErrorKind != errs.UnknownMethod {
		t.Fatalf("got %+v", reply)
	}
}

func TestInvalidArgumentSurfacesAsException(t *testing.T) {
	rtr, _, caller := setup(t)
	send(t, rtr, "add", []qmiwire.Value{qmiwire.Int(1)}, "", 1)
	reply := recvReply(t, caller)
	if reply.Exception == nil || reply.Exception.Kind != errs.InvalidArgument {
		t.Fatalf("got %+v", reply)
	}
}

func TestLockRefusesOtherTokens(t *testing.T) {
	rtr, _, caller := setup(t)
	send(t, rtr, "lock", nil, "", 1)
	lockReply := recvReply(t, caller)
	if !lockReply.Value.Record.Fields["acquired"].Bool {
		t.Fatalf("lock should have succeeded: %+v", lockReply)
	}

	send(t, rtr, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, "wrong-token", 2)
	reply := recvReply(t, caller)
	if reply.Type != message.TypeErrorReply || reply.ErrorKind != errs.Locked {
		t.Fatalf("got %+v", reply)
	}
}

func TestDefaultLockTokenRoundTrip(t *testing.T) {
	rtr, _, caller := setup(t)
	send(t, rtr, "lock", nil, "", 1)
	lockReply := recvReply(t, caller)
	fields := lockReply.Value.Record.Fields
	if !fields["acquired"].Bool || fields["token"].String == "" {
		t.Fatalf("expected a generated token in the lock reply, got %+v", lockReply.Value)
	}
	token := fields["token"].String

	send(t, rtr, "unlock", nil, "", 2)
	if recvReply(t, caller).Value.Bool {
		t.Fatal("unlock without the token should be refused")
	}

	send(t, rtr, "add", []qmiwire.Value{qmiwire.Int(2), qmiwire.Int(3)}, token, 3)
	reply := recvReply(t, caller)
	if reply.Exception != nil || reply.Value.Int != 5 {
		t.Fatalf("call carrying the assigned token should pass the lock check, got %+v", reply)
	}

	send(t, rtr, "unlock", []qmiwire.Value{qmiwire.String(token)}, "", 4)
	if !recvReply(t, caller).Value.Bool {
		t.Fatal("unlock with the assigned token should succeed")
	}
}

func TestLockBypassAllowsIsLocked(t *testing.T) {
	rtr, _, caller := setup(t)
	send(t, rtr, "lock", nil, "", 1)
	_ = recvReply(t, caller)

	send(t, rtr, "is_locked", nil, "", 2)
	reply := recvReply(t, caller)
	if reply.Exception != nil || !reply.Value.Bool {
		t.Fatalf("got %+v", reply)
	}
}

func TestPanicUnregistersService(t *testing.T) {
	rtr, m, caller := setup(t)
	send(t, rtr, "boom", nil, "", 1)
	reply := recvReply(t, caller)
	if reply.Type != message.TypeErrorReply {
		t.Fatalf("expected an error reply after fatal panic, got %+v", reply)
	}

	time.Sleep(20 * time.Millisecond)
	// Once unregistered, Send itself reports UnknownReceiver and also
	// routes an UnknownReceiver error reply back to the caller.
	msg := message.NewRequest(
		address.Address{Context: "a", Object: "$local"},
		address.Address{Context: "a", Object: "svc"},
		2, "add", []qmiwire.Value{qmiwire.Int(1), qmiwire.Int(1)}, nil, "")
	if err := rtr.Send(msg); errs.KindOf(err) != errs.UnknownReceiver {
		t.Fatalf("expected Send to report UnknownReceiver after unregister, got %v", err)
	}
	reply2 := recvReply(t, caller)
	if reply2.Type != message.TypeErrorReply || reply2.ErrorKind != errs.UnknownReceiver {
		t.Fatalf("expected UnknownReceiver after unregister, got %+v", reply2)
	}
	_ = m
}
