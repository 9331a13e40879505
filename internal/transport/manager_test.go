package transport

import (
	"context"
	"testing"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/message"
	"github.com/qmigo/qmigo/internal/router"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

type recordHandler struct {
	ch chan message.Message
}

func newRecordHandler() *recordHandler {
	return &recordHandler{ch: make(chan message.Message, 8)}
}

func (r *recordHandler) Handle(msg message.Message) {
	r.ch <- msg
}

func TestConnectHandshakeAndDeliver(t *testing.T) {
	rtrA := router.New("a")
	mgrA := NewManager("a", "wg", "127.0.0.1:41001", rtrA)
	if err := mgrA.ListenAndServe(); err != nil {
		t.Fatal(err)
	}
	defer mgrA.Close()

	svcHandler := newRecordHandler()
	rtrA.RegisterHandler(address.Address{Context: "a", Object: "svc"}, svcHandler)

	rtrB := router.New("b")
	mgrB := NewManager("b", "wg", "127.0.0.1:41002", rtrB)
	if err := mgrB.ListenAndServe(); err != nil {
		t.Fatal(err)
	}
	defer mgrB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgrB.Connect(ctx, "a", "127.0.0.1:41001"); err != nil {
		t.Fatal(err)
	}

	msg := message.NewRequest(
		address.Address{Context: "b", Object: "$local"},
		address.Address{Context: "a", Object: "svc"},
		1, "add", []qmiwire.Value{qmiwire.Int(2), qmiwire.Int(3)}, nil, "")
	if err := rtrB.Send(msg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-svcHandler.ch:
		if got.Method != "add" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestDisconnectFiresOnPeerLost(t *testing.T) {
	rtrA := router.New("a")
	mgrA := NewManager("a", "wg", "127.0.0.1:41003", rtrA)
	if err := mgrA.ListenAndServe(); err != nil {
		t.Fatal(err)
	}
	defer mgrA.Close()

	rtrB := router.New("b")
	mgrB := NewManager("b", "wg", "127.0.0.1:41004", rtrB)
	if err := mgrB.ListenAndServe(); err != nil {
		t.Fatal(err)
	}
	defer mgrB.Close()

	lost := make(chan string, 1)
	mgrB.SetOnPeerLost(func(name string) { lost <- name })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgrB.Connect(ctx, "a", "127.0.0.1:41003"); err != nil {
		t.Fatal(err)
	}
	if err := mgrB.Disconnect("a"); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-lost:
		if name != "a" {
			t.Fatalf("got %s", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onPeerLost never fired")
	}
}
