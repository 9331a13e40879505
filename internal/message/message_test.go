package message

import (
	"testing"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

func TestRequestRoundTrip(t *testing.T) {
	src := address.Address{Context: "b", Object: "$local"}
	dst := address.Address{Context: "a", Object: "svc"}
	m := NewRequest(src, dst, 12345, "add", []qmiwire.Value{qmiwire.Int(2), qmiwire.Int(3)}, map[string]qmiwire.Value{"k": qmiwire.String("v")}, "tok")

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Method != "add" || decoded.RequestID != 12345 || decoded.LockToken != "tok" {
		t.Fatalf("got %+v", decoded)
	}
	if !decoded.Source.Equal(src) || !decoded.Destination.Equal(dst) {
		t.Fatalf("address mismatch: %+v", decoded)
	}
	if len(decoded.Args) != 2 || decoded.Args[0].Int != 2 {
		t.Fatalf("args mismatch: %+v", decoded.Args)
	}
}

func TestReplyWithExceptionRoundTrip(t *testing.T) {
	src := address.Address{Context: "a", Object: "svc"}
	dst := address.Address{Context: "b", Object: "$local"}
	exc := &RemoteException{Kind: errs.ApplicationError, Message: "boom", Descriptor: map[string]qmiwire.Value{"code": qmiwire.Int(7)}}
	m := NewExceptionReply(src, dst, 99, exc)

	decoded, err := Decode(Encode(m))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Exception == nil || decoded.Exception.Kind != errs.ApplicationError || decoded.Exception.Message != "boom" {
		t.Fatalf("got %+v", decoded.Exception)
	}
	if decoded.Exception.Descriptor["code"].Int != 7 {
		t.Fatalf("descriptor mismatch: %+v", decoded.Exception.Descriptor)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	src := address.Address{Context: "a", Object: "task"}
	dst := address.ForSignalManager("b")
	ts := time.Unix(1700000000, 555000000).UTC()
	m := NewSignal(src, dst, "tick", ts, qmiwire.Int(7))

	decoded, err := Decode(Encode(m))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SignalName != "tick" || decoded.Payload.Int != 7 {
		t.Fatalf("got %+v", decoded)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: got %v, want %v", decoded.Timestamp, ts)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	m := NewHandshake(address.ForContext("b"), address.ForContext("a"), "b", "lab1", 1)
	decoded, err := Decode(Encode(m))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PeerContext != "b" || decoded.Workgroup != "lab1" || decoded.ProtocolVersion != 1 {
		t.Fatalf("got %+v", decoded)
	}
}

func TestErrorReplyRoundTrip(t *testing.T) {
	m := NewErrorReply(address.ForContext("a"), address.ForContext("b"), 5, errs.UnknownMethod, "no such method %s", "foo")
	decoded, err := Decode(Encode(m))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ErrorKind != errs.UnknownMethod || decoded.ErrorMessage != "no such method foo" {
		t.Fatalf("got %+v", decoded)
	}
}
