package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/qmigo/qmigo/pkg/qmiwire"
)

func TestRoundTrip(t *testing.T) {
	cases := []qmiwire.Value{
		qmiwire.Nil(),
		qmiwire.Bool(true),
		qmiwire.Bool(false),
		qmiwire.Int(-42),
		qmiwire.Float(3.14159),
		qmiwire.Bytes([]byte{0x01, 0x02, 0x03}),
		qmiwire.String("hello, qmigo"),
		qmiwire.List([]qmiwire.Value{qmiwire.Int(1), qmiwire.String("two"), qmiwire.Bool(true)}),
		qmiwire.Map(map[string]qmiwire.Value{"a": qmiwire.Int(1), "b": qmiwire.String("2")}),
		qmiwire.RecordValue("RemoteException", map[string]qmiwire.Value{
			"kind":    qmiwire.String("ApplicationError"),
			"message": qmiwire.String("boom"),
		}),
		qmiwire.TimestampValue(1700000000, 123456789),
	}

	for _, v := range cases {
		encoded := EncodeValue(v)
		decoded, err := DecodeBytes(encoded)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if !reflect.DeepEqual(v, decoded) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", decoded, v)
		}
	}
}

func TestNestedValue(t *testing.T) {
	v := qmiwire.List([]qmiwire.Value{
		qmiwire.Map(map[string]qmiwire.Value{
			"nested": qmiwire.List([]qmiwire.Value{qmiwire.Int(1), qmiwire.Int(2)}),
		}),
	})
	decoded, err := DecodeBytes(EncodeValue(v))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, decoded) {
		t.Fatalf("nested round trip mismatch: got %#v, want %#v", decoded, v)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), {}, []byte("third frame")}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	hdr[0] = 0xFF // absurd length
	buf.Write(hdr[:])
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestDecodeBytesRejectsTrailingData(t *testing.T) {
	encoded := EncodeValue(qmiwire.Int(1))
	encoded = append(encoded, 0xFF)
	if _, err := DecodeBytes(encoded); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}
