// Package wire implements the canonical binary encoding of qmiwire.Value
// trees and the length-prefixed framing used on peer TCP
// connections. The encoding is a small self-describing TLV format: a one
// byte kind tag followed by a kind-specific body. It is deliberately not
// gob or encoding/json so that the on-wire form is stable across Go
// versions, native word sizes, and byte orders, and is implementable by a
// non-Go peer.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// MaxFrameSize is the largest accepted frame on a peer connection.
const MaxFrameSize = 64 << 20

// Encode appends the canonical encoding of v to buf and returns the result.
func Encode(buf []byte, v qmiwire.Value) []byte {
	b := bytes.NewBuffer(buf)
	encodeValue(b, v)
	return b.Bytes()
}

// EncodeValue is a convenience wrapper returning a fresh byte slice.
func EncodeValue(v qmiwire.Value) []byte {
	var b bytes.Buffer
	encodeValue(&b, v)
	return b.Bytes()
}

func encodeValue(b *bytes.Buffer, v qmiwire.Value) {
	b.WriteByte(byte(v.Kind))
	switch v.Kind {
	case qmiwire.KindNil:
	case qmiwire.KindBool:
		if v.Bool {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	case qmiwire.KindInt:
		writeU64(b, uint64(v.Int))
	case qmiwire.KindFloat:
		writeU64(b, math.Float64bits(v.Float))
	case qmiwire.KindBytes:
		writeLenPrefixed(b, v.Bytes)
	case qmiwire.KindString:
		writeLenPrefixed(b, []byte(v.String))
	case qmiwire.KindList:
		writeU32(b, uint32(len(v.List)))
		for _, item := range v.List {
			encodeValue(b, item)
		}
	case qmiwire.KindMap:
		writeU32(b, uint32(len(v.Map)))
		for _, k := range sortedKeys(v.Map) {
			writeLenPrefixed(b, []byte(k))
			encodeValue(b, v.Map[k])
		}
	case qmiwire.KindRecord:
		rec := v.Record
		if rec == nil {
			rec = &qmiwire.Record{}
		}
		writeLenPrefixed(b, []byte(rec.Tag))
		writeU32(b, uint32(len(rec.Fields)))
		for _, k := range sortedKeys(rec.Fields) {
			writeLenPrefixed(b, []byte(k))
			encodeValue(b, rec.Fields[k])
		}
	case qmiwire.KindTimestamp:
		writeU64(b, uint64(v.Time.Seconds))
		writeU32(b, uint32(v.Time.Nanoseconds))
	default:
		panic(fmt.Sprintf("wire: unknown value kind %d", v.Kind))
	}
}

// Decode reads one canonical-encoded Value from r.
func Decode(r io.Reader) (qmiwire.Value, error) {
	return decodeValue(r)
}

// DecodeBytes decodes a single Value from a byte slice, requiring the
// entire slice to be consumed.
func DecodeBytes(data []byte) (qmiwire.Value, error) {
	r := bytes.NewReader(data)
	v, err := decodeValue(r)
	if err != nil {
		return qmiwire.Value{}, err
	}
	if r.Len() != 0 {
		return qmiwire.Value{}, fmt.Errorf("wire: %d trailing bytes after value", r.Len())
	}
	return v, nil
}

func decodeValue(r io.Reader) (qmiwire.Value, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return qmiwire.Value{}, err
	}
	kind := qmiwire.Kind(kindByte[0])
	switch kind {
	case qmiwire.KindNil:
		return qmiwire.Nil(), nil
	case qmiwire.KindBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return qmiwire.Value{}, err
		}
		return qmiwire.Bool(b[0] != 0), nil
	case qmiwire.KindInt:
		u, err := readU64(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		return qmiwire.Int(int64(u)), nil
	case qmiwire.KindFloat:
		u, err := readU64(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		return qmiwire.Float(math.Float64frombits(u)), nil
	case qmiwire.KindBytes:
		data, err := readLenPrefixed(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		return qmiwire.Bytes(data), nil
	case qmiwire.KindString:
		data, err := readLenPrefixed(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		return qmiwire.String(string(data)), nil
	case qmiwire.KindList:
		n, err := readU32(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		items := make([]qmiwire.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return qmiwire.Value{}, err
			}
			items = append(items, item)
		}
		return qmiwire.List(items), nil
	case qmiwire.KindMap:
		n, err := readU32(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		m := make(map[string]qmiwire.Value, n)
		for i := uint32(0); i < n; i++ {
			keyBytes, err := readLenPrefixed(r)
			if err != nil {
				return qmiwire.Value{}, err
			}
			val, err := decodeValue(r)
			if err != nil {
				return qmiwire.Value{}, err
			}
			m[string(keyBytes)] = val
		}
		return qmiwire.Map(m), nil
	case qmiwire.KindRecord:
		tagBytes, err := readLenPrefixed(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		n, err := readU32(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		fields := make(map[string]qmiwire.Value, n)
		for i := uint32(0); i < n; i++ {
			keyBytes, err := readLenPrefixed(r)
			if err != nil {
				return qmiwire.Value{}, err
			}
			val, err := decodeValue(r)
			if err != nil {
				return qmiwire.Value{}, err
			}
			fields[string(keyBytes)] = val
		}
		return qmiwire.RecordValue(string(tagBytes), fields), nil
	case qmiwire.KindTimestamp:
		sec, err := readU64(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		nsec, err := readU32(r)
		if err != nil {
			return qmiwire.Value{}, err
		}
		return qmiwire.TimestampValue(int64(sec), int32(nsec)), nil
	default:
		return qmiwire.Value{}, fmt.Errorf("wire: unknown value kind byte %d", kind)
	}
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func writeLenPrefixed(b *bytes.Buffer, data []byte) {
	writeU32(b, uint32(len(data)))
	b.Write(data)
}

func readU32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: length-prefixed field of %d bytes exceeds frame cap", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func sortedKeys(m map[string]qmiwire.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion-sort is fine here: map sizes in practice (args/kwargs) are
	// small, and a stable key order is what matters for deterministic
	// encoding, not asymptotic speed.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
