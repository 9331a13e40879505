// Package qmiwire defines the native value model that crosses the wire
// between qmigo contexts. Every argument, return value, and
// signal payload is, at the boundary, one of the kinds enumerated here.
//
// Instrument-specific values that do not fit this set must be converted to
// a Record by the service boundary before they are returned or published;
// qmigo does not support arbitrary user-defined type graphs, only acyclic
// composition over these kinds.
package qmiwire

import "fmt"

// Kind identifies the dynamic type of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBytes
	KindString
	KindList
	KindMap
	KindRecord
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindRecord:
		return "record"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("qmiwire.Kind(%d)", uint8(k))
	}
}

// Timestamp is seconds/nanoseconds since the Unix epoch, encoded as a
// distinct wire kind rather than reusing time.Time's internal layout so
// that the encoding is stable across native word sizes and byte orders.
type Timestamp struct {
	Seconds     int64
	Nanoseconds int32
}

// Record is a named, tagged field map. It is how remote-exceptions and
// handshakes are carried on the wire, and is also the escape hatch
// instrument drivers use to serialize a value that has no native Kind
// of its own.
type Record struct {
	Tag    string
	Fields map[string]Value
}

// Value is the dynamic, self-describing value carried by requests,
// replies, and signals. The zero Value is KindNil.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Bytes  []byte
	String string
	List   []Value
	Map    map[string]Value
	Record *Record
	Time   Timestamp
}

func Nil() Value                 { return Value{Kind: KindNil} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func String(s string) Value      { return Value{Kind: KindString, String: s} }
func List(vs []Value) Value      { return Value{Kind: KindList, List: vs} }
func Map(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}
func RecordValue(tag string, fields map[string]Value) Value {
	return Value{Kind: KindRecord, Record: &Record{Tag: tag, Fields: fields}}
}
func TimestampValue(seconds int64, nanoseconds int32) Value {
	return Value{Kind: KindTimestamp, Time: Timestamp{Seconds: seconds, Nanoseconds: nanoseconds}}
}
