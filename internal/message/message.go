// Package message implements the tagged Message variants that flow
// through the router: request, reply, error-reply, signal, and
// initial-handshake.
package message

import (
	"fmt"
	"time"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/errs"
	"github.com/qmigo/qmigo/pkg/qmiwire"
)

// Type discriminates the Message variant.
type Type uint8

const (
	TypeRequest Type = iota
	TypeReply
	TypeErrorReply
	TypeSignal
	TypeHandshake
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeReply:
		return "reply"
	case TypeErrorReply:
		return "error-reply"
	case TypeSignal:
		return "signal"
	case TypeHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// RemoteException is the Reply payload carrying an application-level
// failure. Kind and Descriptor round-trip verbatim across the wire even
// when the receiver doesn't recognize Kind.
type RemoteException struct {
	Kind       errs.Kind
	Message    string
	Descriptor map[string]qmiwire.Value
}

// Message is the single envelope type used across the router, the
// transport layer, and every handler. Only the fields relevant to Type
// are populated; this mirrors a tagged union without requiring a type
// switch on separate Go types at every call site.
type Message struct {
	Type Type

	Source      address.Address
	Destination address.Address

	// Request / Reply / ErrorReply.
	RequestID uint64

	// Request.
	Method    string
	Args      []qmiwire.Value
	Kwargs    map[string]qmiwire.Value
	LockToken string

	// Reply: exactly one of Value or Exception is meaningful.
	Value     qmiwire.Value
	Exception *RemoteException

	// ErrorReply.
	ErrorKind    errs.Kind
	ErrorMessage string

	// Signal.
	SignalName string
	Timestamp  time.Time
	Payload    qmiwire.Value

	// Handshake.
	PeerContext     string
	Workgroup       string
	ProtocolVersion uint32
}

// NewRequest builds a Request message.
func NewRequest(source, destination address.Address, requestID uint64, method string, args []qmiwire.Value, kwargs map[string]qmiwire.Value, lockToken string) Message {
	return Message{
		Type:        TypeRequest,
		Source:      source,
		Destination: destination,
		RequestID:   requestID,
		Method:      method,
		Args:        args,
		Kwargs:      kwargs,
		LockToken:   lockToken,
	}
}

// NewReply builds a successful Reply message.
func NewReply(source, destination address.Address, requestID uint64, value qmiwire.Value) Message {
	return Message{
		Type:        TypeReply,
		Source:      source,
		Destination: destination,
		RequestID:   requestID,
		Value:       value,
	}
}

// NewExceptionReply builds a Reply message carrying a remote-exception.
func NewExceptionReply(source, destination address.Address, requestID uint64, exc *RemoteException) Message {
	return Message{
		Type:        TypeReply,
		Source:      source,
		Destination: destination,
		RequestID:   requestID,
		Exception:   exc,
	}
}

// NewErrorReply builds a transport/protocol-level ErrorReply message,
// distinct from an application-level remote-exception Reply.
func NewErrorReply(source, destination address.Address, requestID uint64, kind errs.Kind, format string, args ...interface{}) Message {
	return Message{
		Type:         TypeErrorReply,
		Source:       source,
		Destination:  destination,
		RequestID:    requestID,
		ErrorKind:    kind,
		ErrorMessage: sprintfOrEmpty(format, args...),
	}
}

// NewSignal builds a Signal message addressed to a subscriber's signal
// manager, "<subscriber-context>.$signals".
func NewSignal(source, destination address.Address, signalName string, ts time.Time, payload qmiwire.Value) Message {
	return Message{
		Type:        TypeSignal,
		Source:      source,
		Destination: destination,
		SignalName:  signalName,
		Timestamp:   ts,
		Payload:     payload,
	}
}

// NewHandshake builds the initial-handshake frame exchanged on every new
// peer connection.
func NewHandshake(source, destination address.Address, peerContext, workgroup string, protocolVersion uint32) Message {
	return Message{
		Type:            TypeHandshake,
		Source:          source,
		Destination:     destination,
		PeerContext:     peerContext,
		Workgroup:       workgroup,
		ProtocolVersion: protocolVersion,
	}
}

// IsError reports whether this Reply/ErrorReply represents a failure.
func (m Message) IsError() bool {
	return m.Type == TypeErrorReply || (m.Type == TypeReply && m.Exception != nil)
}

func sprintfOrEmpty(format string, args ...interface{}) string {
	if format == "" {
		return ""
	}
	return fmt.Sprintf(format, args...)
}
