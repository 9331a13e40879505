// Package errs defines the error kinds that cross the qmigo wire protocol
// and the local error type that carries them.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable identifier for a protocol-level error, preserved across
// the wire so a non-Go peer can map it back to its own error hierarchy.
type Kind string

const (
	UnknownReceiver  Kind = "UnknownReceiver"
	UnknownMethod    Kind = "UnknownMethod"
	UnknownPeer      Kind = "UnknownPeer"
	Locked           Kind = "Locked"
	InvalidArgument  Kind = "InvalidArgument"
	ApplicationError Kind = "ApplicationError"
	Timeout          Kind = "Timeout"
	PeerLost         Kind = "PeerLost"
	ProtocolMismatch Kind = "ProtocolMismatch"
	Overrun          Kind = "Overrun"
	IllegalState     Kind = "IllegalState"
)

// Error is the error type raised locally for any Kind above, and the type
// a Proxy call returns when the remote reply carries a remote-exception
// or error-reply payload.
type Error struct {
	Kind    Kind
	Message string

	// Descriptor optionally preserves an implementation-defined payload
	// describing the original exception, round-tripped verbatim even
	// when the receiving side doesn't recognize Kind.
	Descriptor map[string]any
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is supports errors.Is comparisons against a bare Kind sentinel created
// via New(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise it falls back to ApplicationError — the catch-all for
// unrecognized kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ApplicationError
}
