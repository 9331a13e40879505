// Package address implements the two-part (context, object) identifier
// used to name message endpoints and to locate handlers.
package address

import (
	"fmt"
	"strings"
)

// Well-known object names reserved for the context itself and for the
// signal manager, addressable as "<context>.$context" and
// "<context>.$signals". A bare "<context>" parses to an address with an
// empty object, not to the context object.
const (
	ContextObject = "$context"
	SignalsObject = "$signals"
	// LocalObject addresses the per-context sentinel handler that
	// proxies use as the source of outgoing requests and the
	// destination for their replies.
	LocalObject = "$local"
)

// Address identifies an endpoint as (context, object). Equality is
// structural: two addresses are equal iff both components match exactly.
type Address struct {
	Context string
	Object  string
}

// New builds an Address, validating both components are non-empty,
// printable, and free of the "." separator.
func New(context, object string) (Address, error) {
	a := Address{Context: context, Object: object}
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	return a, nil
}

// ForContext returns the well-known address of a context's own object.
func ForContext(context string) Address {
	return Address{Context: context, Object: ContextObject}
}

// ForSignalManager returns the well-known address of a context's signal
// manager, the destination form "<subscriber-context>.$signals" used
// by Signal messages.
func ForSignalManager(context string) Address {
	return Address{Context: context, Object: SignalsObject}
}

// Validate checks both components are non-empty, printable, and contain no
// embedded "." (the textual-form separator).
func (a Address) Validate() error {
	if err := validateComponent(a.Context); err != nil {
		return fmt.Errorf("address: invalid context component: %w", err)
	}
	if err := validateComponent(a.Object); err != nil {
		return fmt.Errorf("address: invalid object component: %w", err)
	}
	return nil
}

func validateComponent(s string) error {
	if s == "" {
		return fmt.Errorf("component must be non-empty")
	}
	if strings.Contains(s, ".") {
		return fmt.Errorf("component %q must not contain '.'", s)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("component %q must be printable", s)
		}
	}
	return nil
}

// String renders the textual form "<context>.<object>", or just
// "<context>" when Object is empty.
func (a Address) String() string {
	if a.Object == "" {
		return a.Context
	}
	return a.Context + "." + a.Object
}

// Parse decodes the textual form produced by String.
func Parse(s string) (Address, error) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		if err := validateComponent(s); err != nil {
			return Address{}, fmt.Errorf("address: parse %q: %w", s, err)
		}
		return Address{Context: s}, nil
	}
	ctx, obj := s[:idx], s[idx+1:]
	if strings.Contains(obj, ".") {
		return Address{}, fmt.Errorf("address: parse %q: object component contains '.'", s)
	}
	return New(ctx, obj)
}

// Equal reports structural equality.
func (a Address) Equal(b Address) bool {
	return a.Context == b.Context && a.Object == b.Object
}

// IsZero reports whether a is the zero Address (unaddressed).
func (a Address) IsZero() bool {
	return a.Context == "" && a.Object == ""
}
