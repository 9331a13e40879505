package rpcobject

import "github.com/qmigo/qmigo/pkg/qmiwire"

// Method is a single callable exposed by a Service. Implementations
// validate their own arguments; returning an *errs.Error with a
// specific Kind (e.g. InvalidArgument) preserves that kind across the
// wire, otherwise the manager wraps the error as ApplicationError.
type Method func(args []qmiwire.Value, kwargs map[string]qmiwire.Value) (qmiwire.Value, error)

// Service is the contract a registered object fulfills. Methods returns
// the method catalogue computed once at registration time.
type Service interface {
	Methods() map[string]Method
}

// SignalDeclarer is an optional Service extension for objects that
// publish signals, consulted by the manager's get_signals built-in.
type SignalDeclarer interface {
	Signals() []string
}
