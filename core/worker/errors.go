package worker

import "errors"

// Sentinel errors for the worker lifecycle.
var (
	// ErrUnknownMethod is returned when a Request names a method the
	// Application never registered.
	ErrUnknownMethod = errors.New("worker: unknown method")
	// ErrArity is returned when a Request's parameter count falls
	// outside a MethodDef's MinParams/MaxParams bounds.
	ErrArity = errors.New("worker: wrong parameter count")
	// ErrStatefulOnly is returned when a stateful-only method is called
	// from a stateless (non-Connect) conversation.
	ErrStatefulOnly = errors.New("worker: method requires a connected session")
)
