package xpc

import (
	"errors"
	"fmt"
)

// Common errors. Operations return them wrapped in a *ConnectionError; test
// with errors.Is.
var (
	// ErrCreationFailed indicates the native runtime returned a null connection.
	ErrCreationFailed = errors.New("xpc: connection creation failed")

	// ErrAllocationFailed indicates the native runtime could not allocate a message.
	ErrAllocationFailed = errors.New("xpc: native allocation failed")

	// ErrEncodingFailed indicates a value cannot be serialized.
	ErrEncodingFailed = errors.New("xpc: encoding failed")

	// ErrDecodingFailed indicates a payload is missing or malformed.
	ErrDecodingFailed = errors.New("xpc: decoding failed")

	// ErrReleased indicates the handle (or its connection) has been released.
	ErrReleased = errors.New("xpc: connection released")

	// ErrRuntimeUnavailable indicates the native XPC runtime could not be loaded.
	ErrRuntimeUnavailable = errors.New("xpc: native runtime unavailable")

	// ErrNoReply indicates a message does not expect a reply.
	ErrNoReply = errors.New("xpc: message does not expect a reply")

	// ErrEventExpired indicates Event.Reply was called after HandleEvent returned.
	ErrEventExpired = errors.New("xpc: event is no longer valid")
)

// Transport conditions reported by the native runtime. A *TransportError
// matches the corresponding sentinel with errors.Is.
var (
	ErrConnectionInvalid     = errors.New("xpc: connection invalid")
	ErrConnectionInterrupted = errors.New("xpc: connection interrupted")
	ErrTerminationImminent   = errors.New("xpc: termination imminent")
)

// ConnectionError describes a failed synchronous operation.
type ConnectionError struct {
	Kind error  // One of the sentinel errors above
	Op   string // Operation that failed
	Name string // Connection or service name, if known
	Err  error  // Underlying cause, if any
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Op)
	}
	if e.Name != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Name)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns both the kind and the cause so errors.Is matches either.
func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TransportError is a connection-level failure reported by the native
// runtime, either as a delegate event or as the result of a reply wait.
type TransportError struct {
	Kind        ObjectKind
	Description string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Description == "" {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %s", e.sentinel(), e.Description)
}

// Is matches the transport sentinel for e.Kind.
func (e *TransportError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *TransportError) sentinel() error {
	switch e.Kind {
	case KindConnectionInterrupted:
		return ErrConnectionInterrupted
	case KindTerminationImminent:
		return ErrTerminationImminent
	default:
		return ErrConnectionInvalid
	}
}

func newTransportError(rt Runtime, obj Object) *TransportError {
	kind := KindConnectionInvalid
	if obj != 0 {
		switch k := rt.Classify(obj); k {
		case KindConnectionInterrupted, KindTerminationImminent, KindConnectionInvalid:
			kind = k
		}
	}
	te := &TransportError{Kind: kind}
	if obj != 0 {
		te.Description = rt.ErrorDescription(obj)
	}
	return te
}

// IsCreationFailed reports whether err is a creation failure.
func IsCreationFailed(err error) bool {
	return errors.Is(err, ErrCreationFailed)
}

// IsTransport reports whether err came from the native transport.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
