package xpc

import (
	"github.com/obinnaokechukwu/xpc/internal/bindings"
)

// Object is an opaque reference to a native runtime object. 0 is null.
type Object uintptr

// ObjectKind classifies native objects.
type ObjectKind int

const (
	KindUnknown ObjectKind = iota
	KindDictionary
	KindConnection
	KindConnectionInvalid
	KindConnectionInterrupted
	KindTerminationImminent
	KindError
)

// String returns the kind name.
func (k ObjectKind) String() string {
	switch k {
	case KindDictionary:
		return "dictionary"
	case KindConnection:
		return "connection"
	case KindConnectionInvalid:
		return "connection-invalid"
	case KindConnectionInterrupted:
		return "connection-interrupted"
	case KindTerminationImminent:
		return "termination-imminent"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// EventHandler is the entry point a Runtime calls for every event delivered on
// a connection, with the context registered through SetEventHandler.
type EventHandler func(context uintptr, event Object)

// Runtime is the native connection primitive. Connections call it while
// holding their own lock; implementations must be safe for concurrent use and
// may invoke event handlers from any goroutine.
//
// Ownership follows the native convention: objects returned by Connection*,
// Dictionary* (except DictionaryGetString), SendMessageWithReplySync and
// Retain are owned by the caller and must be released. Event objects passed
// to an EventHandler are borrowed for the duration of the call.
type Runtime interface {
	// ConnectionCreate creates a connection to a service bundled with the
	// application. An empty name creates an anonymous connection.
	// Returns 0 on failure.
	ConnectionCreate(name string) Object
	// ConnectionCreateMachService creates a connection to a launchd service.
	// Returns 0 on failure.
	ConnectionCreateMachService(name string, flags uint64) Object
	// SetEventHandler registers handler for conn. context is passed back
	// verbatim with every event.
	SetEventHandler(conn Object, handler EventHandler, context uintptr)

	Activate(conn Object)
	Resume(conn Object)
	Suspend(conn Object)
	Cancel(conn Object)

	SendMessage(conn, message Object)
	// SendMessageWithReplySync blocks until the peer replies or the
	// connection fails; failures return an error object.
	SendMessageWithReplySync(conn, message Object) Object

	DictionaryCreate() Object
	// DictionaryCreateReply returns 0 if request does not expect a reply.
	DictionaryCreateReply(request Object) Object
	DictionarySetString(dict Object, key, value string)
	DictionaryGetString(dict Object, key string) (string, bool)
	// RemoteConnection returns the connection message arrived on (borrowed).
	RemoteConnection(message Object) Object

	Classify(obj Object) ObjectKind
	ErrorDescription(obj Object) string

	Retain(obj Object) Object
	Release(obj Object)
}

// NativeRuntime loads and returns the system XPC runtime.
// It fails with ErrRuntimeUnavailable off darwin or when the xpcshim helper
// cannot be found.
func NativeRuntime() (Runtime, error) {
	if err := bindings.Load(); err != nil {
		return nil, &ConnectionError{Kind: ErrRuntimeUnavailable, Op: "load", Err: err}
	}
	return nativeRuntime{}, nil
}

// nativeRuntime forwards to the purego bindings. Every connection shares one
// trampoline, so the most recently installed handler receives all events;
// this package only ever installs dispatchEvent.
type nativeRuntime struct{}

func (nativeRuntime) ConnectionCreate(name string) Object {
	return Object(bindings.ConnectionCreate(name))
}

func (nativeRuntime) ConnectionCreateMachService(name string, flags uint64) Object {
	return Object(bindings.ConnectionCreateMachService(name, flags))
}

func (nativeRuntime) SetEventHandler(conn Object, handler EventHandler, context uintptr) {
	bindings.SetEventSink(func(ctx, event uintptr) {
		handler(ctx, Object(event))
	})
	bindings.SetEventHandler(uintptr(conn), context)
}

func (nativeRuntime) Activate(conn Object) {
	if !bindings.HasActivate() {
		bindings.ConnectionResume(uintptr(conn))
		return
	}
	bindings.ConnectionActivate(uintptr(conn))
}

func (nativeRuntime) Resume(conn Object)  { bindings.ConnectionResume(uintptr(conn)) }
func (nativeRuntime) Suspend(conn Object) { bindings.ConnectionSuspend(uintptr(conn)) }
func (nativeRuntime) Cancel(conn Object)  { bindings.ConnectionCancel(uintptr(conn)) }

func (nativeRuntime) SendMessage(conn, message Object) {
	bindings.ConnectionSendMessage(uintptr(conn), uintptr(message))
}

func (nativeRuntime) SendMessageWithReplySync(conn, message Object) Object {
	return Object(bindings.ConnectionSendMessageWithReplySync(uintptr(conn), uintptr(message)))
}

func (nativeRuntime) DictionaryCreate() Object {
	return Object(bindings.DictionaryCreate())
}

func (nativeRuntime) DictionaryCreateReply(request Object) Object {
	return Object(bindings.DictionaryCreateReply(uintptr(request)))
}

func (nativeRuntime) DictionarySetString(dict Object, key, value string) {
	bindings.DictionarySetString(uintptr(dict), key, value)
}

func (nativeRuntime) DictionaryGetString(dict Object, key string) (string, bool) {
	return bindings.DictionaryGetString(uintptr(dict), key)
}

func (nativeRuntime) RemoteConnection(message Object) Object {
	return Object(bindings.DictionaryRemoteConnection(uintptr(message)))
}

func (nativeRuntime) Classify(obj Object) ObjectKind {
	switch bindings.Classify(uintptr(obj)) {
	case bindings.KindDictionary:
		return KindDictionary
	case bindings.KindConnection:
		return KindConnection
	case bindings.KindConnectionInvalid:
		return KindConnectionInvalid
	case bindings.KindConnectionInterrupted:
		return KindConnectionInterrupted
	case bindings.KindTerminationImminent:
		return KindTerminationImminent
	case bindings.KindError:
		return KindError
	}
	return KindUnknown
}

// errorDescriptionKey is XPC_ERROR_KEY_DESCRIPTION.
const errorDescriptionKey = "XPCErrorDescription"

func (nativeRuntime) ErrorDescription(obj Object) string {
	s, _ := bindings.DictionaryGetString(uintptr(obj), errorDescriptionKey)
	return s
}

func (nativeRuntime) Retain(obj Object) Object { return Object(bindings.Retain(uintptr(obj))) }
func (nativeRuntime) Release(obj Object)       { bindings.Release(uintptr(obj)) }
