// Package bindings loads the system XPC library and the xpcshim helper with
// purego and exposes the raw entry points the connection layer needs.
//
// XPC registers event handlers as blocks, which purego cannot build. The
// xpcshim helper (see shim/xpcshim.c) takes a plain C function pointer and an
// opaque context and wraps them in a block. Without the shim the library
// cannot receive events, so Load fails when the shim is missing.
//
// Only darwin is supported; on other systems Load returns ErrUnsupported and
// no other function may be called.
package bindings

import (
	"errors"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

// ErrUnsupported is returned by Load on systems without XPC.
var ErrUnsupported = errors.New("xpc: XPC is not available on this platform")

// ErrLibraryNotFound is returned when libxpc cannot be opened.
var ErrLibraryNotFound = errors.New("xpc: system XPC library not found")

// ErrShimNotFound is returned when the xpcshim helper library cannot be found.
var ErrShimNotFound = errors.New("xpc: xpcshim library not found")

// EventSink receives every event the native runtime delivers, together with
// the context registered for the connection it belongs to.
type EventSink func(context, event uintptr)

var (
	loadOnce sync.Once
	loadErr  error
	loaded   atomic.Bool

	sink atomic.Value // EventSink
)

// Function bindings. Names mirror the C API.
var (
	xpcConnectionCreate            func(name *byte, queue uintptr) uintptr
	xpcConnectionCreateMachService func(name *byte, queue uintptr, flags uint64) uintptr
	xpcConnectionActivate          func(conn uintptr)
	xpcConnectionResume            func(conn uintptr)
	xpcConnectionSuspend           func(conn uintptr)
	xpcConnectionCancel            func(conn uintptr)
	xpcConnectionSendMessage       func(conn, message uintptr)
	xpcConnectionSendWithReplySync func(conn, message uintptr) uintptr

	xpcDictionaryCreate           func(keys, values uintptr, count uintptr) uintptr
	xpcDictionaryCreateReply      func(original uintptr) uintptr
	xpcDictionarySetString        func(dict uintptr, key *byte, value *byte)
	xpcDictionaryGetString        func(dict uintptr, key *byte) uintptr
	xpcDictionaryGetRemoteConnect func(dict uintptr) uintptr

	xpcGetType func(obj uintptr) uintptr
	xpcRetain  func(obj uintptr) uintptr
	xpcRelease func(obj uintptr)

	shimSetEventHandler func(conn uintptr, fn uintptr, context uintptr)
)

// Addresses of the type and error singletons, compared by identity.
var (
	typeDictionary uintptr
	typeConnection uintptr
	typeError      uintptr

	errorConnectionInvalid     uintptr
	errorConnectionInterrupted uintptr
	errorTerminationImminent   uintptr
)

// Load opens libxpc and the shim and registers all bindings.
// It is safe to call multiple times; subsequent calls return the first result.
func Load() error {
	loadOnce.Do(func() {
		loadErr = doLoad()
		if loadErr == nil {
			loaded.Store(true)
		}
	})
	return loadErr
}

// IsLoaded reports whether Load succeeded.
func IsLoaded() bool {
	return loaded.Load()
}

// SetEventSink installs the function every delivered event is forwarded to.
func SetEventSink(fn EventSink) {
	sink.Store(fn)
}

func deliver(context, event uintptr) {
	fn, _ := sink.Load().(EventSink)
	if fn == nil {
		return
	}
	fn(context, event)
}

// Kind classifies a native object.
type Kind int

const (
	KindUnknown Kind = iota
	KindDictionary
	KindConnection
	KindConnectionInvalid
	KindConnectionInterrupted
	KindTerminationImminent
	KindError
)

// Classify reports what obj is.
func Classify(obj uintptr) Kind {
	if obj == 0 {
		return KindUnknown
	}
	switch obj {
	case errorConnectionInvalid:
		return KindConnectionInvalid
	case errorConnectionInterrupted:
		return KindConnectionInterrupted
	case errorTerminationImminent:
		return KindTerminationImminent
	}
	switch xpcGetType(obj) {
	case typeDictionary:
		return KindDictionary
	case typeConnection:
		return KindConnection
	case typeError:
		return KindError
	}
	return KindUnknown
}

// ConnectionCreate wraps xpc_connection_create. An empty name creates an
// anonymous connection.
func ConnectionCreate(name string) uintptr {
	if name == "" {
		return xpcConnectionCreate(nil, 0)
	}
	b := cString(name)
	return xpcConnectionCreate(&b[0], 0)
}

// ConnectionCreateMachService wraps xpc_connection_create_mach_service.
func ConnectionCreateMachService(name string, flags uint64) uintptr {
	b := cString(name)
	return xpcConnectionCreateMachService(&b[0], 0, flags)
}

// SetEventHandler registers the shared trampoline as conn's event handler.
// Every event is forwarded to the installed EventSink with context.
func SetEventHandler(conn, context uintptr) {
	shimSetEventHandler(conn, trampoline(), context)
}

func ConnectionActivate(conn uintptr) { xpcConnectionActivate(conn) }
func ConnectionResume(conn uintptr)   { xpcConnectionResume(conn) }
func ConnectionSuspend(conn uintptr)  { xpcConnectionSuspend(conn) }
func ConnectionCancel(conn uintptr)   { xpcConnectionCancel(conn) }

// ConnectionSendMessage wraps xpc_connection_send_message.
func ConnectionSendMessage(conn, message uintptr) {
	xpcConnectionSendMessage(conn, message)
}

// ConnectionSendMessageWithReplySync wraps
// xpc_connection_send_message_with_reply_sync. The result is owned by the caller.
func ConnectionSendMessageWithReplySync(conn, message uintptr) uintptr {
	return xpcConnectionSendWithReplySync(conn, message)
}

// DictionaryCreate returns a new empty dictionary owned by the caller.
func DictionaryCreate() uintptr {
	return xpcDictionaryCreate(0, 0, 0)
}

// DictionaryCreateReply returns a reply dictionary for original, or 0 if
// original does not expect a reply.
func DictionaryCreateReply(original uintptr) uintptr {
	return xpcDictionaryCreateReply(original)
}

// DictionarySetString stores value under key.
func DictionarySetString(dict uintptr, key, value string) {
	k := cString(key)
	v := cString(value)
	xpcDictionarySetString(dict, &k[0], &v[0])
}

// DictionaryGetString reads a string field. ok is false when the key is
// missing or does not hold a string.
func DictionaryGetString(dict uintptr, key string) (string, bool) {
	k := cString(key)
	p := xpcDictionaryGetString(dict, &k[0])
	if p == 0 {
		return "", false
	}
	return goString(p), true
}

// DictionaryRemoteConnection returns the connection a message arrived on.
func DictionaryRemoteConnection(dict uintptr) uintptr {
	return xpcDictionaryGetRemoteConnect(dict)
}

func Retain(obj uintptr) uintptr { return xpcRetain(obj) }
func Release(obj uintptr)        { xpcRelease(obj) }

func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// goString copies a NUL-terminated C string.
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}
