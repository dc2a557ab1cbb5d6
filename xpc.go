// Package xpc provides a safe, reference-counted handle over native XPC
// connections.
//
// A Connection owns a native connection object, the event handler registered
// for it, and an optional Delegate. The native runtime may deliver events at
// any time on its own threads; the registration only carries a weak
// back-reference to the connection, so events that race with the final
// Release are dropped instead of touching freed state.
//
// Messages are dynamically typed Values carried in a single-field envelope:
//
//	conn, err := xpc.CreateMachService("com.example.helper", 0)
//	if err != nil {
//		return err
//	}
//	defer conn.Release()
//
//	conn.SetDelegate(xpc.DelegateFunc(func(ev xpc.Event) {
//		if ev.Kind == xpc.EventMessage {
//			log.Println(ev.Message)
//		}
//	}))
//	conn.Activate()
//
//	reply, err := conn.SendMessageWithReply(xpc.NewMap().Set("op", xpc.String("ping")))
//
// The native runtime is loaded lazily with purego and requires the xpcshim
// helper library (see the shim directory). Tests and non-darwin hosts can use
// the in-memory runtime from package xpctest through WithRuntime.
package xpc

import (
	"github.com/obinnaokechukwu/xpc/internal/bindings"
)

// Init loads the native runtime. It is called automatically when a connection
// is created without WithRuntime, but can be called explicitly to check for
// errors. It is safe to call multiple times.
func Init() error {
	_, err := NativeRuntime()
	return err
}

// IsLoaded reports whether the native runtime has been loaded.
func IsLoaded() bool {
	return bindings.IsLoaded()
}
