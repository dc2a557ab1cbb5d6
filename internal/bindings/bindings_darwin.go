//go:build darwin && (amd64 || arm64)

package bindings

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

const libSystemPath = "/usr/lib/libSystem.B.dylib"

var (
	trampolineOnce sync.Once
	trampolinePtr  uintptr
)

// trampoline returns the C function pointer the shim calls for every event.
// It is created once: purego callbacks are a limited resource.
// Signature: void (*)(uintptr_t context, xpc_object_t event)
func trampoline() uintptr {
	trampolineOnce.Do(func() {
		trampolinePtr = purego.NewCallback(func(context, event uintptr) {
			deliver(context, event)
		})
	})
	return trampolinePtr
}

func doLoad() error {
	lib, err := purego.Dlopen(libSystemPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLibraryNotFound, err)
	}

	shimPath, err := findShimLibrary()
	if err != nil {
		return err
	}
	shim, err := purego.Dlopen(shimPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return fmt.Errorf("%w: failed to load %s: %v", ErrShimNotFound, shimPath, err)
	}

	purego.RegisterLibFunc(&xpcConnectionCreate, lib, "xpc_connection_create")
	purego.RegisterLibFunc(&xpcConnectionCreateMachService, lib, "xpc_connection_create_mach_service")
	purego.RegisterLibFunc(&xpcConnectionResume, lib, "xpc_connection_resume")
	purego.RegisterLibFunc(&xpcConnectionSuspend, lib, "xpc_connection_suspend")
	purego.RegisterLibFunc(&xpcConnectionCancel, lib, "xpc_connection_cancel")
	purego.RegisterLibFunc(&xpcConnectionSendMessage, lib, "xpc_connection_send_message")
	purego.RegisterLibFunc(&xpcConnectionSendWithReplySync, lib, "xpc_connection_send_message_with_reply_sync")
	purego.RegisterLibFunc(&xpcDictionaryCreate, lib, "xpc_dictionary_create")
	purego.RegisterLibFunc(&xpcDictionaryCreateReply, lib, "xpc_dictionary_create_reply")
	purego.RegisterLibFunc(&xpcDictionarySetString, lib, "xpc_dictionary_set_string")
	purego.RegisterLibFunc(&xpcDictionaryGetString, lib, "xpc_dictionary_get_string")
	purego.RegisterLibFunc(&xpcDictionaryGetRemoteConnect, lib, "xpc_dictionary_get_remote_connection")
	purego.RegisterLibFunc(&xpcGetType, lib, "xpc_get_type")
	purego.RegisterLibFunc(&xpcRetain, lib, "xpc_retain")
	purego.RegisterLibFunc(&xpcRelease, lib, "xpc_release")
	purego.RegisterLibFunc(&shimSetEventHandler, shim, "xpcshim_connection_set_event_handler")

	// xpc_connection_activate only exists on macOS 10.12+; the caller gates on
	// the host version before using it.
	registerOptionalLibFunc(&xpcConnectionActivate, lib, "xpc_connection_activate")

	symbols := []struct {
		dst  *uintptr
		name string
	}{
		{&typeDictionary, "_xpc_type_dictionary"},
		{&typeConnection, "_xpc_type_connection"},
		{&typeError, "_xpc_type_error"},
		{&errorConnectionInvalid, "_xpc_error_connection_invalid"},
		{&errorConnectionInterrupted, "_xpc_error_connection_interrupted"},
		{&errorTerminationImminent, "_xpc_error_termination_imminent"},
	}
	for _, s := range symbols {
		addr, err := purego.Dlsym(lib, s.name)
		if err != nil {
			return fmt.Errorf("xpc: resolve %s: %w", s.name, err)
		}
		*s.dst = addr
	}

	return nil
}

func registerOptionalLibFunc(fptr any, handle uintptr, name string) {
	defer func() {
		_ = recover() // purego.RegisterLibFunc panics if symbol is missing
	}()
	purego.RegisterLibFunc(fptr, handle, name)
}

// HasActivate reports whether xpc_connection_activate was found.
func HasActivate() bool {
	return xpcConnectionActivate != nil
}
