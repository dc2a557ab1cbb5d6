//go:build !darwin || !(amd64 || arm64)

package bindings

func trampoline() uintptr { return 0 }

func doLoad() error {
	return ErrUnsupported
}

// HasActivate reports whether xpc_connection_activate was found.
func HasActivate() bool {
	return false
}
