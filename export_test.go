package xpc

// SetVersionGate replaces the gate consulted by Activate until restore is
// called.
func SetVersionGate(f func(mac, alt Pair) bool) (restore func()) {
	old := versionAtLeast
	versionAtLeast = f
	return func() { versionAtLeast = old }
}

// ActivateThresholds are the versions from which Activate uses the native
// activate primitive.
var ActivateThresholds = [2]Pair{activateMac, activateAlt}

// Resolvable reports whether an event context still resolves to a live
// connection.
func Resolvable(context uintptr) bool {
	return states.Resolve(context) != nil
}
