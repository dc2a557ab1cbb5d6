package xpc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/obinnaokechukwu/xpc/internal/platform"
)

type (
	// Version is a host OS version.
	Version = platform.Version

	// Pair is a (major, minor) version threshold.
	Pair = platform.Pair
)

// Thresholds for the native activate primitive.
var (
	activateMac = Pair{Major: 10, Minor: 12}
	activateAlt = Pair{Major: 10, Minor: 0}
)

// hostVersion is probed once; the host OS version cannot change while the
// process runs. A failed probe yields the zero version, which makes every
// gate answer false.
var hostVersion = sync.OnceValue(func() Version {
	v, err := platform.HostVersion()
	if err != nil {
		Logger().Warn("xpc: host version unavailable, using fallback primitives", zap.Error(err))
		return Version{}
	}
	return v
})

// HostVersion returns the cached host OS version.
func HostVersion() Version {
	return hostVersion()
}

// VersionAtLeast reports whether the host OS is at least mac (on macOS) or
// alt (elsewhere), comparing major then minor.
func VersionAtLeast(mac, alt Pair) bool {
	return HostVersion().AtLeast(platform.HostFamily(), mac, alt)
}

// versionAtLeast is the gate consulted by Activate.
var versionAtLeast = VersionAtLeast
