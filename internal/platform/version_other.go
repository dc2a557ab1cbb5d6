//go:build !unix

package platform

import (
	"fmt"
	"runtime"
)

func probeVersion() (string, error) {
	return "", fmt.Errorf("platform: version probe not supported on %s", runtime.GOOS)
}
