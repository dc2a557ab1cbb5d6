//go:build unix && !darwin && !ios

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func probeVersion() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("platform: uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}
