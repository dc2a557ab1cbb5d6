//go:build darwin || ios

package platform

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func probeVersion() (string, error) {
	// Available since macOS 10.13.4 / iOS 11.3.
	if v, err := unix.Sysctl("kern.osproductversion"); err == nil && v != "" {
		return v, nil
	}

	release, err := unix.Sysctl("kern.osrelease")
	if err != nil {
		return "", fmt.Errorf("platform: sysctl kern.osrelease: %w", err)
	}
	return productFromKernel(release)
}

// productFromKernel maps a Darwin kernel release to the macOS product version.
// Darwin 20 is macOS 11; below that Darwin N is 10.(N-4).
func productFromKernel(release string) (string, error) {
	major, rest, _ := strings.Cut(release, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return "", fmt.Errorf("platform: invalid kernel release %q", release)
	}
	minor, _, _ := strings.Cut(rest, ".")
	if n >= 20 {
		return fmt.Sprintf("%d.%s", n-9, minor), nil
	}
	return fmt.Sprintf("10.%d.%s", n-4, minor), nil
}
