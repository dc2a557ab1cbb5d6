// Package platform reports facts about the host operating system that the
// connection layer needs: which OS family it runs on and the host OS version.
package platform

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Family selects which threshold of a version pair applies to the host.
type Family int

const (
	// Mac is macOS.
	Mac Family = iota
	// Alternate is every other host (iOS and friends on Apple hardware,
	// anything else elsewhere).
	Alternate
)

// String returns the family name.
func (f Family) String() string {
	if f == Mac {
		return "mac"
	}
	return "alternate"
}

// HostFamily returns the family of the running process.
func HostFamily() Family {
	if runtime.GOOS == "darwin" {
		return Mac
	}
	return Alternate
}

// Pair is a (major, minor) version threshold.
type Pair struct {
	Major int
	Minor int
}

// Version is an operating system version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// String formats v as major.minor.patch.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is at or above the threshold for family:
// mac applies to Mac, alt to everything else. Major is compared first, then
// minor. Patch is never compared.
func (v Version) AtLeast(family Family, mac, alt Pair) bool {
	threshold := alt
	if family == Mac {
		threshold = mac
	}
	if v.Major != threshold.Major {
		return v.Major > threshold.Major
	}
	return v.Minor >= threshold.Minor
}

// ParseVersion parses "major[.minor[.patch]]". Trailing non-numeric suffixes on
// a component ("6.1.0-generic", "14.2b") are ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("platform: empty version string")
	}

	parts := strings.SplitN(s, ".", 3)
	var nums [3]int
	for i, p := range parts {
		n, err := leadingInt(p)
		if err != nil {
			if i == 0 {
				return Version{}, fmt.Errorf("platform: invalid version %q: %w", s, err)
			}
			break
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func leadingInt(s string) (int, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return strconv.Atoi(s[:end])
}

// HostVersion probes the operating system version.
// It performs a system call every time; callers cache the result.
func HostVersion() (Version, error) {
	raw, err := probeVersion()
	if err != nil {
		return Version{}, err
	}
	return ParseVersion(raw)
}
