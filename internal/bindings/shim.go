package bindings

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ShimDirEnv names the directory searched first for the shim library.
const ShimDirEnv = "XPC_SHIM_DIR"

// shimLibraryName is the file the shim Makefile produces. XPC only exists on
// darwin, so there is no other flavor.
const shimLibraryName = "libxpcshim.dylib"

// ExpectedLibraryName returns the shim library filename.
func ExpectedLibraryName() string {
	return shimLibraryName
}

// BuildInstructions describes how to produce the shim.
func BuildInstructions() string {
	return `To build the shim on macOS:
  cd shim && make
  export ` + ShimDirEnv + `=$PWD`
}

// findShimLibrary searches, in order: $XPC_SHIM_DIR, $DYLD_LIBRARY_PATH,
// standard library paths, the executable directory, <module>/shim and the
// current working directory.
func findShimLibrary() (string, error) {
	name := ExpectedLibraryName()

	if dir := os.Getenv(ShimDirEnv); dir != "" {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s=%s does not contain %s", ErrShimNotFound, ShimDirEnv, dir, name)
	}

	var searchPaths []string
	if p := os.Getenv("DYLD_LIBRARY_PATH"); p != "" {
		searchPaths = append(searchPaths, filepath.SplitList(p)...)
	}
	searchPaths = append(searchPaths,
		"/usr/local/lib",
		"/opt/homebrew/lib",
		"/usr/lib",
	)

	if exe, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Dir(exe))
	}

	// internal/bindings/shim.go -> <module_root>/shim
	if _, file, _, ok := runtime.Caller(0); ok {
		moduleRoot := filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
		searchPaths = append(searchPaths, filepath.Join(moduleRoot, "shim"))
	}

	if cwd, err := os.Getwd(); err == nil {
		searchPaths = append(searchPaths, cwd)
	}

	for _, dir := range searchPaths {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: looked for %s in %d locations. Set %s or build the shim: cd shim && make",
		ErrShimNotFound, name, len(searchPaths), ShimDirEnv)
}
