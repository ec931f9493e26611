// Package conda implements the build actions that drive conda and conda-lock:
// solving, fetching, installing, exporting, packing and inspecting
// environment prefixes.
package conda

import (
	"os"
	"path/filepath"
	"runtime"
)

// Tools names the executables the actions invoke.
type Tools struct {
	Conda     string
	CondaLock string
}

// DefaultTools returns the executables resolved from PATH.
func DefaultTools() Tools {
	return Tools{Conda: "conda", CondaLock: "conda-lock"}
}

var platforms = map[string]string{
	"linux/amd64":   "linux-64",
	"linux/386":     "linux-32",
	"linux/arm64":   "linux-aarch64",
	"linux/ppc64le": "linux-ppc64le",
	"linux/s390x":   "linux-s390x",
	"darwin/amd64":  "osx-64",
	"darwin/arm64":  "osx-arm64",
	"windows/amd64": "win-64",
	"windows/386":   "win-32",
	"windows/arm64": "win-arm64",
}

// Platform returns the conda subdir of the running host, e.g. linux-64.
func Platform() string {
	return PlatformFor(runtime.GOOS, runtime.GOARCH)
}

// PlatformFor maps a GOOS/GOARCH pair to a conda subdir. Unknown pairs map
// to "<goos>-<goarch>".
func PlatformFor(goos, goarch string) string {
	if p, ok := platforms[goos+"/"+goarch]; ok {
		return p
	}
	return goos + "-" + goarch
}

// IsCondaPrefix reports whether prefix holds a conda environment, which is
// marked by conda-meta/history.
func IsCondaPrefix(prefix string) bool {
	info, err := os.Stat(filepath.Join(prefix, "conda-meta", "history"))
	return err == nil && info.Mode().IsRegular()
}
