package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Build information. These variables are set via -ldflags at build time.
var (
	// Version is the semantic version (e.g., "v0.2.0")
	Version = "v0.0.0"

	// GitCommit is the git commit hash
	GitCommit = "unknown"

	// BuildTime is the build timestamp
	BuildTime = "unknown"

	// GoVersion is the Go version used to build
	GoVersion = runtime.Version()
)

var osReleasePath = "/etc/os-release"

// getOSRelease reads PRETTY_NAME from os-release
func getOSRelease() string {
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return "unknown"
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			parts := strings.SplitN(line, "=", 2)
			return strings.Trim(parts[1], "'\"")
		}
	}
	return "unknown"
}

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("portal-keeper %s", Version)
}

// GetFullVersionInfo returns detailed version information as a map
func GetFullVersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_time": BuildTime,
		"go_version": GoVersion,
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"os_release": getOSRelease(),
	}
}

// GetFormattedVersionInfo returns a formatted multi-line version string
func GetFormattedVersionInfo() string {
	return fmt.Sprintf(`portal-keeper
version: %s
commit: %s
build_time: %s
go_version: %s
platform: %s/%s
os_release: %s`,
		Version, GitCommit, BuildTime, GoVersion, runtime.GOOS, runtime.GOARCH, getOSRelease())
}
