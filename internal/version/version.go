// Package version exposes build information injected through ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/rennerdo30/tunnelguard/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns the product name with version, commit and build time.
func String() string {
	return fmt.Sprintf("TunnelGuard %s (%s) built %s", Version, GitCommit, BuildTime)
}

// Full appends the Go toolchain and platform to String.
func Full() string {
	return fmt.Sprintf("%s - Go %s %s/%s", String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Info is the version payload served over RPC.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information of the running binary.
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
