// Package version contains build version information.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current application version.
// This value is updated automatically by Release Please.
var Version = "0.0.0"

// GitCommit is the git commit hash.
// This value is set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build date.
// This value is set at build time via ldflags.
var BuildDate = "unknown"

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Info returns the build information of the running binary.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String formats the info for the version command.
func (b BuildInfo) String() string {
	return fmt.Sprintf("sterility-garden %s\ncommit: %s\nbuilt: %s\ngo: %s", b.Version, b.Commit, b.BuildDate, b.GoVersion)
}
