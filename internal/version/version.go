// Package version holds build-time version information for the pwacached and
// pwacache-cli binaries, injected via -ldflags:
//
// -X github.com/ferro-labs/pwacache/internal/version.Version=v0.3.0
// -X github.com/ferro-labs/pwacache/internal/version.Commit=abc1234
// -X github.com/ferro-labs/pwacache/internal/version.Date=2026-10-19T00:00:00Z
//
// Local builds without ldflags report "dev".
package version

import "fmt"

// Variables set at link time. Default to dev values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns a single-line human-readable version string, e.g.:
//
// v0.3.0 (commit abc1234, built 2026-10-19T12:00:00Z)
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version tag, e.g. "v0.3.0" or "dev".
func Short() string {
	return Version
}
