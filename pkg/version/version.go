// Package version provides build version information for the a2arunner binary.
// These variables are set at build time via ldflags by goreleaser.
package version

import "fmt"

// Build information variables - set by goreleaser via ldflags.
// Example: go build -ldflags "-X a2arunner/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version (e.g., "v1.2.3" or "dev" for development builds).
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
