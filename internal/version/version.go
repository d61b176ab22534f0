// Package version holds build information injected at link time.
package version

import "fmt"

// Build information. Populated at build time via -ldflags:
//
//	-X github.com/Start9Labs/startwrt/internal/version.Version=v1.2.3
var (
	// Version is the semantic version of the build.
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// Info returns a single-line human-readable version string.
func Info() string {
	return fmt.Sprintf("secprof %s (commit %s, built %s)", Version, Commit, Date)
}
