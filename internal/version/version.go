// Package version carries build information set with -ldflags.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build information for logs and the -version flag.
func String() string {
	return fmt.Sprintf("v1link %s (%s, built %s)", Version, GitSHA, BuildTime)
}
