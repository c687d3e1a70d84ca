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

// String formats the build metadata for a version banner.
func String(program string) string {
	return fmt.Sprintf("%s version %s (commit %s, built %s)", program, Version, GitSHA, BuildTime)
}
