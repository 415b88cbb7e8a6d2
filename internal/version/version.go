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

// String renders the build stamp written into checkpoints and run logs.
func String() string {
	return fmt.Sprintf("orcanet %s (%s, built %s)", Version, GitSHA, BuildTime)
}
