// Package version holds build metadata, set with -ldflags -X at release.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for `siloscan version` and startup logs.
func String() string {
	return fmt.Sprintf("siloscan %s (%s, built %s)", Version, GitSHA, BuildTime)
}
