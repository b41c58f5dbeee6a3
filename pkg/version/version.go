// Package version exposes build-time version information, populated via
// -ldflags at release build time.
package version

var (
	// Version is the semantic version of the build.
	Version = "0.1.0"

	// GitCommit is the git revision the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)
