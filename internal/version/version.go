package version

import "strings"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent returns configured when set, otherwise tvlwatcher/<Version>.
func UserAgent(configured string) string {
	if ua := strings.TrimSpace(configured); ua != "" {
		return ua
	}
	return "tvlwatcher/" + Version
}
