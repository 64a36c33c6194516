// Package version holds the build version, stamped at release time via
// -ldflags "-X github.com/stewardhq/steward/internal/version.Version=...".
package version

var Version = "dev"
