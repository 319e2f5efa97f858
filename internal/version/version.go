// Package version pins the service release and derives the database schema
// version the migrator tracks.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the current released version. Overridable at build time:
//
//	go build -ldflags "-X github.com/hrygo/protectogram/internal/version.Version=0.2.0"
var Version = "0.1.0"

// DevVersion is what development and test builds report.
var DevVersion = Version

// GetCurrentVersion accepts both the normalized mode names and the short
// --mode flag aliases, since callers resolve the mode at different stages.
func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "development" || mode == "test" {
		return DevVersion
	}
	return Version
}

// GetSchemaVersion maps a service version onto the schema version recorded
// in migration_history. The schema tracks the minor release; patch releases
// never change schema.
func GetSchemaVersion(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1] + ".0"
}

// IsVersionGreaterThan returns true if version is greater than target.
func IsVersionGreaterThan(version, target string) bool {
	return semver.Compare(fmt.Sprintf("v%s", version), fmt.Sprintf("v%s", target)) > 0
}

// SortVersion orders version strings by semver precedence.
type SortVersion []string

func (s SortVersion) Len() int {
	return len(s)
}

func (s SortVersion) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s SortVersion) Less(i, j int) bool {
	v1 := fmt.Sprintf("v%s", s[i])
	v2 := fmt.Sprintf("v%s", s[j])
	return semver.Compare(v1, v2) == -1
}
