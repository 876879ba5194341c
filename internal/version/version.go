// Package version provides version information for the freqresp tools
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build-time variables that can be set via ldflags:
//
//	-X freqresp/internal/version.GitCommit=$(git rev-parse HEAD)
var (
	// Version is the release number of the tools
	Version = "0.3.0"

	// GitCommit is the git sha1 that was compiled
	GitCommit = "unknown"

	// BuildDate is the date the binary was built
	BuildDate = "unknown"

	// Hardware names the scope driver compiled in; set by the ps6000 build.
	Hardware = "simulator"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
	Hardware  string
	Modified  bool
	GoVersion string
	Platform  string
}

// GetBuildInfo returns complete build information. Commit and date fall
// back to the VCS stamp embedded by the go tool when ldflags left them unset.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		Hardware:  Hardware,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "unknown" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "unknown" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}

	return info
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// GetFullVersion returns the version with the short commit appended.
func GetFullVersion() string {
	info := GetBuildInfo()
	if info.GitCommit == "unknown" {
		return info.Version
	}

	v := info.Version + "-" + shortCommit(info.GitCommit)
	if info.Modified {
		v += "-dirty"
	}
	return v
}

// GetVersionInfo returns formatted version information
func GetVersionInfo(appName string) string {
	info := GetBuildInfo()

	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", appName, GetFullVersion())
	if info.BuildDate != "unknown" {
		fmt.Fprintf(&b, "\nBuilt: %s", info.BuildDate)
	}
	fmt.Fprintf(&b, "\nScope driver: %s", info.Hardware)
	fmt.Fprintf(&b, "\nGo: %s", info.GoVersion)
	fmt.Fprintf(&b, "\nPlatform: %s", info.Platform)

	return b.String()
}
