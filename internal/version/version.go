// Package version reports build information for the zanj binary.
//
// Version, Commit and Date are set at link time:
//
//	go build -ldflags "-X github.com/justapithecus/zanj/internal/version.Version=v1.2.0"
//
// When unset, values come from debug.ReadBuildInfo.
package version

import (
	"fmt"
	"io"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info contains version information.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Format  int    `json:"format_version"`
}

// GetVersion returns the version string, preferring the link-time value.
func GetVersion() string {
	if Version != "dev" && Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "development"
}

// GetCommit returns the VCS revision, preferring the link-time value.
func GetCommit() string {
	if Commit != "unknown" && Commit != "" {
		return Commit
	}
	return buildSetting("vcs.revision")
}

// GetBuildDate returns the build date, preferring the link-time value.
func GetBuildDate() string {
	if Date != "unknown" && Date != "" {
		return Date
	}
	return buildSetting("vcs.time")
}

func buildSetting(key string) string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == key {
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetInfo returns complete version information. format is the container
// format version the binary writes.
func GetInfo(format int) Info {
	return Info{
		Version: GetVersion(),
		Commit:  GetCommit(),
		Date:    GetBuildDate(),
		Format:  format,
	}
}

// Full returns the version with a short commit and build date when known.
func (i Info) Full() string {
	if i.Commit == "unknown" || len(i.Commit) <= 7 {
		return i.Version
	}
	short := i.Commit[:7]
	if i.Date != "unknown" {
		return fmt.Sprintf("%s (%s, built %s)", i.Version, short, i.Date)
	}
	return fmt.Sprintf("%s (%s)", i.Version, short)
}

// Print writes a human-readable report to w.
func (i Info) Print(w io.Writer, appName string) {
	_, _ = fmt.Fprintf(w, "%s version %s\n", appName, i.Full())
	_, _ = fmt.Fprintf(w, "Format: %d\n", i.Format)
	_, _ = fmt.Fprintf(w, "Commit: %s\n", i.Commit)
	_, _ = fmt.Fprintf(w, "Build Date: %s\n", i.Date)
}
