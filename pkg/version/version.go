// Package version reports the build identity of the callme binary. The
// values are injected through -ldflags at release time; for plain `go build`
// binaries the module falls back to the VCS stamp Go embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Resolve returns the effective version fields, filling unset ldflags
// values from the embedded build info when available.
func Resolve() (version, commit, built string) {
	version, commit, built = Version, GitCommit, BuildTime
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, commit, built
	}
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "unknown" && s.Value != "" {
				commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if built == "unknown" && s.Value != "" {
				built = s.Value
			}
		}
	}
	return version, commit, built
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// GetVersionInfo renders the one-line version string printed by the CLI.
func GetVersionInfo() string {
	version, commit, built := Resolve()
	return fmt.Sprintf("callme version %s (commit: %s, built: %s, go: %s)",
		version, commit, built, runtime.Version())
}
