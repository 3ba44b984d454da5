// Package version reports which build of ARO is running. The commit comes
// from an -ldflags override when set, otherwise from the VCS stamp the Go
// toolchain embeds; builds from a modified tree carry a -dirty suffix.
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user agents.
const AppName = "aro"

// commitOverride is injected via -ldflags for container builds that compile
// outside a git checkout.
var commitOverride string

// Commit identifies the running build, "dev" when nothing is stamped.
var Commit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	commit, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = short(s.Value)
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if dirty {
		return commit + "-dirty"
	}
	return commit
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// String returns "aro/<commit>" for user-agent strings and startup logs.
func String() string {
	return AppName + "/" + Commit
}
