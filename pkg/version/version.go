// Package version reports the build identity of the running truth process:
// an application name plus the short commit hash, resolved from -ldflags
// when set, from the toolchain's embedded VCS stamp otherwise, and falling
// back to "dev" for untagged builds and `go test`.
package version

import "runtime/debug"

// AppName prefixes every version string.
const AppName = "nova"

// gitCommitOverride is injected with -ldflags for builds without a .git
// directory (container images, source tarballs).
var gitCommitOverride string

// GitCommit is the short commit hash identifying this build.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full renders "nova/<commit>" for startup logs and health payloads.
func Full() string {
	return AppName + "/" + GitCommit
}
