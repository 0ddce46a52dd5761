package core

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var Version string

func init() {
	Version = versionFromBuildInfo()
}

// versionFromBuildInfo prefers the module version of tagged installs and
// falls back to the VCS revision for local builds.
func versionFromBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}

	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	revision := settings["vcs.revision"]
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := fmt.Sprintf("devel-%s", revision)
	if settings["vcs.modified"] == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" prefix of tagged releases ("v0.3.1" -> "0.3.1").
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v ends in a 12 character commit hash,
// e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	v, _, _ = strings.Cut(v, "+")
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	return strings.Trim(hash, "0123456789abcdef") == ""
}
