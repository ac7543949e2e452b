// Package version reports the build identity of the cpfd binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/cpfd"

// buildVersion is set via -ldflags "-X pkt.systems/cpfd/internal/version.buildVersion=...".
var buildVersion = ""

var readBuildInfo = debug.ReadBuildInfo

// Info is the identity printed by `cpfd version`.
type Info struct {
	Module    string
	Version   string
	Revision  string
	GoVersion string
}

// String renders "module version (revision, go)".
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Module)
	b.WriteByte(' ')
	b.WriteString(i.Version)
	extra := make([]string, 0, 2)
	if i.Revision != "" {
		extra = append(extra, i.Revision)
	}
	if i.GoVersion != "" {
		extra = append(extra, i.GoVersion)
	}
	if len(extra) > 0 {
		b.WriteString(" (" + strings.Join(extra, ", ") + ")")
	}
	return b.String()
}

// Get collects the build identity.
func Get() Info {
	info := Info{Module: Module(), Version: Current(), GoVersion: runtime.Version()}
	if bi, ok := readBuildInfo(); ok {
		info.Revision = shortRevision(vcsSettings(bi)["vcs.revision"])
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if bi, ok := readBuildInfo(); ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(vcsSettings(bi)); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if bi, ok := readBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func vcsSettings(bi *debug.BuildInfo) map[string]string {
	out := make(map[string]string, 3)
	if bi == nil {
		return out
	}
	for _, s := range bi.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			out[s.Key] = s.Value
		}
	}
	return out
}

func pseudoVersion(vcs map[string]string) string {
	revision, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(revision)
	if vcs["vcs.modified"] == "true" {
		ver += "+dirty"
	}
	return ver
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
