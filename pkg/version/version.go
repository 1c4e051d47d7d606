package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
// -ldflags "-X github.com/lkarlslund/chatgate/pkg/version.Version=v0.3.0 -X github.com/lkarlslund/chatgate/pkg/version.Commit=<sha>"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

const name = "chatgate"

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		v := strings.TrimSpace(s.Value)
		switch {
		case s.Key == "vcs.revision" && info.Commit == "":
			info.Commit = v
		case s.Key == "vcs.time" && info.Date == "":
			info.Date = v
		case s.Key == "vcs.modified" && !info.Dirty:
			info.Dirty = strings.EqualFold(v, "true")
		}
	}
	return info
}

func (i Info) Short() string {
	parts := []string{i.Version}
	if i.Commit != "" {
		commit := i.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		parts = append(parts, commit)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func String() string {
	return Current().Short()
}

// UserAgent is sent on upstream calls.
func UserAgent() string {
	return name + "/" + String()
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s", name, v.Short())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
