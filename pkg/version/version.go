package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Set at build time with -ldflags:
	// -X github.com/lkarlslund/chatrelay/pkg/version.Version=vX.Y.Z
	// -X github.com/lkarlslund/chatrelay/pkg/version.Commit=<sha>
	Version = "dev"
	Commit  = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = strings.TrimSpace(s.Value)
				}
			case "vcs.modified":
				info.Modified = strings.EqualFold(strings.TrimSpace(s.Value), "true")
			}
		}
	}
	return info
}

func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		out += "+" + short
	}
	if i.Modified {
		out += "+dirty"
	}
	return out
}

func Detailed(component string) string {
	if strings.TrimSpace(component) == "" {
		component = "chatrelay"
	}
	v := Current()
	return fmt.Sprintf("%s %s (%s)", component, v.String(), v.GoVersion)
}
