// Package version reports the netlockd build version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/netlock"

// buildVersion is set with -ldflags "-X pkt.systems/netlock/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version  string `json:"version" yaml:"version"`
	Module   string `json:"module" yaml:"module"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Go       string `json:"go" yaml:"go"`
	Platform string `json:"platform" yaml:"platform"`
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects version details from the linker flag and the embedded build
// info.
func Read() Info {
	info := Info{
		Version:  "v0.0.0-unknown",
		Module:   defaultModule,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		vcs := readVCS(bi)
		info.Revision = vcs.revision
		switch v := strings.TrimSpace(bi.Main.Version); {
		case v != "" && v != "(devel)":
			info.Version = v
		case vcs.pseudo() != "":
			info.Version = vcs.pseudo()
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("netlockd %s (%s, %s)", i.Version, i.Go, i.Platform)
}

type vcsInfo struct {
	revision string
	at       time.Time
	modified bool
}

func readVCS(bi *debug.BuildInfo) vcsInfo {
	var v vcsInfo
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.at, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
}

// pseudo formats a Go pseudo-version from VCS stamps.
func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.at.IsZero() {
		return ""
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + v.at.UTC().Format("20060102150405") + "-" + rev
	if v.modified {
		out += "+dirty"
	}
	return out
}
