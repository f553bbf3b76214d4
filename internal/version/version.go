// Package version holds build metadata injected with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/streammux/internal/version.Version=0.3.0 \
//	                   -X github.com/rickgao/streammux/internal/version.Commit=$(git rev-parse --short HEAD)" ./cmd/streamtap
package version

import "runtime/debug"

var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Info is the resolved build metadata.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
}

// Get resolves build metadata, falling back to the VCS stamp embedded by the
// Go toolchain when ldflags were not set.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info.normalize()
	}
	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		}
	}
	return info.normalize()
}

func (i Info) normalize() Info {
	if i.Commit == "" {
		i.Commit = "unknown"
	}
	if i.BuildTime == "" {
		i.BuildTime = "unknown"
	}
	return i
}

// String formats the info for logs and -version output.
func (i Info) String() string {
	return i.Version + " (" + i.Commit + ") built " + i.BuildTime
}

// String returns Get().String().
func String() string {
	return Get().String()
}
