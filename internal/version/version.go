// Package version exposes build metadata stamped in at link time.
package version

import "runtime"

// Overridden via -ldflags, e.g.
// -X github.com/tlammers/skyfeed/internal/version.version=v1.2.3
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

func Get() Info {
	return Info{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
	}
}
