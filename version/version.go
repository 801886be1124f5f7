// Package version reports build and protocol information for tally binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// API is the gRPC service version this binary speaks
const API = "tally.v1"

// Set at build time via -ldflags "-X github.com/teranos/tally/version.Version=..."
var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info is what `tally version` and /healthz report
type Info struct {
	Version    string `json:"version"`
	API        string `json:"api"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information. Without ldflags the VCS
// stamp from `go build` fills in the commit and time.
func Get() Info {
	info := Info{
		Version:    Version,
		API:        API,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if info.CommitHash == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					info.CommitHash = s.Value
				case "vcs.time":
					if info.BuildTime == "unknown" {
						info.BuildTime = s.Value
					}
				}
			}
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("tally %s (%s, commit %s, built %s)", i.Version, i.API, i.Short(), i.BuildTime)
}

// Short returns the commit hash cut to 7 characters
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
