package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the release of the server, the agent and licensectl.
	Version = "1.0.0"

	// APIVersion is the version of the HTTP contracts in domain.
	APIVersion = "v1"
)

// Set with -ldflags "-X isxlicense/pkg/contracts.GitCommit=...".
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	BuildTime  string `json:"build_time"`
	GitCommit  string `json:"git_commit"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// GetBuildInfo returns the version and link-time metadata of this binary.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:    Version,
		APIVersion: APIVersion,
		BuildTime:  BuildTime,
		GitCommit:  GitCommit,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("v%s (api %s, commit %s, built %s, %s, %s)",
		b.Version, b.APIVersion, b.GitCommit, b.BuildTime, b.GoVersion, b.Platform)
}
