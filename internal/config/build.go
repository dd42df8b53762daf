package config

// Set at link time:
//
//	go build -ldflags "-X sponsorscout/internal/config.version=1.4.0 -X sponsorscout/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
