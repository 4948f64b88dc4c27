package version

import (
	"fmt"
	"runtime"
	"time"
)

// These variables will be set at build time via -ldflags
var (
	// Version represents the application version (from git tags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// CommitID is the git commit hash
	CommitID = "unknown"
)

// BuildInfo describes the recorder binary and the formats it writes.
type BuildInfo struct {
	Version    string   `json:"version"`
	Commit     string   `json:"commit"`
	BuildTime  string   `json:"buildTime"`
	GoVersion  string   `json:"goVersion"`
	Platform   string   `json:"platform"`
	Containers []string `json:"containers"`
	VideoCodec string   `json:"videoCodec"`
	AudioCodec string   `json:"audioCodec"`
}

// Get returns the build information of the running binary.
func Get() BuildInfo {
	return BuildInfo{
		Version:    Version,
		Commit:     CommitID,
		BuildTime:  formatBuildTime(),
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Containers: []string{"mkv", "mp4"},
		VideoCodec: "MJPEG",
		AudioCodec: "PCM s16le",
	}
}

// String is the one-line form printed by --version.
func (b BuildInfo) String() string {
	return fmt.Sprintf("gbox-rec %s (%s, %s)", b.Version, shortCommit(b.Commit), b.Platform)
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

func formatBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}
