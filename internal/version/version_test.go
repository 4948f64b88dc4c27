package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Equal(t, []string{"mkv", "mp4"}, info.Containers)
}

func TestBuildInfoString(t *testing.T) {
	info := BuildInfo{Version: "v1.2.0", Commit: "0123456789abcdef", Platform: "linux/amd64"}
	assert.Equal(t, "gbox-rec v1.2.0 (0123456, linux/amd64)", info.String())

	info.Commit = "unknown"
	assert.Equal(t, "gbox-rec v1.2.0 (unknown, linux/amd64)", info.String())
}

func TestFormatBuildTime(t *testing.T) {
	old := BuildTime
	defer func() { BuildTime = old }()

	BuildTime = "2026-03-01T10:20:30Z"
	assert.Equal(t, "Sun Mar 1 10:20:30 2026", formatBuildTime())

	BuildTime = "yesterday"
	assert.Equal(t, "yesterday", formatBuildTime())
}
