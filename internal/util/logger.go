package util

import (
	"log/slog"
	"strings"

	"github.com/dchest/uniuri"
)

// ComponentLogger returns the global logger tagged with a component name.
func ComponentLogger(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// RecordingName returns a file name for a new recording: the prefix, a
// timestamp and a short random suffix so runs started in the same second
// do not collide.
func RecordingName(prefix, timestamp, ext string) string {
	if prefix == "" {
		prefix = "recording"
	}
	suffix := strings.ToLower(uniuri.NewLen(6))
	return prefix + "-" + timestamp + "-" + suffix + ext
}
