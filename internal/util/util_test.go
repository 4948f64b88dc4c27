package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitLoggerLevel(t *testing.T) {
	var buf bytes.Buffer

	InitLoggerTo(&buf, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	InitLoggerTo(&buf, true)
	ComponentLogger("encoder").Debug("detail")
	assert.Contains(t, buf.String(), "detail")
	assert.Contains(t, buf.String(), "component=encoder")
}

func TestRecordingName(t *testing.T) {
	a := RecordingName("screen", "20260101-120000", ".mkv")
	b := RecordingName("screen", "20260101-120000", ".mkv")

	assert.True(t, strings.HasPrefix(a, "screen-20260101-120000-"))
	assert.True(t, strings.HasSuffix(a, ".mkv"))
	assert.Len(t, a, len("screen-20260101-120000-")+6+len(".mkv"))
	assert.NotEqual(t, a, b)

	assert.True(t, strings.HasPrefix(RecordingName("", "x", ".mp4"), "recording-x-"))
}
