package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/muxer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(dir string) config.Recorder {
	return config.Recorder{
		OutputDir:   dir,
		Container:   "mkv",
		QueueDepth:  8,
		PoolSize:    10,
		JPEGQuality: 80,
		FPS:         30,
		Width:       64,
		Height:      48,
		SampleRate:  48000,
		Channels:    2,
	}
}

func noneChanged(string) bool { return false }

func TestPlanRecording(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)

	t.Run("defaults", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "videos")
		plan, err := planRecording(&recordOptions{}, testSettings(dir), noneChanged, now)
		require.NoError(t, err)

		assert.Equal(t, muxer.ContainerMatroska, plan.container)
		assert.Equal(t, media.Size{Width: 64, Height: 48}, plan.size)
		assert.True(t, plan.audio)
		assert.Equal(t, dir, filepath.Dir(plan.path))
		assert.True(t, strings.HasPrefix(filepath.Base(plan.path), "gbox-20260301-102030-"))
		assert.Equal(t, ".mkv", filepath.Ext(plan.path))
		assert.DirExists(t, dir)
	})

	t.Run("output extension picks container", func(t *testing.T) {
		opts := &recordOptions{output: "/tmp/out.mov", size: "640x480", noAudio: true}
		plan, err := planRecording(opts, testSettings(t.TempDir()), noneChanged, now)
		require.NoError(t, err)

		assert.Equal(t, muxer.ContainerFMP4, plan.container)
		assert.Equal(t, "/tmp/out.mov", plan.path)
		assert.Equal(t, media.Size{Width: 640, Height: 480}, plan.size)
		assert.False(t, plan.audio)
	})

	t.Run("container flag wins", func(t *testing.T) {
		opts := &recordOptions{output: "/tmp/capture.bin", container: "mp4"}
		plan, err := planRecording(opts, testSettings(t.TempDir()), noneChanged, now)
		require.NoError(t, err)
		assert.Equal(t, muxer.ContainerFMP4, plan.container)
	})

	t.Run("fps flag", func(t *testing.T) {
		opts := &recordOptions{fps: 12}
		plan, err := planRecording(opts, testSettings(t.TempDir()), func(name string) bool { return name == "fps" }, now)
		require.NoError(t, err)
		assert.Equal(t, 12, plan.settings.FPS)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := planRecording(&recordOptions{size: "big"}, testSettings(t.TempDir()), noneChanged, now)
		assert.Error(t, err)

		_, err = planRecording(&recordOptions{output: "/tmp/out.avi"}, testSettings(t.TempDir()), noneChanged, now)
		assert.Error(t, err)

		_, err = planRecording(&recordOptions{container: "flv"}, testSettings(t.TempDir()), noneChanged, now)
		assert.Error(t, err)
	})
}

func TestRunRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.mkv")
	opts := &recordOptions{
		output:   path,
		duration: 300 * time.Millisecond,
		size:     "64x48",
		fps:      10,
	}

	var out bytes.Buffer
	err := runRecord(context.Background(), &out, opts, func(name string) bool { return name == "fps" })
	require.NoError(t, err)

	assert.Contains(t, out.String(), path)
	assert.Contains(t, out.String(), "saved")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)

	cmd.SetArgs([]string{"--output", "json"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"version"`)

	cmd.SetArgs([]string{"--output", "yaml"})
	assert.Error(t, cmd.Execute())
}
