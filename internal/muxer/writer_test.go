package muxer

import (
	"bytes"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/pixelbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSize = media.Size{Width: 16, Height: 16}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testPCM(frames int) []byte {
	return make([]byte, frames*DefaultChannels*2)
}

func acquireFilled(t *testing.T, pool *pixelbuf.Pool, luma byte) *pixelbuf.Buffer {
	t.Helper()
	buf, err := pool.Acquire()
	require.NoError(t, err)
	for i := range buf.Image.Y {
		buf.Image.Y[i] = luma
	}
	return buf
}

func closeAndWait(t *testing.T, w *Writer) error {
	t.Helper()
	result := make(chan error, 1)
	w.CloseAndFlush(func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("CloseAndFlush did not complete")
		return nil
	}
}

func TestContainerForPath(t *testing.T) {
	tests := []struct {
		path string
		want Container
		ok   bool
	}{
		{"/tmp/out.mkv", ContainerMatroska, true},
		{"/tmp/out.webm", "", false},
		{"/tmp/out.MP4", ContainerFMP4, true},
		{"/tmp/out.mov", ContainerFMP4, true},
		{"/tmp/out.m4v", ContainerFMP4, true},
		{"/tmp/out.avi", "", false},
		{"/tmp/out", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ContainerForPath(tt.path)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrUnknownContainer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing", "out.mkv"), testSize)
	assert.Error(t, err, "unwritable path must fail")

	_, err = Open(filepath.Join(dir, "out.avi"), testSize)
	assert.ErrorIs(t, err, ErrUnknownContainer)

	_, err = Open(filepath.Join(dir, "odd.mkv"), media.Size{Width: 15, Height: 16})
	assert.ErrorIs(t, err, pixelbuf.ErrUnsupportedSize)

	_, err = Open(filepath.Join(dir, "q.mkv"), testSize, WithJPEGQuality(0))
	assert.Error(t, err)
}

func TestWriter_WritesContainers(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		magic []byte
	}{
		{"matroska", "out.mkv", []byte{0x1A, 0x45, 0xDF, 0xA3}},
		{"fmp4", "out.mp4", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			w, err := Open(path, testSize, WithLogger(testLogger()))
			require.NoError(t, err)

			pool, err := pixelbuf.NewPool(testSize, DefaultQueueDepth)
			require.NoError(t, err)

			require.NoError(t, w.Begin(0))
			for i := 0; i < 5; i++ {
				require.Eventually(t, func() bool { return w.IsReady(media.KindVideo) }, time.Second, time.Millisecond)
				buf := acquireFilled(t, pool, byte(i*40))
				require.NoError(t, w.Append(media.KindVideo, buf, time.Duration(i)*33*time.Millisecond))

				require.Eventually(t, func() bool { return w.IsReady(media.KindAudio) }, time.Second, time.Millisecond)
				require.NoError(t, w.Append(media.KindAudio, testPCM(960), time.Duration(i)*20*time.Millisecond))
			}

			require.NoError(t, closeAndWait(t, w))
			<-w.Done()

			assert.EqualValues(t, 5, w.Written(media.KindVideo))
			assert.EqualValues(t, 5, w.Written(media.KindAudio))
			assert.Equal(t, 0, pool.InFlight(), "pixel buffers go back to the pool once compressed")

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Greater(t, len(data), 8)
			if tt.magic != nil {
				assert.Equal(t, tt.magic, data[:4])
				assert.True(t, bytes.Contains(data, []byte("matroska")))
				assert.True(t, bytes.Contains(data, []byte("V_MJPEG")))
			} else {
				assert.Equal(t, "ftyp", string(data[4:8]))
				assert.Equal(t, 10, bytes.Count(data, []byte("moof")), "one fragment per unit")
			}
		})
	}
}

func TestWriter_BackpressureWhenQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	w, err := newWriter(path, testSize, WithQueueDepth(2), WithLogger(testLogger()))
	require.NoError(t, err)

	pool, err := pixelbuf.NewPool(testSize, 4)
	require.NoError(t, err)

	require.NoError(t, w.Begin(0))
	assert.True(t, w.IsReady(media.KindVideo))
	require.NoError(t, w.Append(media.KindVideo, acquireFilled(t, pool, 1), 0))
	require.NoError(t, w.Append(media.KindVideo, acquireFilled(t, pool, 2), time.Millisecond))

	assert.False(t, w.IsReady(media.KindVideo), "full queue reports backpressure")
	assert.True(t, w.IsReady(media.KindAudio), "tracks have independent queues")

	extra := acquireFilled(t, pool, 3)
	assert.ErrorIs(t, w.Append(media.KindVideo, extra, 2*time.Millisecond), ErrNotReady)
	extra.Release()

	go w.run()
	require.Eventually(t, func() bool { return w.IsReady(media.KindVideo) }, time.Second, time.Millisecond)

	require.NoError(t, closeAndWait(t, w))
	assert.EqualValues(t, 2, w.Written(media.KindVideo))
}

func TestWriter_AppendRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	w, err := Open(path, testSize, WithoutAudio(), WithLogger(testLogger()))
	require.NoError(t, err)

	assert.Error(t, w.Append(media.KindAudio, testPCM(10), 0), "append before begin")
	require.NoError(t, w.Begin(0))
	require.NoError(t, w.Begin(time.Second), "begin is idempotent")

	assert.False(t, w.IsReady(media.KindAudio), "audio disabled")
	assert.Error(t, w.Append(media.KindAudio, testPCM(10), 0))
	assert.Error(t, w.Append(media.KindVideo, []byte{1}, 0), "wrong payload type")
	assert.Error(t, w.Append(media.KindVideo, image.NewGray(image.Rect(0, 0, 1, 1)), 0))

	require.NoError(t, closeAndWait(t, w))

	assert.False(t, w.IsReady(media.KindVideo))
	assert.ErrorIs(t, w.Append(media.KindAudio, testPCM(10), 0), ErrClosed)
	assert.ErrorIs(t, w.Begin(0), ErrClosed)

	called := false
	w.CloseAndFlush(func(error) { called = true })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called, "second close is ignored")
}

func TestWriter_FatalWriteFailure(t *testing.T) {
	for _, file := range []string{"out.mkv", "out.mp4"} {
		t.Run(file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			w, err := newWriter(path, testSize, WithLogger(testLogger()))
			require.NoError(t, err)

			fatal := make(chan error, 1)
			w.OnFatal(func(err error) { fatal <- err })

			// Writes to a closed file fail.
			require.NoError(t, w.sink.file.Close())

			pool, err := pixelbuf.NewPool(testSize, 2)
			require.NoError(t, err)

			go w.run()
			require.NoError(t, w.Begin(0))
			require.NoError(t, w.Append(media.KindVideo, acquireFilled(t, pool, 1), 0))

			select {
			case err := <-fatal:
				assert.Error(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("fatal handler not called")
			}

			assert.False(t, w.IsReady(media.KindVideo))
			assert.Error(t, w.Append(media.KindAudio, testPCM(10), 0))
			assert.Error(t, closeAndWait(t, w), "close reports the failure")
			assert.Equal(t, 0, pool.InFlight())
		})
	}
}

func TestWriter_FailureWhileDraining(t *testing.T) {
	for _, file := range []string{"out.mkv", "out.mp4"} {
		t.Run(file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			w, err := Open(path, testSize, WithoutAudio(), WithLogger(testLogger()))
			require.NoError(t, err)

			pool, err := pixelbuf.NewPool(testSize, DefaultQueueDepth+1)
			require.NoError(t, err)

			require.NoError(t, w.Begin(0))
			require.NoError(t, w.Append(media.KindVideo, acquireFilled(t, pool, 1), 0))
			require.Eventually(t, func() bool { return w.Written(media.KindVideo) == 1 }, 5*time.Second, time.Millisecond)

			require.NoError(t, w.sink.file.Close())
			for i := 1; i <= DefaultQueueDepth; i++ {
				buf := acquireFilled(t, pool, byte(i))
				if err := w.Append(media.KindVideo, buf, time.Duration(i)*33*time.Millisecond); err != nil {
					buf.Release()
				}
			}

			assert.Error(t, closeAndWait(t, w), "close reports the failure")
			select {
			case <-w.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("writer goroutine did not exit")
			}
			assert.Equal(t, 0, pool.InFlight())
		})
	}
}
