// Package capture produces synthetic video and audio frames on a clock, for
// recording without a real capture device.
package capture

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Sink takes captured frames. encoder.Session satisfies it.
type Sink interface {
	EncodeFrame(frame media.Frame, kind media.Kind) bool
}

// Config describes the generated streams.
type Config struct {
	Size       media.Size
	FPS        int
	Audio      bool
	SampleRate int
	Channels   int
	AudioChunk time.Duration // length of one audio frame, 20ms by default
	ToneHz     float64       // 440 by default
	Duration   time.Duration // zero runs until the context is done
}

// Stats counts frames per kind.
type Stats struct {
	VideoOffered int64
	VideoDropped int64
	AudioOffered int64
	AudioDropped int64
}

// TestSource generates a moving test pattern and a sine tone.
type TestSource struct {
	cfg    Config
	clock  clock.WithTicker
	logger *slog.Logger

	videoOffered atomic.Int64
	videoDropped atomic.Int64
	audioOffered atomic.Int64
	audioDropped atomic.Int64
}

// Option configures a TestSource.
type Option func(*TestSource)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(s *TestSource) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TestSource) { s.logger = l }
}

// NewTestSource validates cfg and fills in defaults.
func NewTestSource(cfg Config, opts ...Option) (*TestSource, error) {
	if cfg.Size.Width <= 0 || cfg.Size.Height <= 0 {
		return nil, errors.Errorf("invalid frame size %s", cfg.Size)
	}
	if cfg.FPS <= 0 {
		return nil, errors.Errorf("invalid frame rate %d", cfg.FPS)
	}
	if cfg.Audio {
		if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
			return nil, errors.Errorf("invalid audio format %d Hz, %d channels", cfg.SampleRate, cfg.Channels)
		}
		if cfg.AudioChunk <= 0 {
			cfg.AudioChunk = 20 * time.Millisecond
		}
		if cfg.ToneHz <= 0 {
			cfg.ToneHz = 440
		}
	}

	s := &TestSource{
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "capture")
	return s, nil
}

// Run delivers frames to sink until ctx is done or the configured duration
// has elapsed. Timestamps are measured on the source clock from the moment
// Run is called. Rejected frames are counted and not retried.
func (s *TestSource) Run(ctx context.Context, sink Sink) error {
	if s.cfg.Duration > 0 {
		ctx = s.withDeadline(ctx, s.cfg.Duration)
	}

	epoch := s.clock.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runVideo(ctx, sink, epoch)
	})
	if s.cfg.Audio {
		g.Go(func() error {
			return s.runAudio(ctx, sink, epoch)
		})
	}

	s.logger.Info("Capture started", "size", s.cfg.Size, "fps", s.cfg.FPS, "audio", s.cfg.Audio)
	err := g.Wait()
	stats := s.Stats()
	s.logger.Info("Capture stopped",
		"video_frames", stats.VideoOffered, "video_dropped", stats.VideoDropped,
		"audio_frames", stats.AudioOffered, "audio_dropped", stats.AudioDropped)
	return err
}

// withDeadline cancels ctx after d on the source clock.
func (s *TestSource) withDeadline(ctx context.Context, d time.Duration) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	timer := s.clock.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func (s *TestSource) runVideo(ctx context.Context, sink Sink, epoch time.Time) error {
	ticker := s.clock.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	for n := 0; ; n++ {
		pts := s.clock.Since(epoch)
		s.videoOffered.Add(1)
		if !sink.EncodeFrame(media.VideoFrame(s.pattern(n), pts), media.KindVideo) {
			s.videoDropped.Add(1)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func (s *TestSource) runAudio(ctx context.Context, sink Sink, epoch time.Time) error {
	ticker := s.clock.NewTicker(s.cfg.AudioChunk)
	defer ticker.Stop()

	frames := int(int64(s.cfg.SampleRate) * int64(s.cfg.AudioChunk) / int64(time.Second))
	if frames <= 0 {
		return errors.Errorf("audio chunk %s is shorter than one sample", s.cfg.AudioChunk)
	}

	var phase float64
	for {
		pts := s.clock.Since(epoch)
		var chunk []byte
		chunk, phase = s.tone(frames, phase)
		s.audioOffered.Add(1)
		if !sink.EncodeFrame(media.AudioFrame(chunk, pts), media.KindAudio) {
			s.audioDropped.Add(1)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// pattern draws colour bars with a bar sweeping across the frame.
func (s *TestSource) pattern(n int) *image.RGBA {
	w, h := s.cfg.Size.Width, s.cfg.Size.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bars := []color.RGBA{
		{0xc0, 0xc0, 0xc0, 0xff},
		{0xc0, 0xc0, 0x00, 0xff},
		{0x00, 0xc0, 0xc0, 0xff},
		{0x00, 0xc0, 0x00, 0xff},
		{0xc0, 0x00, 0xc0, 0xff},
		{0xc0, 0x00, 0x00, 0xff},
		{0x00, 0x00, 0xc0, 0xff},
	}
	sweep := (n * 4) % w
	for x := 0; x < w; x++ {
		c := bars[x*len(bars)/w]
		if x >= sweep && x < sweep+4 {
			c = color.RGBA{0xff, 0xff, 0xff, 0xff}
		}
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// tone renders frames of interleaved s16le samples and returns the phase to
// continue from.
func (s *TestSource) tone(frames int, phase float64) ([]byte, float64) {
	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)
	out := make([]byte, frames*s.cfg.Channels*2)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(phase) * math.MaxInt16 / 4)
		for c := 0; c < s.cfg.Channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*s.cfg.Channels+c)*2:], uint16(v))
		}
		phase += step
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
	}
	return out, phase
}

// Stats returns the frame counters.
func (s *TestSource) Stats() Stats {
	return Stats{
		VideoOffered: s.videoOffered.Load(),
		VideoDropped: s.videoDropped.Load(),
		AudioOffered: s.audioOffered.Load(),
		AudioDropped: s.audioDropped.Load(),
	}
}
