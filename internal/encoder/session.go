package encoder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/muxer"
	"github.com/babelcloud/gbox/packages/recorder/internal/pixelbuf"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateFinishing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackStats counts the fate of frames offered to one track.
type TrackStats struct {
	Accepted      int64
	NotReady      int64 // dropped because the backend signalled backpressure
	PoolExhausted int64 // dropped because no pixel buffer was free
	Rejected      int64 // dropped for any other reason
}

// Stats is a snapshot of per-track counters.
type Stats struct {
	Video TrackStats
	Audio TrackStats
}

type trackCounters struct {
	accepted      atomic.Int64
	notReady      atomic.Int64
	poolExhausted atomic.Int64
	rejected      atomic.Int64
}

func (c *trackCounters) snapshot() TrackStats {
	return TrackStats{
		Accepted:      c.accepted.Load(),
		NotReady:      c.notReady.Load(),
		PoolExhausted: c.poolExhausted.Load(),
		Rejected:      c.rejected.Load(),
	}
}

// Session records one output file. EncodeFrame may be called concurrently
// for different kinds; calls for the same kind must be serialized by the
// caller. Abandoning a Session without Finalize leaves the output unflushed.
type Session struct {
	id      string
	path    string
	size    media.Size
	logger  *slog.Logger
	backend Backend

	video *Track
	audio *Track

	// EncodeFrame holds lifecycle for reading for its whole duration, so
	// Finalize cannot move the state out of Active under a running call.
	lifecycle sync.RWMutex
	state     atomic.Int32

	startMu sync.Mutex
	start   time.Duration

	notifier notifier
	errs     chan error
	fatalMu  sync.Mutex
	fatal    error

	videoCounters trackCounters
	audioCounters trackCounters
}

// Initialize creates the output file at path and returns an idle Session
// with a video track of the given size and, unless disabled, an audio track.
func Initialize(path string, size media.Size, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	if err := pixelbuf.ValidateSize(size); err != nil {
		return nil, err
	}

	backendOpts := append([]muxer.Option{muxer.WithLogger(o.logger)}, o.backendOpts...)
	if !o.audio {
		backendOpts = append(backendOpts, muxer.WithoutAudio())
	}
	backend, err := muxer.Open(path, size, backendOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize session for %s", path)
	}

	s, err := NewSession(backend, size, opts...)
	if err != nil {
		backend.CloseAndFlush(nil)
		return nil, err
	}
	s.path = path
	s.logger = s.logger.With("path", path)
	s.logger.Info("Session initialized", "size", size, "container", backend.Container(), "audio", s.audio != nil)
	return s, nil
}

// NewSession builds an idle Session on top of an existing backend.
func NewSession(backend Backend, size media.Size, opts ...Option) (*Session, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	o := buildOptions(opts)

	pool, err := pixelbuf.NewPool(size, o.poolSize)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := &Session{
		id:      id,
		size:    size,
		logger:  o.logger.With("component", "encoder", "session", id),
		backend: backend,
		errs:    make(chan error, 1),
	}
	s.video = newTrack(media.KindVideo, backend, true)
	s.video.adapter = pixelbuf.NewAdapter(pool)
	if o.audio {
		s.audio = newTrack(media.KindAudio, backend, true)
	}
	s.state.Store(int32(StateIdle))

	backend.OnFatal(s.handleFatal)
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Path returns the output path, empty for sessions built with NewSession.
func (s *Session) Path() string {
	return s.path
}

// Size returns the output frame size.
func (s *Session) Size() media.Size {
	return s.size
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// StartTime returns the capture timestamp the session started at. The
// second result is false while the session is idle.
func (s *Session) StartTime() (time.Duration, bool) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.State() == StateIdle {
		return 0, false
	}
	return s.start, true
}

// Track returns the track for kind, or nil when the session has none.
func (s *Session) Track(kind media.Kind) *Track {
	switch kind {
	case media.KindVideo:
		return s.video
	case media.KindAudio:
		return s.audio
	}
	return nil
}

// Errors delivers a fatal backend failure. At most one error is sent.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Stats returns a snapshot of the per-track counters.
func (s *Session) Stats() Stats {
	return Stats{
		Video: s.videoCounters.snapshot(),
		Audio: s.audioCounters.snapshot(),
	}
}

func (s *Session) counters(kind media.Kind) *trackCounters {
	if kind == media.KindAudio {
		return &s.audioCounters
	}
	return &s.videoCounters
}

// EncodeFrame offers one frame to the track for kind. It returns true only
// when the unit was handed to the backend. A false result means the frame
// was dropped; callers move on to the next captured frame.
func (s *Session) EncodeFrame(frame media.Frame, kind media.Kind) bool {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !kind.Valid() {
		s.logger.Debug("Dropping frame of unknown kind", "kind", kind)
		return false
	}
	c := s.counters(kind)

	switch s.State() {
	case StateIdle, StateActive:
	default:
		c.rejected.Add(1)
		return false
	}

	track := s.Track(kind)
	if track == nil || !track.ExpectsMedia() {
		c.rejected.Add(1)
		return false
	}
	if !hasPayload(frame, kind) {
		s.logger.Debug("Dropping frame without payload", "kind", kind, "pts", frame.PTS)
		c.rejected.Add(1)
		return false
	}

	start, ok := s.begin(frame.PTS)
	if !ok {
		c.rejected.Add(1)
		return false
	}
	rel := frame.PTS - start
	if rel < 0 {
		s.logger.Debug("Dropping frame captured before session start", "kind", kind, "pts", frame.PTS, "start", start)
		c.rejected.Add(1)
		return false
	}

	if !track.IsReady() {
		c.notReady.Add(1)
		return false
	}

	var unit any
	var buf *pixelbuf.Buffer
	if kind == media.KindVideo {
		var err error
		buf, err = track.adapter.Adapt(frame.Image, rel)
		if err != nil {
			if errors.Is(err, pixelbuf.ErrPoolExhausted) {
				c.poolExhausted.Add(1)
			} else {
				s.logger.Debug("Failed to convert video frame", "pts", frame.PTS, "error", err)
				c.rejected.Add(1)
			}
			return false
		}
		unit = buf
	} else {
		unit = frame.Samples
	}

	if err := track.Append(unit, rel); err != nil {
		if buf != nil {
			buf.Release()
		}
		if errors.Is(err, muxer.ErrNotReady) {
			c.notReady.Add(1)
			return false
		}
		c.rejected.Add(1)
		s.handleFatal(errors.Wrapf(err, "failed to append %s unit at %s", kind, rel))
		return false
	}

	c.accepted.Add(1)
	return true
}

func hasPayload(frame media.Frame, kind media.Kind) bool {
	if kind == media.KindVideo {
		return frame.Image != nil && !frame.Image.Bounds().Empty()
	}
	return len(frame.Samples) > 0
}

// begin performs the Idle to Active transition exactly once and returns the
// session start timestamp.
func (s *Session) begin(pts time.Duration) (time.Duration, bool) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	switch s.State() {
	case StateActive:
		return s.start, true
	case StateIdle:
	default:
		return 0, false
	}

	if err := s.backend.Begin(pts); err != nil {
		s.handleFatal(errors.Wrap(err, "failed to begin session"))
		return 0, false
	}
	s.start = pts
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
		return 0, false
	}
	s.logger.Info("Session started", "start", pts)
	return pts, true
}

// handleFatal closes the session after a backend write failure and reports
// the error on Errors. It never takes the lifecycle lock.
func (s *Session) handleFatal(err error) {
	if err == nil {
		return
	}

	s.fatalMu.Lock()
	if s.fatal != nil {
		s.fatalMu.Unlock()
		return
	}
	s.fatal = err
	s.fatalMu.Unlock()

	for {
		st := s.State()
		if st == StateFinishing || st == StateClosed {
			// Finalize owns the transition and reports the error too.
			break
		}
		if s.state.CompareAndSwap(int32(st), int32(StateClosed)) {
			s.video.MarkFinished()
			if s.audio != nil {
				s.audio.MarkFinished()
			}
			break
		}
	}

	s.logger.Error("Session failed", "error", err)
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Session) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// Finalize stops accepting frames, flushes and closes the output, and calls
// onComplete once when the backend confirms completion. onComplete receives
// nil on success. Calls after the first are ignored.
func (s *Session) Finalize(onComplete func(error)) {
	if !s.notifier.arm(onComplete) {
		s.logger.Debug("Finalize already requested")
		return
	}

	s.lifecycle.Lock()
	st := s.State()
	if st == StateIdle || st == StateActive {
		s.state.Store(int32(StateFinishing))
	}
	s.lifecycle.Unlock()

	if st == StateClosed {
		// Closed by a write failure: nothing left to flush.
		go s.notifier.fire(s.fatalErr(), nil)
		return
	}

	s.video.MarkFinished()
	if s.audio != nil {
		s.audio.MarkFinished()
	}
	stats := s.Stats()
	s.logger.Info("Finalizing session", "was", st,
		"video_accepted", stats.Video.Accepted, "audio_accepted", stats.Audio.Accepted)

	s.backend.CloseAndFlush(func(err error) {
		if err == nil {
			err = s.fatalErr()
		}
		s.notifier.fire(err, func() {
			s.state.Store(int32(StateClosed))
		})
		if err != nil {
			s.logger.Error("Session finalized with error", "error", err)
			return
		}
		s.logger.Info("Session finalized")
	})
}

// FinalizeAndWait calls Finalize and blocks until completion or until ctx
// is done. It must not be combined with another Finalize call.
func (s *Session) FinalizeAndWait(ctx context.Context) error {
	result := make(chan error, 1)
	s.Finalize(func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
