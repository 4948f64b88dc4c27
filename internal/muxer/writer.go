package muxer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/pixelbuf"
	"github.com/pkg/errors"
)

var (
	// ErrNotReady is returned by Append when the track queue is full.
	ErrNotReady = errors.New("track not ready for more data")
	// ErrClosed is returned once CloseAndFlush has been requested.
	ErrClosed = errors.New("writer closed")
)

const (
	DefaultQueueDepth = 8
	DefaultFrameRate  = 30
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

type options struct {
	container   Container
	queueDepth  int
	jpegQuality int
	frameRate   int
	audio       bool
	sampleRate  int
	channels    int
	logger      *slog.Logger
}

// Option configures a Writer.
type Option func(*options)

// WithContainer overrides the container derived from the file extension.
func WithContainer(c Container) Option {
	return func(o *options) { o.container = c }
}

// WithQueueDepth sets how many units each track may have in flight.
func WithQueueDepth(n int) Option {
	return func(o *options) { o.queueDepth = n }
}

// WithJPEGQuality sets the MJPEG quality, 1 to 100.
func WithJPEGQuality(q int) Option {
	return func(o *options) { o.jpegQuality = q }
}

// WithFrameRate sets the nominal video frame rate.
func WithFrameRate(fps int) Option {
	return func(o *options) { o.frameRate = fps }
}

// WithAudioFormat sets the PCM layout of audio payloads (signed 16-bit little endian).
func WithAudioFormat(sampleRate, channels int) Option {
	return func(o *options) {
		o.sampleRate = sampleRate
		o.channels = channels
	}
}

// WithoutAudio leaves the audio track out of the file.
func WithoutAudio() Option {
	return func(o *options) { o.audio = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type unit struct {
	video *pixelbuf.Buffer
	audio []byte
	pts   time.Duration
}

// Writer is the muxing backend. A single goroutine owns the container; units
// reach it through one bounded queue per track, and a full queue is the
// backpressure signal reported by IsReady.
type Writer struct {
	container Container
	opts      options
	logger    *slog.Logger
	sink      *fileSink
	out       containerWriter

	video    chan unit
	audio    chan unit
	closeReq chan func(error)
	failedCh chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	began   bool
	start   time.Duration
	closing bool
	failed  error
	onFatal func(error)

	headerWritten bool
	writtenVideo  atomic.Int64
	writtenAudio  atomic.Int64
}

// Open creates the output file and starts the writer goroutine.
func Open(path string, size media.Size, opts ...Option) (*Writer, error) {
	w, err := newWriter(path, size, opts...)
	if err != nil {
		return nil, err
	}
	go w.run()
	w.logger.Debug("Muxer started", "container", w.container, "size", size, "queue_depth", w.opts.queueDepth)
	return w, nil
}

func newWriter(path string, size media.Size, opts ...Option) (*Writer, error) {
	o := options{
		queueDepth:  DefaultQueueDepth,
		jpegQuality: DefaultJPEGQuality,
		frameRate:   DefaultFrameRate,
		audio:       true,
		sampleRate:  DefaultSampleRate,
		channels:    DefaultChannels,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.queueDepth <= 0 {
		o.queueDepth = DefaultQueueDepth
	}
	if o.jpegQuality < 1 || o.jpegQuality > 100 {
		return nil, errors.Errorf("invalid JPEG quality %d", o.jpegQuality)
	}
	if o.frameRate <= 0 {
		return nil, errors.Errorf("invalid frame rate %d", o.frameRate)
	}
	if o.audio && (o.sampleRate <= 0 || o.channels <= 0) {
		return nil, errors.Errorf("invalid audio format %d Hz, %d channels", o.sampleRate, o.channels)
	}
	if err := pixelbuf.ValidateSize(size); err != nil {
		return nil, err
	}

	container := o.container
	if container == "" {
		var err error
		if container, err = ContainerForPath(path); err != nil {
			return nil, err
		}
	}

	logger := o.logger.With("component", "muxer", "path", path)
	sink, err := createFile(path, logger)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		container: container,
		opts:      o,
		logger:    logger,
		sink:      sink,
		video:     make(chan unit, o.queueDepth),
		audio:     make(chan unit, o.queueDepth),
		closeReq:  make(chan func(error), 1),
		failedCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	layout := trackLayout{
		width:         size.Width,
		height:        size.Height,
		frameRate:     o.frameRate,
		audio:         o.audio,
		sampleRate:    o.sampleRate,
		channels:      o.channels,
		bitsPerSample: 16,
	}
	switch container {
	case ContainerMatroska:
		w.out = newMatroskaWriter(sink, layout, logger)
	case ContainerFMP4:
		w.out = newFMP4Writer(sink, layout, logger)
	default:
		sink.Close()
		return nil, errors.Wrapf(ErrUnknownContainer, "%q", container)
	}

	return w, nil
}

// Container returns the output container.
func (w *Writer) Container() Container {
	return w.container
}

// Begin marks the start of the session. The container header is written by
// the writer goroutine ahead of the first unit.
func (w *Writer) Begin(start time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if w.closing {
		return ErrClosed
	}
	if !w.began {
		w.began = true
		w.start = start
		w.logger.Debug("Session begun", "start", start)
	}
	return nil
}

// IsReady reports whether the track queue for kind has room.
func (w *Writer) IsReady(kind media.Kind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing || w.failed != nil {
		return false
	}
	ch := w.queue(kind)
	return ch != nil && len(ch) < cap(ch)
}

// Append queues one unit for kind without blocking. Video payloads must be
// *pixelbuf.Buffer and are released once compressed; audio payloads must be
// []byte and are copied.
func (w *Writer) Append(kind media.Kind, payload any, pts time.Duration) error {
	var u unit
	switch p := payload.(type) {
	case *pixelbuf.Buffer:
		if kind != media.KindVideo {
			return errors.Errorf("pixel buffer appended to %s track", kind)
		}
		u = unit{video: p, pts: pts}
	case []byte:
		if kind != media.KindAudio {
			return errors.Errorf("sample buffer appended to %s track", kind)
		}
		u = unit{audio: append([]byte(nil), p...), pts: pts}
	default:
		return errors.Errorf("unsupported payload %T", payload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if w.closing {
		return ErrClosed
	}
	if !w.began {
		return errors.New("append before session begin")
	}
	ch := w.queue(kind)
	if ch == nil {
		return errors.Errorf("no %s track", kind)
	}
	select {
	case ch <- u:
		return nil
	default:
		return ErrNotReady
	}
}

// OnFatal registers the handler for write failures. It is called at most once.
func (w *Writer) OnFatal(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFatal = fn
}

// CloseAndFlush writes every queued unit, finalizes the container and closes
// the file, then calls onDone from the writer goroutine. Only the first call
// has an effect.
func (w *Writer) CloseAndFlush(onDone func(error)) {
	if onDone == nil {
		onDone = func(error) {}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		return
	}
	w.closing = true
	if w.failed != nil {
		failed := w.failed
		go onDone(failed)
		return
	}
	w.closeReq <- onDone
}

// Done is closed when the writer goroutine exits.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Written returns how many units of kind reached the container.
func (w *Writer) Written(kind media.Kind) int64 {
	switch kind {
	case media.KindVideo:
		return w.writtenVideo.Load()
	case media.KindAudio:
		return w.writtenAudio.Load()
	}
	return 0
}

func (w *Writer) queue(kind media.Kind) chan unit {
	switch kind {
	case media.KindVideo:
		return w.video
	case media.KindAudio:
		if w.opts.audio {
			return w.audio
		}
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case u := <-w.video:
			if w.failure() != nil {
				u.video.Release()
				w.abort(nil)
				return
			}
			if err := w.writeVideo(u); err != nil {
				w.abort(err)
				return
			}
		case u := <-w.audio:
			if w.failure() != nil {
				w.abort(nil)
				return
			}
			if err := w.writeAudio(u); err != nil {
				w.abort(err)
				return
			}
		case onDone := <-w.closeReq:
			onDone(w.finish())
			return
		case <-w.failedCh:
			w.abort(nil)
			return
		}
	}
}

// finish drains the queues and closes the container. Draining stops at
// the first failure; the remaining units are released unwritten.
func (w *Writer) finish() error {
	for w.failure() == nil {
		var err error
		select {
		case u := <-w.video:
			err = w.writeVideo(u)
		case u := <-w.audio:
			err = w.writeAudio(u)
		default:
		}
		if err != nil {
			w.fail(err)
			break
		}
		if len(w.video) == 0 && len(w.audio) == 0 {
			break
		}
	}

	if err := w.failure(); err != nil {
		w.releaseQueued()
		w.sink.Close()
		return err
	}
	if err := w.ensureHeader(); err != nil {
		w.sink.Close()
		return err
	}
	if err := w.out.Close(); err != nil {
		w.logger.Error("Failed to finalize container", "error", err)
		return err
	}
	w.logger.Info("Output finalized",
		"video_units", w.writtenVideo.Load(),
		"audio_units", w.writtenAudio.Load())
	return nil
}

// abort stops the writer after a failure. A close request that raced with
// the failure is answered with the failure.
func (w *Writer) abort(err error) {
	if err != nil {
		w.fail(err)
	}
	w.releaseQueued()
	w.sink.Close()

	select {
	case onDone := <-w.closeReq:
		onDone(w.failure())
	default:
	}
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.failed != nil {
		w.mu.Unlock()
		return
	}
	w.failed = err
	close(w.failedCh)
	onFatal := w.onFatal
	w.mu.Unlock()

	w.logger.Error("Muxer failed", "error", err)
	if onFatal != nil {
		onFatal(err)
	}
}

func (w *Writer) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *Writer) releaseQueued() {
	for {
		select {
		case u := <-w.video:
			u.video.Release()
		case <-w.audio:
		default:
			return
		}
	}
}

func (w *Writer) ensureHeader() error {
	if w.headerWritten {
		return nil
	}
	if err := w.out.WriteHeader(); err != nil {
		return errors.Wrap(err, "failed to write container header")
	}
	w.headerWritten = true
	return nil
}

func (w *Writer) writeVideo(u unit) error {
	frame, err := compressJPEG(u.video.Image, w.opts.jpegQuality)
	u.video.Release()
	if err != nil {
		return err
	}
	if err := w.ensureHeader(); err != nil {
		return err
	}
	if err := w.out.WriteVideo(frame, u.pts); err != nil {
		return err
	}
	w.writtenVideo.Add(1)
	return nil
}

func (w *Writer) writeAudio(u unit) error {
	if err := w.ensureHeader(); err != nil {
		return err
	}
	if err := w.out.WriteAudio(u.audio, u.pts); err != nil {
		return err
	}
	w.writtenAudio.Add(1)
	return nil
}
