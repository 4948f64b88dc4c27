package encoder

import (
	"log/slog"

	"github.com/babelcloud/gbox/packages/recorder/internal/muxer"
)

// DefaultPoolSize leaves room for a full video queue plus the frame being
// converted and the one being compressed.
const DefaultPoolSize = muxer.DefaultQueueDepth + 2

type options struct {
	logger      *slog.Logger
	poolSize    int
	audio       bool
	backendOpts []muxer.Option
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger used by the session and its backend.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPoolSize bounds the number of pixel buffers in flight.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithoutAudio creates the session with a video track only.
func WithoutAudio() Option {
	return func(o *options) { o.audio = false }
}

// WithBackendOptions passes options to muxer.Open. Only Initialize uses them.
func WithBackendOptions(opts ...muxer.Option) Option {
	return func(o *options) { o.backendOpts = append(o.backendOpts, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{
		poolSize: DefaultPoolSize,
		audio:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.poolSize <= 0 {
		o.poolSize = DefaultPoolSize
	}
	return o
}
