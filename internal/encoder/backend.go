package encoder

import (
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/muxer"
)

// Backend is the muxing service a Session writes through. muxer.Writer is
// the file-backed implementation; any type with these semantics can be used.
type Backend interface {
	// Begin starts the output session at the given capture timestamp.
	Begin(start time.Duration) error
	// IsReady reports whether the track for kind can take another unit now.
	IsReady(kind media.Kind) bool
	// Append hands one unit over at a timestamp relative to session start.
	// Video units are *pixelbuf.Buffer, audio units are []byte.
	Append(kind media.Kind, payload any, pts time.Duration) error
	// CloseAndFlush writes everything accepted so far, closes the output and
	// then calls onDone once.
	CloseAndFlush(onDone func(error))
	// OnFatal registers the handler for asynchronous write failures.
	OnFatal(fn func(error))
}

var _ Backend = (*muxer.Writer)(nil)
