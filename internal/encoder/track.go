package encoder

import (
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/pixelbuf"
)

// Track is the input side of one backend stream. It holds no frames: a unit
// is either handed to the backend or refused.
type Track struct {
	kind         media.Kind
	backend      Backend
	expectsMedia bool
	finished     atomic.Bool

	// adapter is set for the video track only.
	adapter *pixelbuf.Adapter
}

func newTrack(kind media.Kind, backend Backend, expectsMedia bool) *Track {
	return &Track{
		kind:         kind,
		backend:      backend,
		expectsMedia: expectsMedia,
	}
}

// ExpectsMedia reports whether the track will ever receive data.
func (t *Track) ExpectsMedia() bool {
	return t.expectsMedia
}

// IsReady reflects the backend backpressure signal for this track.
func (t *Track) IsReady() bool {
	if !t.expectsMedia || t.finished.Load() {
		return false
	}
	return t.backend.IsReady(t.kind)
}

// Append passes one unit to the backend.
func (t *Track) Append(unit any, pts time.Duration) error {
	return t.backend.Append(t.kind, unit, pts)
}

// MarkFinished stops the track from accepting input.
func (t *Track) MarkFinished() {
	t.finished.Store(true)
}

// Finished reports whether MarkFinished was called.
func (t *Track) Finished() bool {
	return t.finished.Load()
}
