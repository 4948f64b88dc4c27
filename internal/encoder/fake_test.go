package encoder

import (
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/pixelbuf"
)

type appendedUnit struct {
	kind media.Kind
	pts  time.Duration
}

// fakeBackend records what the session hands over. Video buffers are
// released on append unless holdBuffers is set.
type fakeBackend struct {
	mu          sync.Mutex
	ready       map[media.Kind]bool
	began       int
	start       time.Duration
	units       []appendedUnit
	held        []*pixelbuf.Buffer
	holdBuffers bool
	appendErr   error
	closeErr    error
	closeCalls  int
	onFatal     func(error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ready: map[media.Kind]bool{
			media.KindVideo: true,
			media.KindAudio: true,
		},
	}
}

func (f *fakeBackend) Begin(start time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.began++
	f.start = start
	return nil
}

func (f *fakeBackend) IsReady(kind media.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[kind]
}

func (f *fakeBackend) setReady(kind media.Kind, ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[kind] = ready
}

func (f *fakeBackend) Append(kind media.Kind, payload any, pts time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	if buf, ok := payload.(*pixelbuf.Buffer); ok {
		if f.holdBuffers {
			f.held = append(f.held, buf)
		} else {
			buf.Release()
		}
	}
	f.units = append(f.units, appendedUnit{kind: kind, pts: pts})
	return nil
}

func (f *fakeBackend) CloseAndFlush(onDone func(error)) {
	f.mu.Lock()
	f.closeCalls++
	err := f.closeErr
	f.mu.Unlock()
	if onDone != nil {
		go onDone(err)
	}
}

func (f *fakeBackend) OnFatal(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFatal = fn
}

func (f *fakeBackend) snapshot() []appendedUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appendedUnit(nil), f.units...)
}

func (f *fakeBackend) beginCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.began
}

func (f *fakeBackend) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeBackend) unitsOf(kind media.Kind) []time.Duration {
	var out []time.Duration
	for _, u := range f.snapshot() {
		if u.kind == kind {
			out = append(out, u.pts)
		}
	}
	return out
}
