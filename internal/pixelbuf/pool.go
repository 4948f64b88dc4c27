package pixelbuf

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted is returned by Acquire when every buffer is in flight.
	ErrPoolExhausted = errors.New("pixel buffer pool exhausted")
	// ErrUnsupportedSize is returned for sizes a 4:2:0 buffer cannot hold.
	ErrUnsupportedSize = errors.New("unsupported frame size")
)

// DefaultPoolSize is the number of buffers a pool holds when none is configured.
const DefaultPoolSize = 4

// ValidateSize checks that size is positive and even in both dimensions.
func ValidateSize(size media.Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		return errors.Wrapf(ErrUnsupportedSize, "%s: dimensions must be positive", size)
	}
	if size.Width%2 != 0 || size.Height%2 != 0 {
		return errors.Wrapf(ErrUnsupportedSize, "%s: dimensions must be even", size)
	}
	return nil
}

// Buffer is a pooled planar YCbCr 4:2:0 picture.
type Buffer struct {
	Image *image.YCbCr
	PTS   time.Duration // Relative to session start

	pool  *Pool
	inUse atomic.Bool
}

// Release hands the buffer back to its pool. Extra calls are ignored.
func (b *Buffer) Release() {
	if b == nil || !b.inUse.CompareAndSwap(true, false) {
		return
	}
	b.PTS = 0
	b.pool.put(b)
}

// Pool is a bounded set of reusable buffers of one size. Buffers are
// allocated lazily up to the limit and never beyond it.
type Pool struct {
	size media.Size
	free chan *Buffer

	mu        sync.Mutex
	allocated int
	limit     int
}

// NewPool creates a pool of at most limit buffers of the given size.
func NewPool(size media.Size, limit int) (*Pool, error) {
	if err := ValidateSize(size); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPoolSize
	}
	return &Pool{
		size:  size,
		free:  make(chan *Buffer, limit),
		limit: limit,
	}, nil
}

// Size returns the dimensions of the pooled buffers.
func (p *Pool) Size() media.Size {
	return p.size
}

// Acquire returns a free buffer without blocking, or ErrPoolExhausted.
func (p *Pool) Acquire() (*Buffer, error) {
	select {
	case b := <-p.free:
		b.inUse.Store(true)
		return b, nil
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated >= p.limit {
		return nil, ErrPoolExhausted
	}
	p.allocated++
	b := &Buffer{
		Image: image.NewYCbCr(p.size.Rect(), image.YCbCrSubsampleRatio420),
		pool:  p,
	}
	b.inUse.Store(true)
	return b, nil
}

// InFlight returns the number of buffers currently handed out.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated - len(p.free)
}

func (p *Pool) put(b *Buffer) {
	// free has room for every allocated buffer, so this never blocks.
	p.free <- b
}
