package pixelbuf

import (
	"sync"
	"testing"

	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSize(t *testing.T) {
	tests := []struct {
		name string
		size media.Size
		ok   bool
	}{
		{"vga", media.Size{Width: 640, Height: 480}, true},
		{"zero width", media.Size{Width: 0, Height: 480}, false},
		{"negative height", media.Size{Width: 640, Height: -2}, false},
		{"odd width", media.Size{Width: 641, Height: 480}, false},
		{"odd height", media.Size{Width: 640, Height: 481}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSize(tt.size)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrUnsupportedSize), "got %v", err)
		})
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	pool, err := NewPool(media.Size{Width: 16, Height: 8}, 2)
	require.NoError(t, err)

	a, err := pool.Acquire()
	require.NoError(t, err)
	b, err := pool.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, pool.InFlight())
	assert.Equal(t, 16, a.Image.Rect.Dx())
	assert.Equal(t, 8, a.Image.Rect.Dy())

	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted, "pool must not grow past its limit")

	a.Release()
	assert.Equal(t, 1, pool.InFlight())

	c, err := pool.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, c, "released buffers are recycled")
}

func TestPool_DoubleReleaseIgnored(t *testing.T) {
	pool, err := NewPool(media.Size{Width: 4, Height: 4}, 1)
	require.NoError(t, err)

	buf, err := pool.Acquire()
	require.NoError(t, err)
	buf.Release()
	buf.Release()

	_, err = pool.Acquire()
	require.NoError(t, err)
	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_DefaultLimit(t *testing.T) {
	pool, err := NewPool(media.Size{Width: 4, Height: 4}, 0)
	require.NoError(t, err)

	for i := 0; i < DefaultPoolSize; i++ {
		_, err := pool.Acquire()
		require.NoError(t, err)
	}
	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_Concurrent(t *testing.T) {
	pool, err := NewPool(media.Size{Width: 4, Height: 4}, 3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if buf, err := pool.Acquire(); err == nil {
					buf.Release()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, pool.InFlight())
}
