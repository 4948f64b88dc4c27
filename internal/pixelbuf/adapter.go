package pixelbuf

import (
	"image"
	"image/color"
	"time"

	"github.com/bamiaux/rez"
	"github.com/pkg/errors"
)

// Adapter turns captured pictures into pooled buffers sized for the video
// track. It keeps per-source scratch space and must not be used from more
// than one goroutine at a time.
type Adapter struct {
	pool    *Pool
	filter  rez.Filter
	scratch *image.YCbCr
}

// NewAdapter binds an adapter to pool.
func NewAdapter(pool *Pool) *Adapter {
	return &Adapter{
		pool:   pool,
		filter: rez.NewBilinearFilter(),
	}
}

// Adapt acquires a buffer, converts img into it and stamps it with pts.
// It returns ErrPoolExhausted when no buffer is free.
func (a *Adapter) Adapt(img image.Image, pts time.Duration) (*Buffer, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	buf, err := a.pool.Acquire()
	if err != nil {
		return nil, err
	}
	if err := a.Convert(img, buf.Image); err != nil {
		buf.Release()
		return nil, err
	}
	buf.PTS = pts
	return buf, nil
}

// Convert writes img into dst, scaling when the sizes differ.
func (a *Adapter) Convert(img image.Image, dst *image.YCbCr) error {
	srcSize := img.Bounds().Size()
	if srcSize == dst.Rect.Size() {
		switch src := img.(type) {
		case *image.YCbCr:
			if src.SubsampleRatio == image.YCbCrSubsampleRatio420 {
				copyYCbCr(dst, src)
				return nil
			}
		case *image.RGBA:
			rgbaToYCbCr(dst, src)
			return nil
		}
		anyToYCbCr(dst, img)
		return nil
	}
	if srcSize.X < 2 || srcSize.Y < 2 {
		return errors.Errorf("cannot scale %v to %v", srcSize, dst.Rect.Size())
	}

	src, ok := img.(*image.YCbCr)
	if !ok || src.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		src = a.scratchFor(srcSize)
		if rgba, isRGBA := img.(*image.RGBA); isRGBA {
			rgbaToYCbCr(src, rgba)
		} else {
			anyToYCbCr(src, img)
		}
	}
	if err := rez.Convert(dst, src, a.filter); err != nil {
		return errors.Wrapf(err, "failed to scale %v to %v", srcSize, dst.Rect.Size())
	}
	return nil
}

func (a *Adapter) scratchFor(size image.Point) *image.YCbCr {
	if a.scratch == nil || a.scratch.Rect.Size() != size {
		a.scratch = image.NewYCbCr(image.Rectangle{Max: size}, image.YCbCrSubsampleRatio420)
	}
	return a.scratch
}

// copyYCbCr copies a 4:2:0 picture of the same size as dst.
func copyYCbCr(dst, src *image.YCbCr) {
	r := src.Rect
	w, h := r.Dx(), r.Dy()
	for y := 0; y < h; y++ {
		si := src.YOffset(r.Min.X, r.Min.Y+y)
		di := y * dst.YStride
		copy(dst.Y[di:di+w], src.Y[si:si+w])
	}
	cw, ch := (w+1)/2, (h+1)/2
	for y := 0; y < ch; y++ {
		si := src.COffset(r.Min.X, r.Min.Y+2*y)
		di := y * dst.CStride
		copy(dst.Cb[di:di+cw], src.Cb[si:si+cw])
		copy(dst.Cr[di:di+cw], src.Cr[si:si+cw])
	}
}

// rgbaToYCbCr converts src into dst, sampling chroma from the top-left
// pixel of every 2x2 block.
func rgbaToYCbCr(dst *image.YCbCr, src *image.RGBA) {
	r := src.Rect
	w, h := r.Dx(), r.Dy()
	for y := 0; y < h; y++ {
		row := src.Pix[src.PixOffset(r.Min.X, r.Min.Y+y):]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			yy, cb, cr := color.RGBToYCbCr(p[0], p[1], p[2])
			dst.Y[y*dst.YStride+x] = yy
			if x%2 == 0 && y%2 == 0 {
				ci := (y/2)*dst.CStride + x/2
				dst.Cb[ci] = cb
				dst.Cr[ci] = cr
			}
		}
	}
}

func anyToYCbCr(dst *image.YCbCr, src image.Image) {
	r := src.Bounds()
	w, h := r.Dx(), r.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.YCbCrModel.Convert(src.At(r.Min.X+x, r.Min.Y+y)).(color.YCbCr)
			dst.Y[y*dst.YStride+x] = c.Y
			if x%2 == 0 && y%2 == 0 {
				ci := (y/2)*dst.CStride + x/2
				dst.Cb[ci] = c.Cb
				dst.Cr[ci] = c.Cr
			}
		}
	}
}
