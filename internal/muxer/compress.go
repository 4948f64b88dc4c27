package muxer

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// DefaultJPEGQuality is used when no quality is configured.
const DefaultJPEGQuality = 85

// compressJPEG encodes one picture as a baseline JPEG, the payload of an
// MJPEG track. The returned slice is owned by the caller.
func compressJPEG(img *image.YCbCr, quality int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(img.Y) / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode JPEG")
	}
	return buf.Bytes(), nil
}
