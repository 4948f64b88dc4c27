package media

import (
	"fmt"
	"image"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies the media stream a frame belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Valid reports whether k names a routable track.
func (k Kind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

// Size is the output frame size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Rect returns the image rectangle anchored at the origin.
func (s Size) Rect() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

// ParseSize parses "WIDTHxHEIGHT".
func ParseSize(v string) (Size, error) {
	var s Size
	if _, err := fmt.Sscanf(v, "%dx%d", &s.Width, &s.Height); err != nil {
		return Size{}, errors.Errorf("invalid size %q, expected WIDTHxHEIGHT", v)
	}
	return s, nil
}

// Frame is one captured unit of raw media.
type Frame struct {
	Kind    Kind
	PTS     time.Duration // Presentation timestamp on the capture clock
	Image   image.Image   // Raw picture, video frames only
	Samples []byte        // Interleaved PCM, audio frames only
}

// VideoFrame builds a video frame.
func VideoFrame(img image.Image, pts time.Duration) Frame {
	return Frame{Kind: KindVideo, PTS: pts, Image: img}
}

// AudioFrame builds an audio frame.
func AudioFrame(samples []byte, pts time.Duration) Frame {
	return Frame{Kind: KindAudio, PTS: pts, Samples: samples}
}
