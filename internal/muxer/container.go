package muxer

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Container names an output file format.
type Container string

const (
	ContainerMatroska Container = "mkv"
	ContainerFMP4     Container = "mp4"
)

// ErrUnknownContainer is returned when no container matches a path or name.
var ErrUnknownContainer = errors.New("unknown container")

// ParseContainer accepts a container name or a file extension.
func ParseContainer(name string) (Container, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "mkv", "matroska":
		return ContainerMatroska, nil
	case "mp4", "fmp4", "mov", "m4v":
		return ContainerFMP4, nil
	}
	return "", errors.Wrapf(ErrUnknownContainer, "%q", name)
}

// ContainerForPath derives the container from the file extension.
func ContainerForPath(path string) (Container, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", errors.Wrapf(ErrUnknownContainer, "path %s has no extension", path)
	}
	return ParseContainer(ext)
}

// Extension returns the preferred file extension including the dot.
func (c Container) Extension() string {
	if c == ContainerFMP4 {
		return ".mp4"
	}
	return ".mkv"
}

// containerWriter lays compressed units out in a file format. Calls are made
// from the writer goroutine only.
type containerWriter interface {
	WriteHeader() error
	WriteVideo(frame []byte, pts time.Duration) error
	WriteAudio(samples []byte, pts time.Duration) error
	// Close flushes everything and closes the underlying sink.
	Close() error
}

// trackLayout is what a container needs to describe its tracks.
type trackLayout struct {
	width         int
	height        int
	frameRate     int
	audio         bool
	sampleRate    int
	channels      int
	bitsPerSample int
}

func (l trackLayout) audioBytesPerFrame() int {
	return l.channels * l.bitsPerSample / 8
}
