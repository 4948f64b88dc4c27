package muxer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// fileSink wraps the output file. After the first write error every further
// write fails, and Close reports completion through done.
type fileSink struct {
	file   *os.File
	logger *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func createFile(path string, logger *slog.Logger) (*fileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create output file %s", path)
	}
	return &fileSink{
		file:   f,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.err != nil {
		return 0, s.err
	}

	n, err := s.file.Write(p)
	if err != nil {
		s.logger.Warn("Write error detected, marking output as failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"data_size", len(p),
			"bytes_written", n)
		s.err = err
	}
	return n, err
}

// Close syncs and closes the file once.
func (s *fileSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		failed := s.err
		s.mu.Unlock()

		if failed == nil {
			if err := s.file.Sync(); err != nil {
				s.closeErr = errors.Wrap(err, "failed to sync output file")
			}
		}
		if err := s.file.Close(); err != nil && s.closeErr == nil {
			s.closeErr = errors.Wrap(err, "failed to close output file")
		}
		close(s.done)
	})
	return s.closeErr
}

// Done is closed once the file has been closed.
func (s *fileSink) Done() <-chan struct{} {
	return s.done
}

// CloseErr returns the result of Close once Done is closed.
func (s *fileSink) CloseErr() error {
	<-s.done
	return s.closeErr
}
