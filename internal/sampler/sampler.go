// Package sampler pulls frames from a video source and keeps every Nth one.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// SourceError is an open or read failure of a video source
type SourceError struct {
	Op     string // open, read
	Source string
	Cause  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("video source %s %s: %v", e.Source, e.Op, e.Cause)
}

func (e *SourceError) Unwrap() error { return e.Cause }

// Kind is the log tag for this error
func (e *SourceError) Kind() string { return "source" }

// Options configures a sampler
type Options struct {
	Decimation int // keep frame i when i % Decimation == 0
	Metrics    *metrics.Metrics
}

// Sampler yields retained frames from one opened source. It is not safe
// for concurrent use; the sampling chain is its only caller.
type Sampler struct {
	src        Source
	name       string
	decimation uint64
	metrics    *metrics.Metrics

	index uint64 // index of the next frame read from the source
	done  bool
	err   error
}

// Open opens src and returns a sampler positioned at frame 0. An open
// failure is returned as a *SourceError and not retried.
func Open(ctx context.Context, src Source, opts Options) (*Sampler, error) {
	if opts.Decimation < 1 {
		return nil, fmt.Errorf("decimation must be >= 1, got %d", opts.Decimation)
	}
	name := fmt.Sprint(src)
	if err := src.Open(ctx); err != nil {
		return nil, &SourceError{Op: "open", Source: name, Cause: err}
	}
	logger.Info("Sampler", "Source opened", "source", name, "decimation", opts.Decimation)
	return &Sampler{
		src:        src,
		name:       name,
		decimation: uint64(opts.Decimation),
		metrics:    opts.Metrics,
	}, nil
}

// Next returns the next retained frame. It returns false when the source is
// exhausted, a read fails, or ctx is done; Err tells the cases apart.
func (s *Sampler) Next(ctx context.Context) (types.Frame, bool) {
	for !s.done {
		if ctx.Err() != nil {
			s.finish(nil)
			return types.Frame{}, false
		}

		img, err := s.src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Sampler", "Source exhausted", "source", s.name, "frames", s.index)
				s.finish(nil)
			} else if ctx.Err() != nil {
				s.finish(nil)
			} else {
				serr := &SourceError{Op: "read", Source: s.name, Cause: err}
				logger.Err("Sampler", "Frame read failed, ending sequence", serr, "frame", s.index)
				if s.metrics != nil {
					s.metrics.ReadErrors.Add(1)
				}
				s.finish(serr)
			}
			return types.Frame{}, false
		}

		idx := s.index
		s.index++
		if s.metrics != nil {
			s.metrics.FramesRead.Add(1)
		}

		if idx%s.decimation != 0 {
			if s.metrics != nil {
				s.metrics.FramesDiscarded.Add(1)
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.FramesRetained.Add(1)
		}
		return types.Frame{Index: idx, Image: img, CapturedAt: time.Now()}, true
	}
	return types.Frame{}, false
}

func (s *Sampler) finish(err error) {
	s.done = true
	s.err = err
}

// Err returns the read failure that ended the sequence, if any
func (s *Sampler) Err() error {
	return s.err
}

// FramesRead returns the number of frames read from the source so far
func (s *Sampler) FramesRead() uint64 {
	return s.index
}

// Close releases the source
func (s *Sampler) Close() error {
	s.done = true
	return s.src.Close()
}
