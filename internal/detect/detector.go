// Package detect runs object detection on sampled frames and turns the
// model's candidates into geotagged detection records and annotated images.
package detect

import (
	"context"
	"fmt"
	"image"

	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// Candidate is one raw box reported by a detector
type Candidate struct {
	Label      string
	Confidence float64
	BBox       types.BBox
}

// Detector runs a detection model on an image. Implementations may be
// called from one goroutine at a time only unless documented otherwise.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Candidate, error)
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(ctx context.Context, img image.Image) ([]Candidate, error)

func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Candidate, error) {
	return f(ctx, img)
}

// DetectorError is a failed detector invocation for one frame
type DetectorError struct {
	FrameIndex uint64
	Cause      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector failed on frame %d: %v", e.FrameIndex, e.Cause)
}

func (e *DetectorError) Unwrap() error { return e.Cause }

// Kind is the log tag for this error
func (e *DetectorError) Kind() string { return "detector" }
