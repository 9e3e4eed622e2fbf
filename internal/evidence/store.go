package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var tracer = otel.Tracer("github.com/dj-oyu/skyeye-pipeline/internal/evidence")

// StoreError is a failed persistence operation
type StoreError struct {
	Op    string
	Path  string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("evidence %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// Kind is the log tag for this error
func (e *StoreError) Kind() string { return "store" }

// StoreOptions configures a Store
type StoreOptions struct {
	JPEGQuality int
	Metrics     *metrics.Metrics
}

// Store appends detection batches to a run. The sampling chain is its only
// writer; it is safe for concurrent use nonetheless.
type Store struct {
	quality int
	metrics *metrics.Metrics
}

// NewStore creates a store
func NewStore(opts StoreOptions) *Store {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}
	return &Store{quality: opts.JPEGQuality, metrics: opts.Metrics}
}

// ImagePath returns the run-relative path of the annotated image for a frame
func ImagePath(frameIndex uint64) string {
	return filepath.ToSlash(filepath.Join(DetectedDir, fmt.Sprintf("frame_%d.jpg", frameIndex)))
}

// Append persists one frame's detections. The annotated image is written
// first so that every logged record points at an existing file; the records
// then go to the log as JSON lines in a single write. When the log write
// fails the image is removed again. An empty batch is a no-op. The returned
// records carry their image path.
func (s *Store) Append(ctx context.Context, run *Run, detections []types.Detection, annotated image.Image) ([]types.Detection, error) {
	if len(detections) == 0 {
		return nil, nil
	}
	_, span := tracer.Start(ctx, "evidence.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("evidence.run", run.Name()),
		attribute.Int("evidence.records", len(detections)),
	)

	out, err := s.append(run, detections, annotated)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.Add(1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (s *Store) append(run *Run, detections []types.Detection, annotated image.Image) ([]types.Detection, error) {
	if run.isClosed() {
		return nil, &StoreError{Op: "append", Path: run.LogPath(), Cause: ErrRunClosed}
	}

	records := make([]types.Detection, len(detections))
	copy(records, detections)

	var imagePath string
	if annotated != nil {
		rel := ImagePath(records[0].FrameIndex)
		for i := range records {
			records[i].Image = rel
		}
		imagePath = filepath.Join(run.Dir(), filepath.FromSlash(rel))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range records {
		if err := enc.Encode(d); err != nil {
			return nil, &StoreError{Op: "encode record", Path: run.LogPath(), Cause: err}
		}
	}

	if imagePath != "" {
		if err := s.writeJPEG(imagePath, annotated); err != nil {
			return nil, err
		}
	}
	if err := run.appendLog(buf.Bytes(), len(records)); err != nil {
		if imagePath != "" {
			_ = os.Remove(imagePath)
		}
		return nil, &StoreError{Op: "append log", Path: run.LogPath(), Cause: err}
	}

	if imagePath != "" {
		run.countImage(false)
		if s.metrics != nil {
			s.metrics.ImagesWritten.Add(1)
		}
	}
	if s.metrics != nil {
		s.metrics.DetectionsRecorded.Add(uint64(len(records)))
	}
	return records, nil
}

// SaveFrame writes a raw retained frame to frames/frame_<index>.jpg
func (s *Store) SaveFrame(run *Run, frame types.Frame) error {
	if frame.Image == nil {
		return nil
	}
	path := filepath.Join(run.Dir(), FramesDir, fmt.Sprintf("frame_%d.jpg", frame.Index))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StoreError{Op: "create frames dir", Path: filepath.Dir(path), Cause: err}
	}
	if err := s.writeJPEG(path, frame.Image); err != nil {
		return err
	}
	run.countImage(true)
	return nil
}

// writeJPEG encodes img to a temp file and renames it into place
func (s *Store) writeJPEG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.jpg")
	if err != nil {
		return &StoreError{Op: "write image", Path: path, Cause: err}
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StoreError{Op: "write image", Path: path, Cause: cause}
	}

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &StoreError{Op: "write image", Path: path, Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &StoreError{Op: "write image", Path: path, Cause: err}
	}
	return nil
}
