package detect

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var tracer = otel.Tracer("github.com/dj-oyu/skyeye-pipeline/internal/detect")

// Options configures an Annotator
type Options struct {
	// ArchivalThreshold selects records and the persisted image
	ArchivalThreshold float64
	// LiveThreshold selects the boxes drawn on the live view
	LiveThreshold float64
	Metrics       *metrics.Metrics
	// Now stamps detections; defaults to time.Now
	Now func() time.Time
}

// Annotation is the result of annotating one frame.
type Annotation struct {
	// Detections above the archival threshold, in detector order
	Detections []types.Detection
	// Image is the annotated copy to persist; nil when Detections is empty
	Image image.Image
	// Live is the frame with live-threshold boxes; the unmodified frame when none pass
	Live image.Image
}

// Annotator applies the confidence policy to detector output
type Annotator struct {
	detector Detector
	opts     Options
}

// NewAnnotator creates an annotator around d
func NewAnnotator(d Detector, opts Options) *Annotator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Annotator{detector: d, opts: opts}
}

// Annotate runs the detector once on the frame and builds records geotagged
// with pos. A detector failure returns a *DetectorError and no records.
func (a *Annotator) Annotate(ctx context.Context, frame types.Frame, pos types.Position) (Annotation, error) {
	ctx, span := tracer.Start(ctx, "detect.annotate")
	defer span.End()
	span.SetAttributes(attribute.Int64("frame.index", int64(frame.Index)))

	start := time.Now()
	candidates, err := a.detector.Detect(ctx, frame.Image)
	if a.opts.Metrics != nil {
		a.opts.Metrics.UpdateInferenceLatency(time.Since(start))
		a.opts.Metrics.FramesAnnotated.Add(1)
	}
	if err != nil {
		if a.opts.Metrics != nil {
			a.opts.Metrics.DetectorErrors.Add(1)
		}
		derr := &DetectorError{FrameIndex: frame.Index, Cause: err}
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Error())
		return Annotation{Live: frame.Image}, derr
	}

	bounds := frame.Bounds()
	now := a.opts.Now()

	var archival, live []Candidate
	for _, c := range candidates {
		cleaned, ok := a.sanitize(c, bounds, frame.Index)
		if !ok {
			continue
		}
		if cleaned.Confidence > a.opts.ArchivalThreshold {
			archival = append(archival, cleaned)
		}
		if cleaned.Confidence > a.opts.LiveThreshold {
			live = append(live, cleaned)
		}
	}

	out := Annotation{Live: frame.Image}
	if len(live) > 0 {
		out.Live = render(frame.Image, overlay{boxes: live, position: pos, at: now, confidence: -1})
	}

	if len(archival) == 0 {
		span.SetAttributes(attribute.Int("detect.records", 0))
		return out, nil
	}

	out.Detections = make([]types.Detection, 0, len(archival))
	for _, c := range archival {
		out.Detections = append(out.Detections, types.Detection{
			ID:         uuid.NewString(),
			FrameIndex: frame.Index,
			BBox:       c.BBox,
			Confidence: c.Confidence,
			Label:      c.Label,
			Position:   pos,
			Timestamp:  now,
		})
	}
	out.Image = render(frame.Image, overlay{
		boxes:      archival,
		position:   pos,
		at:         now,
		confidence: archival[len(archival)-1].Confidence,
	})

	span.SetAttributes(attribute.Int("detect.records", len(out.Detections)))
	logger.Debug("Detector", "Frame annotated", "frame", frame.Index, "candidates", len(candidates), "records", len(out.Detections), "live", len(live))
	return out, nil
}

// sanitize clamps the box to the frame and rejects malformed candidates
func (a *Annotator) sanitize(c Candidate, bounds image.Rectangle, frame uint64) (Candidate, bool) {
	reject := func(reason string) (Candidate, bool) {
		logger.Warn("Detector", "Rejecting candidate", "frame", frame, "reason", reason,
			"label", c.Label, "confidence", c.Confidence, "bbox", c.BBox.String())
		if a.opts.Metrics != nil {
			a.opts.Metrics.CandidatesRejected.Add(1)
		}
		return Candidate{}, false
	}

	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return reject("confidence out of range")
	}
	if !c.BBox.Valid() {
		return reject("inverted box")
	}
	clamped := c.BBox.Clamp(bounds)
	if !clamped.Valid() {
		return reject("box outside frame")
	}
	c.BBox = clamped
	return c, true
}
