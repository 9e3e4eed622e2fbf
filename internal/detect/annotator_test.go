package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var (
	testPos = types.Position{Latitude: 47.397742, Longitude: 8.545594}
	testNow = time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
)

func grayFrame(index uint64) types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 200, 150))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 80, G: 80, B: 80, A: 255}), image.Point{}, draw.Src)
	return types.Frame{Index: index, Image: img, CapturedAt: testNow}
}

func fixedDetector(cands ...Candidate) Detector {
	return DetectorFunc(func(context.Context, image.Image) ([]Candidate, error) {
		return cands, nil
	})
}

func box(x1, y1, x2, y2 int) types.BBox {
	return types.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func newTestAnnotator(d Detector, m *metrics.Metrics) *Annotator {
	return NewAnnotator(d, Options{
		ArchivalThreshold: 0.25,
		LiveThreshold:     0.50,
		Metrics:           m,
		Now:               func() time.Time { return testNow },
	})
}

func TestAnnotateDualThresholds(t *testing.T) {
	m := metrics.New()
	a := newTestAnnotator(fixedDetector(
		Candidate{Label: "pothole", Confidence: 0.9, BBox: box(40, 40, 100, 90)},
		Candidate{Label: "crack", Confidence: 0.4, BBox: box(120, 20, 180, 60)},
		Candidate{Label: "pothole", Confidence: 0.25, BBox: box(10, 10, 20, 20)},
		Candidate{Label: "pothole", Confidence: 0.1, BBox: box(10, 10, 20, 20)},
	), m)

	frame := grayFrame(5)
	out, err := a.Annotate(context.Background(), frame, testPos)
	require.NoError(t, err)

	require.Len(t, out.Detections, 2)
	assert.Equal(t, "pothole", out.Detections[0].Label)
	assert.Equal(t, "crack", out.Detections[1].Label)
	for _, d := range out.Detections {
		assert.Greater(t, d.Confidence, 0.25)
		assert.NotEmpty(t, d.ID)
		assert.Equal(t, uint64(5), d.FrameIndex)
		assert.Equal(t, testPos, d.Position)
		assert.Equal(t, testNow, d.Timestamp)
		assert.Empty(t, d.Image)
	}
	assert.NotEqual(t, out.Detections[0].ID, out.Detections[1].ID)

	require.NotNil(t, out.Image)
	require.NotNil(t, out.Live)
	assert.NotSame(t, frame.Image, out.Live)

	// the 0.4 box is archived but not drawn live
	assert.Equal(t, boxColor, out.Image.At(121, 40))
	assert.NotEqual(t, boxColor, out.Live.At(121, 40))
	assert.Equal(t, boxColor, out.Live.At(41, 65))

	assert.Equal(t, uint64(1), m.FramesAnnotated.Load())
}

func TestAnnotateNoSurvivors(t *testing.T) {
	a := newTestAnnotator(fixedDetector(
		Candidate{Label: "pothole", Confidence: 0.2, BBox: box(40, 40, 100, 90)},
	), nil)

	frame := grayFrame(0)
	out, err := a.Annotate(context.Background(), frame, testPos)
	require.NoError(t, err)

	assert.Empty(t, out.Detections)
	assert.Nil(t, out.Image)
	assert.Same(t, frame.Image, out.Live)
}

func TestAnnotateRejectsMalformed(t *testing.T) {
	m := metrics.New()
	a := newTestAnnotator(fixedDetector(
		Candidate{Label: "inverted", Confidence: 0.9, BBox: box(100, 40, 40, 90)},
		Candidate{Label: "outside", Confidence: 0.9, BBox: box(300, 300, 400, 400)},
		Candidate{Label: "overconfident", Confidence: 1.5, BBox: box(40, 40, 100, 90)},
		Candidate{Label: "clipped", Confidence: 0.9, BBox: box(150, 100, 260, 200)},
	), m)

	out, err := a.Annotate(context.Background(), grayFrame(0), testPos)
	require.NoError(t, err)

	require.Len(t, out.Detections, 1)
	assert.Equal(t, "clipped", out.Detections[0].Label)
	assert.Equal(t, box(150, 100, 200, 150), out.Detections[0].BBox)
	assert.Equal(t, uint64(3), m.CandidatesRejected.Load())
}

func TestAnnotateDetectorFailure(t *testing.T) {
	m := metrics.New()
	boom := errors.New("model crashed")
	a := newTestAnnotator(DetectorFunc(func(context.Context, image.Image) ([]Candidate, error) {
		return nil, boom
	}), m)

	frame := grayFrame(10)
	out, err := a.Annotate(context.Background(), frame, testPos)

	var derr *DetectorError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(10), derr.FrameIndex)
	assert.Empty(t, out.Detections)
	assert.Nil(t, out.Image)
	assert.Equal(t, uint64(1), m.DetectorErrors.Load())
}

func TestAnnotateDoesNotMutateFrame(t *testing.T) {
	a := newTestAnnotator(fixedDetector(
		Candidate{Label: "pothole", Confidence: 0.9, BBox: box(40, 40, 100, 90)},
	), nil)

	frame := grayFrame(0)
	before := append([]uint8(nil), frame.Image.(*image.RGBA).Pix...)

	_, err := a.Annotate(context.Background(), frame, testPos)
	require.NoError(t, err)
	assert.Equal(t, before, frame.Image.(*image.RGBA).Pix)
}

func TestDetectorCalledOncePerFrame(t *testing.T) {
	calls := 0
	a := newTestAnnotator(DetectorFunc(func(context.Context, image.Image) ([]Candidate, error) {
		calls++
		return []Candidate{{Label: "pothole", Confidence: 0.9, BBox: box(40, 40, 100, 90)}}, nil
	}), nil)

	_, err := a.Annotate(context.Background(), grayFrame(0), testPos)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
