package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dj-oyu/skyeye-pipeline/internal/config"
	"github.com/dj-oyu/skyeye-pipeline/internal/detect"
	"github.com/dj-oyu/skyeye-pipeline/internal/evidence"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/internal/mission"
	"github.com/dj-oyu/skyeye-pipeline/internal/sampler"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle/sim"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var spans = tracetest.NewSpanRecorder()

func TestMain(m *testing.M) {
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	os.Exit(m.Run())
}

var (
	home   = types.Position{Latitude: 47.3977, Longitude: 8.5456}
	survey = []types.Waypoint{
		types.TakeoffAt(47.3977, 8.5456, 10),
		types.NavigateTo(47.3980, 8.5460, 15),
		types.LandAt(47.3977, 8.5456, 0),
	}
)

// markedFrames returns n gray frames whose first pixel holds the frame index.
func markedFrames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		img := image.NewGray(image.Rect(0, 0, 64, 48))
		img.Pix[0] = uint8(i)
		out[i] = img
	}
	return out
}

// potholeOn reports one pothole at 0.9 on the listed frames.
func potholeOn(frames ...uint8) detect.Detector {
	return detect.DetectorFunc(func(_ context.Context, img image.Image) ([]detect.Candidate, error) {
		idx := img.(*image.Gray).Pix[0]
		for _, f := range frames {
			if f == idx {
				return []detect.Candidate{{
					Label:      "pothole",
					Confidence: 0.9,
					BBox:       types.BBox{X1: 10, Y1: 10, X2: 30, Y2: 30},
				}}, nil
			}
		}
		return nil, nil
	})
}

type rig struct {
	metrics *metrics.Metrics
	vehicle *sim.Vehicle
	run     *evidence.Run
	deps    Deps
}

func newRig(t *testing.T, d detect.Detector, simOpts sim.Options) *rig {
	t.Helper()
	m := metrics.New()
	if simOpts.Home == (types.Position{}) {
		simOpts.Home = home
	}
	simOpts.PositionInterval = 5 * time.Millisecond
	v := sim.New(simOpts)

	run, err := evidence.OpenRun(t.TempDir(), time.Now())
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Close() })

	return &rig{
		metrics: m,
		vehicle: v,
		run:     run,
		deps: Deps{
			Vehicle: v,
			Annotator: detect.NewAnnotator(d, detect.Options{
				ArchivalThreshold: config.DefaultArchivalThreshold,
				LiveThreshold:     config.DefaultLiveThreshold,
				Metrics:           m,
			}),
			Store:   evidence.NewStore(evidence.StoreOptions{JPEGQuality: 90, Metrics: m}),
			Metrics: m,
		},
	}
}

func baseOptions(src sampler.Source) Options {
	return Options{
		Waypoints:       survey,
		Source:          src,
		Decimation:      5,
		Mission:         mission.Options{StallTimeout: 2 * time.Second},
		FirstFixTimeout: 2 * time.Second,
	}
}

func runPipeline(t *testing.T, r *rig, opts Options) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := New(opts, r.deps).Run(ctx, r.run)
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "run must finish on its own")
	return out
}

func TestRunEndToEnd(t *testing.T) {
	r := newRig(t, potholeOn(0), sim.Options{})
	out := runPipeline(t, r, baseOptions(sampler.NewSliceSource(markedFrames(10)...)))

	require.NoError(t, out.Err())
	require.NotNil(t, out.Completed)
	assert.Equal(t, 3, out.Completed.Items)
	assert.False(t, out.Completed.AutoReturn)
	assert.Equal(t, types.MissionProgress{Current: 3, Total: 3}, out.Completed.Progress)
	assert.NotContains(t, r.vehicle.Calls(), sim.CallAutoReturn)

	assert.Equal(t, uint64(2), out.FramesProcessed)
	assert.Equal(t, uint64(1), out.Records)
	assert.Equal(t, uint64(10), r.metrics.FramesRead.Load())

	records, err := evidence.ReadLog(r.run.LogPath())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "pothole", records[0].Label)
	assert.Equal(t, uint64(0), records[0].FrameIndex)
	assert.Equal(t, "detected/frame_0.jpg", records[0].Image)
	assert.InDelta(t, home.Latitude, records[0].Position.Latitude, 1e-9)

	images, err := os.ReadDir(filepath.Join(r.run.Dir(), evidence.DetectedDir))
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "frame_0.jpg", images[0].Name())

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Subset(t, names, []string{"mission.execute", "pipeline.frame", "detect.annotate", "evidence.append"})
}

func TestRunStoreErrorDoesNotStopChain(t *testing.T) {
	r := newRig(t, potholeOn(0, 5), sim.Options{})
	// A directory in the image's place makes the first append fail.
	require.NoError(t, os.Mkdir(filepath.Join(r.run.Dir(), evidence.DetectedDir, "frame_0.jpg"), 0o755))

	out := runPipeline(t, r, baseOptions(sampler.NewSliceSource(markedFrames(10)...)))

	require.NoError(t, out.Err())
	assert.Equal(t, uint64(1), out.StoreFailures)
	assert.Equal(t, uint64(1), out.Records)
	assert.Equal(t, uint64(1), r.metrics.StoreErrors.Load())

	records, err := evidence.ReadLog(r.run.LogPath())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(5), records[0].FrameIndex)
}

// endlessSource yields frames until its context is cancelled.
type endlessSource struct{ reads int }

func (s *endlessSource) Open(context.Context) error { return nil }
func (s *endlessSource) Close() error               { return nil }

func (s *endlessSource) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	s.reads++
	return image.NewGray(image.Rect(0, 0, 64, 48)), nil
}

func TestRunStopsSamplingOnMissionComplete(t *testing.T) {
	r := newRig(t, potholeOn(), sim.Options{StepInterval: 20 * time.Millisecond})
	opts := baseOptions(&endlessSource{})
	opts.StopSamplingOnMissionComplete = true

	out := runPipeline(t, r, opts)

	require.NoError(t, out.Err())
	require.NotNil(t, out.Completed)
	assert.Greater(t, out.FramesProcessed, uint64(0))
}

func TestRunMissionFailureDoesNotStopSampling(t *testing.T) {
	r := newRig(t, potholeOn(0), sim.Options{UploadErr: errors.New("vehicle busy")})
	out := runPipeline(t, r, baseOptions(sampler.NewSliceSource(markedFrames(10)...)))

	var merr *mission.Error
	require.ErrorAs(t, out.MissionErr, &merr)
	assert.Equal(t, mission.ErrUploadRejected, merr.Code)
	assert.Nil(t, out.Completed)
	assert.NoError(t, out.SamplingErr)
	assert.Equal(t, uint64(2), out.FramesProcessed)
	assert.Equal(t, uint64(1), out.Records)
	assert.ErrorContains(t, out.Err(), "mission:")
}

func TestRunSourceFailureDoesNotStopMission(t *testing.T) {
	r := newRig(t, potholeOn(), sim.Options{})
	src := sampler.NewSliceSource()
	src.OpenErr = errors.New("no such device")

	out := runPipeline(t, r, baseOptions(src))

	var serr *sampler.SourceError
	require.ErrorAs(t, out.SamplingErr, &serr)
	assert.Equal(t, "open", serr.Op)
	require.NotNil(t, out.Completed)
	assert.NoError(t, out.MissionErr)
}

func TestRunDeadDetectorEndsSampling(t *testing.T) {
	dead := detect.DetectorFunc(func(context.Context, image.Image) ([]detect.Candidate, error) {
		return nil, detect.ErrWorkerGone
	})
	r := newRig(t, dead, sim.Options{})

	out := runPipeline(t, r, baseOptions(sampler.NewSliceSource(markedFrames(10)...)))

	require.ErrorIs(t, out.SamplingErr, detect.ErrWorkerGone)
	assert.Equal(t, uint64(1), out.FramesProcessed)
	assert.Equal(t, uint64(1), out.DetectorErrors)
	require.NotNil(t, out.Completed)
	assert.NoError(t, out.MissionErr)
	assert.ErrorContains(t, out.Err(), "sampling:")
}

func TestRunFrameDetectorErrorContinues(t *testing.T) {
	flaky := detect.DetectorFunc(func(_ context.Context, img image.Image) ([]detect.Candidate, error) {
		if img.(*image.Gray).Pix[0] == 0 {
			return nil, errors.New("worker: model not loaded")
		}
		return nil, nil
	})
	r := newRig(t, flaky, sim.Options{})

	out := runPipeline(t, r, baseOptions(sampler.NewSliceSource(markedFrames(10)...)))

	assert.NoError(t, out.SamplingErr)
	assert.Equal(t, uint64(2), out.FramesProcessed)
	assert.Equal(t, uint64(1), out.DetectorErrors)
}

func TestRunPreflightFailureStartsNothing(t *testing.T) {
	armErr := errors.New("arming denied")
	r := newRig(t, potholeOn(0), sim.Options{ArmErr: armErr})
	opts := baseOptions(sampler.NewSliceSource(markedFrames(10)...))
	opts.Preflight = &vehicle.PreflightOptions{Address: "udp://:14540", ConnectTimeout: time.Second, ReadinessTimeout: time.Second}

	out, err := New(opts, r.deps).Run(context.Background(), r.run)

	require.ErrorIs(t, err, armErr)
	assert.ErrorIs(t, out.MissionErr, armErr)
	assert.Zero(t, out.FramesProcessed)
	assert.NotContains(t, r.vehicle.Calls(), sim.CallUpload)
}

func TestRunPreflightThenMission(t *testing.T) {
	r := newRig(t, potholeOn(), sim.Options{})
	opts := baseOptions(sampler.NewSliceSource(markedFrames(3)...))
	opts.Preflight = &vehicle.PreflightOptions{Address: "udp://:14540", ConnectTimeout: time.Second, ReadinessTimeout: time.Second}

	out := runPipeline(t, r, opts)

	require.NoError(t, out.Err())
	assert.Equal(t, []string{sim.CallConnect, sim.CallArm, sim.CallTakeoff, sim.CallUpload, sim.CallStart}, r.vehicle.Calls())
}

type recordingSink struct {
	mu         sync.Mutex
	frames     []uint64
	detections [][]types.Detection
}

func (s *recordingSink) PublishFrame(index uint64, live image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, index)
}

func (s *recordingSink) PublishDetections(_ uint64, _ time.Time, records []types.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, records)
}

type recordingPublisher struct {
	runs []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, run string, _ []types.Detection) error {
	p.runs = append(p.runs, run)
	return p.err
}

func TestRunFeedsLiveViewAndPublisher(t *testing.T) {
	r := newRig(t, potholeOn(0), sim.Options{})
	sink := &recordingSink{}
	pub := &recordingPublisher{err: errors.New("broker down")}
	r.deps.Live = sink
	r.deps.Publisher = pub

	out := runPipeline(t, r, baseOptions(sampler.NewSliceSource(markedFrames(10)...)))

	require.NoError(t, out.Err(), "publish failures are not fatal")
	assert.Equal(t, []uint64{0, 5}, sink.frames)
	require.Len(t, sink.detections, 1)
	assert.Equal(t, "detected/frame_0.jpg", sink.detections[0][0].Image)
	assert.Equal(t, []string{r.run.Name()}, pub.runs)
	assert.Equal(t, uint64(1), out.PublishFailures)
}

func TestRunSavesRawFrames(t *testing.T) {
	r := newRig(t, potholeOn(), sim.Options{})
	opts := baseOptions(sampler.NewSliceSource(markedFrames(10)...))
	opts.SaveRawFrames = true
	opts.RawFrameBuffer = 4

	out := runPipeline(t, r, opts)
	require.NoError(t, out.Err())

	for _, name := range []string{"frame_0.jpg", "frame_5.jpg"} {
		assert.FileExists(t, filepath.Join(r.run.Dir(), evidence.FramesDir, name))
	}
}
