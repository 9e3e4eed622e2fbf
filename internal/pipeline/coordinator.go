// Package pipeline runs a survey: the mission activity and the sampling
// chain side by side, joined at the end of the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/skyeye-pipeline/internal/detect"
	"github.com/dj-oyu/skyeye-pipeline/internal/evidence"
	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/internal/mission"
	"github.com/dj-oyu/skyeye-pipeline/internal/position"
	"github.com/dj-oyu/skyeye-pipeline/internal/sampler"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var tracer = otel.Tracer("github.com/dj-oyu/skyeye-pipeline/internal/pipeline")

// LiveSink receives what the live view shows. Implementations must not block.
type LiveSink interface {
	PublishFrame(index uint64, live image.Image)
	PublishDetections(frameIndex uint64, at time.Time, records []types.Detection)
}

// Publisher forwards persisted records to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, run string, records []types.Detection) error
}

// Options configures one run.
type Options struct {
	Waypoints  []types.Waypoint
	Source     sampler.Source
	Decimation int

	// StopSamplingOnMissionComplete cancels the sampling chain when the
	// mission completes; otherwise sampling runs until the source ends.
	StopSamplingOnMissionComplete bool

	// Preflight runs before both activities; nil skips it.
	Preflight *vehicle.PreflightOptions
	Mission   mission.Options

	// FirstFixTimeout bounds the wait for the first position before frames
	// are processed. 0 waits until the run is cancelled.
	FirstFixTimeout time.Duration

	SaveRawFrames  bool
	RawFrameBuffer int
}

// Deps are the collaborators of a run. Live and Publisher are optional.
type Deps struct {
	Vehicle   vehicle.Vehicle
	Annotator *detect.Annotator
	Store     *evidence.Store
	Metrics   *metrics.Metrics
	Live      LiveSink
	Publisher Publisher
}

// Outcome carries the result of each activity. One failing never stops the other.
type Outcome struct {
	Run         string
	Completed   *mission.Completed
	MissionErr  error
	SamplingErr error

	FramesProcessed uint64
	Records         uint64
	StoreFailures   uint64
	DetectorErrors  uint64
	PublishFailures uint64
}

// Err joins the activity failures; nil when both succeeded.
func (o Outcome) Err() error {
	var errs []error
	if o.MissionErr != nil {
		errs = append(errs, fmt.Errorf("mission: %w", o.MissionErr))
	}
	if o.SamplingErr != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", o.SamplingErr))
	}
	return errors.Join(errs...)
}

// Coordinator wires the mission runner, the position feed and the sampling chain.
type Coordinator struct {
	opts Options
	deps Deps
	feed *position.Feed
}

// New creates a coordinator.
func New(opts Options, deps Deps) *Coordinator {
	if opts.Decimation < 1 {
		opts.Decimation = 1
	}
	return &Coordinator{opts: opts, deps: deps, feed: position.NewFeed()}
}

// Feed exposes the position feed shared by both activities.
func (c *Coordinator) Feed() *position.Feed {
	return c.feed
}

// Run executes preflight, then the mission and the sampling chain
// concurrently, and returns when both have finished. The returned error is
// set only when the run could not start; activity failures are in Outcome.
func (c *Coordinator) Run(ctx context.Context, run *evidence.Run) (Outcome, error) {
	out := Outcome{Run: run.Name()}
	v := c.deps.Vehicle

	if c.opts.Preflight != nil {
		if err := vehicle.Preflight(ctx, v, *c.opts.Preflight); err != nil {
			out.MissionErr = err
			return out, fmt.Errorf("preflight: %w", err)
		}
	}

	posCtx, stopPositions := context.WithCancel(ctx)
	defer stopPositions()
	stream, err := v.Position(posCtx)
	if err != nil {
		out.MissionErr = err
		return out, fmt.Errorf("subscribe position: %w", err)
	}
	go c.feed.Run(posCtx, stream)

	samplingCtx, cancelSampling := context.WithCancel(ctx)
	defer cancelSampling()

	runner := mission.NewRunner(c.opts.Mission, c.deps.Metrics)
	runner.OnComplete(func(done mission.Completed) {
		if c.opts.StopSamplingOnMissionComplete {
			logger.Info("Pipeline", "Mission complete, stopping sampling", "run", run.Name(), "elapsed", done.Elapsed)
			cancelSampling()
			return
		}
		logger.Info("Pipeline", "Mission complete, sampling continues until the source ends", "run", run.Name())
	})

	var g errgroup.Group
	g.Go(func() error {
		done, err := runner.Execute(ctx, v, c.opts.Waypoints)
		if err != nil {
			out.MissionErr = err
			logger.Err("Pipeline", "Mission failed", err, "run", run.Name())
			return err
		}
		out.Completed = &done
		return nil
	})
	g.Go(func() error {
		err := c.sample(samplingCtx, ctx, run, &out)
		if err != nil {
			out.SamplingErr = err
			logger.Err("Pipeline", "Sampling failed", err, "run", run.Name())
		}
		return err
	})
	_ = g.Wait()

	logger.Info("Pipeline", "Run finished",
		"run", run.Name(),
		"frames", out.FramesProcessed,
		"records", out.Records,
		"store_failures", out.StoreFailures,
		"mission_ok", out.MissionErr == nil,
		"sampling_ok", out.SamplingErr == nil)
	return out, nil
}

// sample drives the chain. Iteration stops when loopCtx is done; the frame
// in flight finishes under workCtx.
func (c *Coordinator) sample(loopCtx, workCtx context.Context, run *evidence.Run, out *Outcome) error {
	s, err := sampler.Open(loopCtx, c.opts.Source, sampler.Options{
		Decimation: c.opts.Decimation,
		Metrics:    c.deps.Metrics,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	var frames *evidence.FrameWriter
	if c.opts.SaveRawFrames {
		frames = evidence.NewFrameWriter(c.deps.Store, run, c.opts.RawFrameBuffer)
		frames.Start()
		defer frames.Close()
	}

	if err := c.waitFirstFix(loopCtx); err != nil {
		if loopCtx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		frame, ok := s.Next(loopCtx)
		if !ok {
			break
		}
		if frames != nil {
			frames.Send(frame)
		}
		if err := c.process(workCtx, run, frame, out); err != nil {
			return err
		}
	}
	return s.Err()
}

func (c *Coordinator) waitFirstFix(ctx context.Context) error {
	if c.opts.FirstFixTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FirstFixTimeout)
		defer cancel()
	}
	pos, err := c.feed.WaitFirst(ctx)
	if err != nil {
		return fmt.Errorf("no position fix within %s: %w", c.opts.FirstFixTimeout, err)
	}
	logger.Info("Pipeline", "First position fix", "lat", pos.Latitude, "lon", pos.Longitude)
	return nil
}

// process runs one retained frame through annotate, persist and publish.
// Only a detector that can no longer serve frames ends the chain; every
// other failure is counted and the chain moves on.
func (c *Coordinator) process(ctx context.Context, run *evidence.Run, frame types.Frame, out *Outcome) error {
	ctx, span := tracer.Start(ctx, "pipeline.frame")
	defer span.End()
	span.SetAttributes(attribute.Int64("frame.index", int64(frame.Index)))
	out.FramesProcessed++

	pos, _ := c.feed.Latest()
	ann, err := c.deps.Annotator.Annotate(ctx, frame, pos)
	if err != nil {
		out.DetectorErrors++
		if errors.Is(err, detect.ErrWorkerGone) {
			return fmt.Errorf("frame %d: %w", frame.Index, err)
		}
		logger.Err("Pipeline", "Detector failed, frame yields no detections", err, "frame", frame.Index)
	}
	if c.deps.Live != nil {
		c.deps.Live.PublishFrame(frame.Index, ann.Live)
	}
	if len(ann.Detections) == 0 {
		c.observeLatency(frame)
		return nil
	}

	records, err := c.deps.Store.Append(ctx, run, ann.Detections, ann.Image)
	if err != nil {
		out.StoreFailures++
		logger.Err("Pipeline", "Evidence append failed, continuing", err, "frame", frame.Index, "run", run.Name())
		c.observeLatency(frame)
		return nil
	}
	out.Records += uint64(len(records))
	span.SetAttributes(attribute.Int("pipeline.records", len(records)))
	c.observeLatency(frame)

	if c.deps.Live != nil {
		c.deps.Live.PublishDetections(frame.Index, frame.CapturedAt, records)
	}
	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.Publish(ctx, run.Name(), records); err != nil {
			out.PublishFailures++
			logger.Err("Pipeline", "Detection publish failed", err, "frame", frame.Index, "run", run.Name())
		}
	}
	return nil
}

func (c *Coordinator) observeLatency(frame types.Frame) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.UpdateFrameLatency(frame.CapturedAt)
	}
}
