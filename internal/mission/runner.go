// Package mission uploads a flight plan to the vehicle, starts it and
// follows its progress until the vehicle reports the last item reached.
package mission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var tracer = otel.Tracer("github.com/dj-oyu/skyeye-pipeline/internal/mission")

// Options holds the runner timings
type Options struct {
	UploadSettleDelay time.Duration // wait between upload and start
	PollInterval      time.Duration // minimum spacing of consumed progress updates
	StallTimeout      time.Duration // 0 disables
}

// Completed describes a finished mission
type Completed struct {
	Progress   types.MissionProgress
	Items      int
	AutoReturn bool
	Elapsed    time.Duration
}

// Runner executes one mission at a time against a vehicle. It may be reused
// for later missions; completion is signalled once per Execute.
type Runner struct {
	opts    Options
	metrics *metrics.Metrics

	mu         sync.Mutex
	onComplete func(Completed)
	fired      bool
}

// NewRunner creates a runner. m may be nil.
func NewRunner(opts Options, m *metrics.Metrics) *Runner {
	return &Runner{opts: opts, metrics: m}
}

// OnComplete registers fn to be called once each time a mission completes.
// fn runs on the runner's goroutine and must not block.
func (r *Runner) OnComplete(fn func(Completed)) {
	r.mu.Lock()
	r.onComplete = fn
	r.mu.Unlock()
}

func (r *Runner) fireComplete(c Completed) {
	r.mu.Lock()
	fn := r.onComplete
	already := r.fired
	r.fired = true
	r.mu.Unlock()

	if fn != nil && !already {
		fn(c)
	}
}

// Execute runs the mission to completion. It returns a *Error for vehicle
// rejections and progress failures, or a wrapped context error when ctx ends.
func (r *Runner) Execute(ctx context.Context, v vehicle.Vehicle, waypoints []types.Waypoint) (Completed, error) {
	ctx, span := tracer.Start(ctx, "mission.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("mission.waypoints", len(waypoints)))

	c, err := r.execute(ctx, v, waypoints)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c, err
	}
	span.SetAttributes(
		attribute.Int("mission.items", c.Items),
		attribute.Bool("mission.auto_return", c.AutoReturn),
	)
	return c, nil
}

func (r *Runner) execute(ctx context.Context, v vehicle.Vehicle, waypoints []types.Waypoint) (Completed, error) {
	started := time.Now()
	r.mu.Lock()
	r.fired = false
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MissionComplete.Store(0)
	}

	plan, err := Translate(waypoints)
	if err != nil {
		return Completed{}, err
	}
	for i, it := range plan.Items {
		logger.Debug("Mission", "Plan item", "seq", i, "item", it.String())
	}

	if plan.AutoReturn {
		if err := v.SetReturnToLaunchAfterMission(ctx, true); err != nil {
			return Completed{}, WrapError(ErrAutoReturnRejected, "enable return after mission", err)
		}
		logger.Info("Mission", "Return to launch after mission enabled")
	}

	logger.Info("Mission", "Uploading mission", "items", len(plan.Items))
	if err := v.UploadMission(ctx, plan.Items); err != nil {
		return Completed{}, WrapError(ErrUploadRejected, "upload mission", err).
			WithContext("items", len(plan.Items))
	}

	if err := sleep(ctx, r.opts.UploadSettleDelay); err != nil {
		return Completed{}, err
	}

	progressCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	progress, err := v.MissionProgress(progressCtx)
	if err != nil {
		return Completed{}, WrapError(ErrProgressStreamEnded, "subscribe to mission progress", err)
	}

	logger.Info("Mission", "Starting mission")
	if err := v.StartMission(ctx); err != nil {
		return Completed{}, WrapError(ErrStartRejected, "start mission", err)
	}

	final, err := r.follow(ctx, progress)
	if err != nil {
		return Completed{}, err
	}

	c := Completed{
		Progress:   final,
		Items:      len(plan.Items),
		AutoReturn: plan.AutoReturn,
		Elapsed:    time.Since(started),
	}
	logger.Info("Mission", "Mission completed", "current", final.Current, "total", final.Total, "elapsed", c.Elapsed.Round(time.Millisecond))
	if r.metrics != nil {
		r.metrics.MissionComplete.Store(1)
	}
	r.fireComplete(c)
	return c, nil
}

// follow consumes progress until Current == Total
func (r *Runner) follow(ctx context.Context, progress <-chan types.MissionProgress) (types.MissionProgress, error) {
	limit := rate.Inf
	if r.opts.PollInterval > 0 {
		limit = rate.Every(r.opts.PollInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var stall *time.Timer
	var stallC <-chan time.Time
	if r.opts.StallTimeout > 0 {
		stall = time.NewTimer(r.opts.StallTimeout)
		defer stall.Stop()
		stallC = stall.C
	}

	last := types.MissionProgress{Current: -1}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return last, fmt.Errorf("mission interrupted: %w", err)
		}
		if stall != nil {
			stall.Reset(r.opts.StallTimeout)
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("mission interrupted: %w", ctx.Err())

		case <-stallC:
			return last, NewError(ErrProgressStalled, "no progress update").
				WithContext("timeout", r.opts.StallTimeout.String()).
				WithContext("current", last.Current).
				WithContext("total", last.Total)

		case p, ok := <-progress:
			if !ok {
				return last, NewError(ErrProgressStreamEnded, "progress stream closed before completion").
					WithContext("current", last.Current).
					WithContext("total", last.Total)
			}
			if p.Current < last.Current {
				logger.Warn("Mission", "Ignoring regressed progress",
					"current", p.Current, "previous", last.Current, "total", p.Total)
				continue
			}
			last = p
			if r.metrics != nil {
				r.metrics.UpdateMissionProgress(p.Current, p.Total)
			}
			logger.Info("Mission", "Mission progress", "current", p.Current, "total", p.Total)

			if p.Done() {
				return p, nil
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("mission interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
