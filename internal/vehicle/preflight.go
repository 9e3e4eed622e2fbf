package vehicle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
)

// PreflightOptions controls the connect/arm/takeoff sequence
type PreflightOptions struct {
	Address          string
	ConnectTimeout   time.Duration
	ReadinessTimeout time.Duration
	SettleDelay      time.Duration // wait after takeoff
}

var errStreamEnded = errors.New("stream ended")

// Preflight connects to the vehicle, waits for a position fix, arms and
// takes off. It returns once the post-takeoff settle delay has elapsed.
func Preflight(ctx context.Context, v Vehicle, opts PreflightOptions) error {
	logger.Info("Vehicle", "Connecting", "address", opts.Address)
	if err := connect(ctx, v, opts); err != nil {
		return err
	}
	logger.Info("Vehicle", "Connected", "address", opts.Address)

	logger.Info("Vehicle", "Waiting for position fix")
	if err := waitReady(ctx, v, opts.ReadinessTimeout); err != nil {
		return err
	}
	logger.Info("Vehicle", "Position fix and home acquired")

	if err := v.Arm(ctx); err != nil {
		return &ReadinessError{Stage: "arm", Cause: err}
	}
	logger.Info("Vehicle", "Armed, taking off")
	if err := v.Takeoff(ctx); err != nil {
		return &ReadinessError{Stage: "takeoff", Cause: err}
	}

	return sleep(ctx, opts.SettleDelay)
}

func connect(ctx context.Context, v Vehicle, opts PreflightOptions) error {
	if err := v.Connect(ctx, opts.Address); err != nil {
		return &ConnectionError{Address: opts.Address, Cause: err}
	}

	waitCtx, cancel := withOptionalTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	states, err := v.ConnectionState(waitCtx)
	if err != nil {
		return &ConnectionError{Address: opts.Address, Cause: err}
	}
	for {
		select {
		case <-waitCtx.Done():
			return &ConnectionError{Address: opts.Address, Cause: waitCtx.Err()}
		case s, ok := <-states:
			if !ok {
				return &ConnectionError{Address: opts.Address, Cause: errStreamEnded}
			}
			if s.Connected {
				return nil
			}
		}
	}
}

func waitReady(ctx context.Context, v Vehicle, timeout time.Duration) error {
	waitCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	health, err := v.Health(waitCtx)
	if err != nil {
		return &ReadinessError{Stage: "health", Cause: err}
	}
	for {
		select {
		case <-waitCtx.Done():
			return &ReadinessError{Stage: "health", Cause: waitCtx.Err()}
		case h, ok := <-health:
			if !ok {
				return &ReadinessError{Stage: "health", Cause: errStreamEnded}
			}
			if h.Ready() {
				return nil
			}
			logger.Debug("Vehicle", "Not ready",
				"global_position_ok", h.GlobalPositionOK, "home_position_ok", h.HomePositionOK)
		}
	}
}

// withOptionalTimeout treats a zero timeout as "no deadline".
func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("preflight interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
