// Package sim provides a deterministic in-process Vehicle. It backs
// `skyeye run --simulate` and the mission and pipeline tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// Call names recorded by the simulator
const (
	CallConnect    = "connect"
	CallArm        = "arm"
	CallTakeoff    = "takeoff"
	CallAutoReturn = "set_return_to_launch_after_mission"
	CallUpload     = "upload_mission"
	CallStart      = "start_mission"
)

const defaultPositionInterval = 100 * time.Millisecond

// Options scripts the simulated vehicle
type Options struct {
	Home types.Position

	NeverConnect bool
	NeverReady   bool

	ArmErr        error
	TakeoffErr    error
	AutoReturnErr error
	UploadErr     error
	StartErr      error

	// Progress is emitted after StartMission. When nil, the script is
	// derived from the uploaded items: 0/n, 1/n, ..., n/n.
	Progress []types.MissionProgress
	// StepInterval separates progress updates
	StepInterval time.Duration
	// HoldProgress keeps the progress stream open after the script ends
	HoldProgress bool

	PositionInterval time.Duration
}

// Vehicle is a simulated aircraft
type Vehicle struct {
	opts Options

	mu         sync.Mutex
	calls      []string
	items      []vehicle.PlanItem
	autoReturn bool
	position   types.Position

	started   chan struct{}
	startOnce sync.Once
}

var _ vehicle.Vehicle = (*Vehicle)(nil)

// New creates a simulated vehicle resting at opts.Home
func New(opts Options) *Vehicle {
	if opts.PositionInterval <= 0 {
		opts.PositionInterval = defaultPositionInterval
	}
	return &Vehicle{
		opts:     opts,
		position: opts.Home,
		started:  make(chan struct{}),
	}
}

func (v *Vehicle) record(call string) {
	v.mu.Lock()
	v.calls = append(v.calls, call)
	v.mu.Unlock()
}

// Calls returns the command calls received, in order
func (v *Vehicle) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

// Uploaded returns the last uploaded plan
func (v *Vehicle) Uploaded() []vehicle.PlanItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vehicle.PlanItem(nil), v.items...)
}

// AutoReturn reports the last auto-return setting
func (v *Vehicle) AutoReturn() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.autoReturn
}

func (v *Vehicle) Connect(ctx context.Context, address string) error {
	v.record(CallConnect)
	logger.Debug("Sim", "Connect", "address", address)
	return ctx.Err()
}

func (v *Vehicle) ConnectionState(ctx context.Context) (<-chan vehicle.ConnectionState, error) {
	ch := make(chan vehicle.ConnectionState)
	go func() {
		defer close(ch)
		if v.opts.NeverConnect {
			<-ctx.Done()
			return
		}
		send(ctx, ch, vehicle.ConnectionState{Connected: false})
		send(ctx, ch, vehicle.ConnectionState{Connected: true})
	}()
	return ch, nil
}

func (v *Vehicle) Health(ctx context.Context) (<-chan vehicle.Health, error) {
	ch := make(chan vehicle.Health)
	go func() {
		defer close(ch)
		if !send(ctx, ch, vehicle.Health{GlobalPositionOK: true}) {
			return
		}
		if v.opts.NeverReady {
			<-ctx.Done()
			return
		}
		send(ctx, ch, vehicle.Health{GlobalPositionOK: true, HomePositionOK: true})
	}()
	return ch, nil
}

// Position emits the current simulated position until ctx is done
func (v *Vehicle) Position(ctx context.Context) (<-chan types.Position, error) {
	ch := make(chan types.Position, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(v.opts.PositionInterval)
		defer ticker.Stop()
		for {
			v.mu.Lock()
			p := v.position
			v.mu.Unlock()
			p.UpdatedAt = time.Now()
			if !send(ctx, ch, p) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

func (v *Vehicle) Arm(ctx context.Context) error {
	v.record(CallArm)
	return v.opts.ArmErr
}

func (v *Vehicle) Takeoff(ctx context.Context) error {
	v.record(CallTakeoff)
	return v.opts.TakeoffErr
}

func (v *Vehicle) SetReturnToLaunchAfterMission(ctx context.Context, enable bool) error {
	v.record(CallAutoReturn)
	if v.opts.AutoReturnErr != nil {
		return v.opts.AutoReturnErr
	}
	v.mu.Lock()
	v.autoReturn = enable
	v.mu.Unlock()
	return nil
}

func (v *Vehicle) UploadMission(ctx context.Context, items []vehicle.PlanItem) error {
	v.record(CallUpload)
	if v.opts.UploadErr != nil {
		return v.opts.UploadErr
	}
	if len(items) == 0 {
		return errors.New("empty mission")
	}
	v.mu.Lock()
	v.items = append([]vehicle.PlanItem(nil), items...)
	v.mu.Unlock()
	return nil
}

func (v *Vehicle) StartMission(ctx context.Context) error {
	v.record(CallStart)
	if v.opts.StartErr != nil {
		return v.opts.StartErr
	}
	v.mu.Lock()
	n := len(v.items)
	v.mu.Unlock()
	if n == 0 {
		return errors.New("no mission uploaded")
	}
	v.startOnce.Do(func() { close(v.started) })
	return nil
}

// MissionProgress plays the progress script once the mission has started
func (v *Vehicle) MissionProgress(ctx context.Context) (<-chan types.MissionProgress, error) {
	ch := make(chan types.MissionProgress)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			return
		case <-v.started:
		}

		for _, p := range v.script() {
			v.advance(p)
			if !send(ctx, ch, p) {
				return
			}
			if v.opts.StepInterval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(v.opts.StepInterval):
				}
			}
		}
		if v.opts.HoldProgress {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (v *Vehicle) script() []types.MissionProgress {
	if v.opts.Progress != nil {
		return v.opts.Progress
	}
	v.mu.Lock()
	n := len(v.items)
	v.mu.Unlock()
	out := make([]types.MissionProgress, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, types.MissionProgress{Current: i, Total: n})
	}
	return out
}

// advance moves the simulated position to the last reached item
func (v *Vehicle) advance(p types.MissionProgress) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := p.Current - 1
	if idx < 0 || idx >= len(v.items) {
		return
	}
	it := v.items[idx]
	v.position = types.Position{Latitude: it.Latitude, Longitude: it.Longitude}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- v:
		return true
	}
}

func (v *Vehicle) String() string {
	return fmt.Sprintf("sim(home=%.6f,%.6f)", v.opts.Home.Latitude, v.opts.Home.Longitude)
}
