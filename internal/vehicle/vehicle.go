// Package vehicle describes the command and telemetry surface the pipeline
// needs from an autonomous aircraft. The transport behind it (MAVLink, a
// MAVSDK server, a simulator) is not part of this package.
package vehicle

import (
	"context"
	"fmt"

	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// Action is the vehicle action attached to a plan item
type Action int

const (
	ActionNone Action = iota
	ActionTakeoff
	ActionLand
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionTakeoff:
		return "TAKEOFF"
	case ActionLand:
		return "LAND"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Defaults carried by every plan item
const (
	DefaultSpeed      = 5.0 // m/s
	DefaultFlyThrough = true
)

// PlanItem is one entry of the mission uploaded to the vehicle
type PlanItem struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Speed      float64 `json:"speed"`
	FlyThrough bool    `json:"fly_through"`
	Action     Action  `json:"action"`
}

func (p PlanItem) String() string {
	return fmt.Sprintf("%s (%.6f, %.6f, %.1fm) speed=%.1f fly_through=%t",
		p.Action, p.Latitude, p.Longitude, p.Altitude, p.Speed, p.FlyThrough)
}

// ConnectionState reports link state
type ConnectionState struct {
	Connected bool
}

// Health is the subset of vehicle health used for readiness
type Health struct {
	GlobalPositionOK bool
	HomePositionOK   bool
}

// Ready reports whether the vehicle has a usable position fix and home.
func (h Health) Ready() bool {
	return h.GlobalPositionOK && h.HomePositionOK
}

// Vehicle is the command/telemetry surface of an aircraft.
//
// Stream methods return channels that the implementation closes when the
// stream ends or ctx is cancelled. The mission runner is the only caller of
// command methods during a run; other components only read telemetry.
type Vehicle interface {
	Connect(ctx context.Context, address string) error
	ConnectionState(ctx context.Context) (<-chan ConnectionState, error)
	Health(ctx context.Context) (<-chan Health, error)
	Position(ctx context.Context) (<-chan types.Position, error)

	Arm(ctx context.Context) error
	Takeoff(ctx context.Context) error

	SetReturnToLaunchAfterMission(ctx context.Context, enable bool) error
	UploadMission(ctx context.Context, items []PlanItem) error
	StartMission(ctx context.Context) error
	MissionProgress(ctx context.Context) (<-chan types.MissionProgress, error)
}
