package mission

import (
	"fmt"

	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// Plan is the vehicle-facing form of a waypoint list
type Plan struct {
	Items []vehicle.PlanItem
	// AutoReturn is set when the waypoints contained a ReturnToLaunch entry.
	// It becomes a single "return after mission" directive instead of an item.
	AutoReturn bool
}

// Translate converts waypoints into plan items, preserving order.
func Translate(waypoints []types.Waypoint) (Plan, error) {
	var plan Plan
	for i, wp := range waypoints {
		var action vehicle.Action
		switch wp.Kind {
		case types.Navigate:
			action = vehicle.ActionNone
		case types.Takeoff:
			action = vehicle.ActionTakeoff
		case types.Land:
			action = vehicle.ActionLand
		case types.ReturnToLaunch:
			plan.AutoReturn = true
			continue
		default:
			return Plan{}, fmt.Errorf("waypoint %d: unknown kind %v", i, wp.Kind)
		}
		plan.Items = append(plan.Items, vehicle.PlanItem{
			Latitude:   wp.Lat,
			Longitude:  wp.Lon,
			Altitude:   wp.Alt,
			Speed:      vehicle.DefaultSpeed,
			FlyThrough: vehicle.DefaultFlyThrough,
			Action:     action,
		})
	}

	if len(plan.Items) == 0 {
		return Plan{}, NewError(ErrEmptyPlan, "no flyable waypoints").
			WithContext("waypoints", len(waypoints))
	}
	return plan, nil
}
