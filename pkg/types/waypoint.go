package types

import "fmt"

// WaypointKind tags the variant held by a Waypoint
type WaypointKind uint8

const (
	Navigate WaypointKind = iota + 1
	Takeoff
	Land
	ReturnToLaunch
)

// String returns the plan-file style name of the kind
func (k WaypointKind) String() string {
	switch k {
	case Navigate:
		return "NAVIGATE"
	case Takeoff:
		return "TAKEOFF"
	case Land:
		return "LAND"
	case ReturnToLaunch:
		return "RETURN_TO_LAUNCH"
	default:
		return fmt.Sprintf("WaypointKind(%d)", uint8(k))
	}
}

// Waypoint is one instruction of a flight plan.
// Lat/Lon/Alt are meaningful for Navigate, Takeoff and Land; ReturnToLaunch carries none.
type Waypoint struct {
	Kind WaypointKind `json:"kind"`
	Lat  float64      `json:"lat,omitempty"`
	Lon  float64      `json:"lon,omitempty"`
	Alt  float64      `json:"alt,omitempty"`
}

func NavigateTo(lat, lon, alt float64) Waypoint {
	return Waypoint{Kind: Navigate, Lat: lat, Lon: lon, Alt: alt}
}

func TakeoffAt(lat, lon, alt float64) Waypoint {
	return Waypoint{Kind: Takeoff, Lat: lat, Lon: lon, Alt: alt}
}

func LandAt(lat, lon, alt float64) Waypoint {
	return Waypoint{Kind: Land, Lat: lat, Lon: lon, Alt: alt}
}

func ReturnHome() Waypoint {
	return Waypoint{Kind: ReturnToLaunch}
}

// String returns a short human-readable description
func (w Waypoint) String() string {
	if w.Kind == ReturnToLaunch {
		return w.Kind.String()
	}
	return fmt.Sprintf("%s(%.6f, %.6f, %.1fm)", w.Kind, w.Lat, w.Lon, w.Alt)
}

// MissionProgress is the vehicle's count of completed plan items
type MissionProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Done reports strict completion (Current == Total)
func (p MissionProgress) Done() bool {
	return p.Total > 0 && p.Current == p.Total
}
