// Package plan reads mission plan documents (the QGroundControl ".plan"
// JSON layout) into an ordered waypoint list.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// MAVLink command codes understood by the parser
const (
	CmdNavWaypoint       = 16
	CmdNavReturnToLaunch = 20
	CmdNavLand           = 21
	CmdNavTakeoff        = 22
)

// Parameter positions of latitude, longitude and altitude
const (
	paramLat = 4
	paramLon = 5
	paramAlt = 6
)

// ErrEmptyPlan is returned when a document yields no waypoints
var ErrEmptyPlan = errors.New("plan contains no supported mission items")

type document struct {
	Mission struct {
		Items []item `json:"items"`
	} `json:"mission"`
}

type item struct {
	Command int        `json:"command"`
	Params  []*float64 `json:"params"`
}

// Load parses the plan file at path.
func Load(path string) ([]types.Waypoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()

	waypoints, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return waypoints, nil
}

// Parse decodes a plan document. Unknown command codes are skipped.
func Parse(r io.Reader) ([]types.Waypoint, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	waypoints := make([]types.Waypoint, 0, len(doc.Mission.Items))
	for i, it := range doc.Mission.Items {
		var kind types.WaypointKind
		switch it.Command {
		case CmdNavWaypoint:
			kind = types.Navigate
		case CmdNavReturnToLaunch:
			waypoints = append(waypoints, types.ReturnHome())
			continue
		case CmdNavLand:
			kind = types.Land
		case CmdNavTakeoff:
			kind = types.Takeoff
		default:
			logger.Debug("Plan", "skipping unsupported mission item", "index", i, "command", it.Command)
			continue
		}

		lat, lon, alt, err := it.coordinates()
		if err != nil {
			return nil, fmt.Errorf("item %d (command %d): %w", i, it.Command, err)
		}
		waypoints = append(waypoints, types.Waypoint{Kind: kind, Lat: lat, Lon: lon, Alt: alt})
	}

	if len(waypoints) == 0 {
		return nil, ErrEmptyPlan
	}
	return waypoints, nil
}

func (it item) coordinates() (lat, lon, alt float64, err error) {
	if len(it.Params) <= paramAlt {
		return 0, 0, 0, fmt.Errorf("expected at least %d params, got %d", paramAlt+1, len(it.Params))
	}
	vals := [3]float64{}
	for j, idx := range []int{paramLat, paramLon, paramAlt} {
		p := it.Params[idx]
		if p == nil {
			return 0, 0, 0, fmt.Errorf("param %d is null", idx)
		}
		vals[j] = *p
	}
	lat, lon, alt = vals[0], vals[1], vals[2]
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, 0, fmt.Errorf("coordinates out of range: %v, %v", lat, lon)
	}
	return lat, lon, alt, nil
}
