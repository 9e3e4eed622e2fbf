package livemonitor

import (
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// DetectionView is the wire shape of one detection on the live API.
type DetectionView struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       types.BBox `json:"bbox"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Image      string     `json:"image,omitempty"`
}

// DetectionEvent groups the records persisted for one frame.
type DetectionEvent struct {
	Run        string          `json:"run"`
	FrameIndex uint64          `json:"frame_index"`
	Timestamp  float64         `json:"timestamp"`
	Detections []DetectionView `json:"detections"`
}

// MissionView reports the latest mission progress pair.
type MissionView struct {
	Current  uint64 `json:"current"`
	Total    uint64 `json:"total"`
	Complete bool   `json:"complete"`
}

// Status is the payload of /api/status and /api/status/stream.
type Status struct {
	Run              string           `json:"run"`
	Uptime           float64          `json:"uptime_seconds"`
	LastFrameIndex   *uint64          `json:"last_frame_index"`
	Mission          MissionView      `json:"mission"`
	Counters         metrics.Snapshot `json:"counters"`
	LatestDetection  *DetectionEvent  `json:"latest_detection"`
	DetectionHistory []DetectionEvent `json:"detection_history"`
	Timestamp        float64          `json:"timestamp"`
}

func newDetectionEvent(run string, frameIndex uint64, at time.Time, records []types.Detection) DetectionEvent {
	views := make([]DetectionView, len(records))
	for i, d := range records {
		views[i] = DetectionView{
			ID:         d.ID,
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			Latitude:   d.Position.Latitude,
			Longitude:  d.Position.Longitude,
			Image:      d.Image,
		}
	}
	return DetectionEvent{
		Run:        run,
		FrameIndex: frameIndex,
		Timestamp:  unixSeconds(at),
		Detections: views,
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
