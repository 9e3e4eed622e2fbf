package types

import (
	"fmt"
	"image"
	"time"
)

// BBox is an axis-aligned box in pixel coordinates (x1 < x2, y1 < y2)
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the corners are strictly ordered
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect converts the box to an image.Rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp limits the box to the given bounds
func (b BBox) Clamp(bounds image.Rectangle) BBox {
	r := b.Rect().Intersect(bounds)
	return BBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

func (b BBox) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is a geotagged, confidence-scored box produced for one frame.
// Records are immutable once created and only ever appended to the evidence log.
type Detection struct {
	ID         string    `json:"id"`
	FrameIndex uint64    `json:"frame_index"`
	Image      string    `json:"image,omitempty"` // Annotated image path relative to the run directory
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
	Position   Position  `json:"position"`
	Timestamp  time.Time `json:"timestamp"`
}
