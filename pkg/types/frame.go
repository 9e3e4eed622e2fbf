package types

import (
	"image"
	"time"
)

// Frame is one retained video frame with its source metadata
type Frame struct {
	Index      uint64      // Sequential index in the source (0-based)
	Image      image.Image // Decoded pixel buffer
	CapturedAt time.Time   // Wall-clock instant the sampler read the frame
}

// Bounds returns the pixel bounds of the frame, or an empty rectangle when no image is attached
func (f Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// Position is a geographic fix reported by the vehicle
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Valid reports whether the coordinates are inside WGS-84 ranges
func (p Position) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}
