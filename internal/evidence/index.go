package evidence

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

const (
	tolerance   = 1e-6
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
	earthRadius = 6371.0 // km
)

// indexedDetection wraps a record for R-Tree indexing
type indexedDetection struct {
	types.Detection
	rect *rtreego.Rect
}

func (d *indexedDetection) Bounds() *rtreego.Rect {
	return d.rect
}

// Index answers spatial queries over detection positions
type Index struct {
	mu   sync.RWMutex
	tree *rtreego.Rtree
	size int
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{tree: rtreego.NewTree(dimensions, minChildren, maxChildren)}
}

// BuildIndex indexes every record with a valid position
func BuildIndex(records []types.Detection) *Index {
	idx := NewIndex()
	idx.Add(records...)
	return idx
}

// Add indexes records; records with out-of-range positions are skipped
func (x *Index) Add(records ...types.Detection) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, d := range records {
		if !d.Position.Valid() {
			continue
		}
		p := rtreego.Point{d.Position.Latitude, d.Position.Longitude}
		x.tree.Insert(&indexedDetection{Detection: d, rect: p.ToRect(tolerance)})
		x.size++
	}
}

// Size returns the number of indexed records
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}

// SearchBox returns records inside the box spanned by two corners
func (x *Index) SearchBox(lat1, lon1, lat2, lon2 float64) ([]types.Detection, error) {
	latMin, latMax := math.Min(lat1, lat2), math.Max(lat1, lat2)
	lonMin, lonMax := math.Min(lon1, lon2), math.Max(lon1, lon2)

	bounds, err := rtreego.NewRect(
		rtreego.Point{latMin, lonMin},
		[]float64{math.Max(latMax-latMin, tolerance), math.Max(lonMax-lonMin, tolerance)},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid bounding box: %w", err)
	}

	x.mu.RLock()
	results := x.tree.SearchIntersect(bounds)
	x.mu.RUnlock()

	out := make([]types.Detection, 0, len(results))
	for _, r := range results {
		item, ok := r.(*indexedDetection)
		if !ok {
			continue
		}
		p := item.Position
		if p.Latitude >= latMin && p.Latitude <= latMax &&
			p.Longitude >= lonMin && p.Longitude <= lonMax {
			out = append(out, item.Detection)
		}
	}
	sortByTime(out)
	return out, nil
}

// SearchRadius returns records within radiusKm of the center
func (x *Index) SearchRadius(lat, lon, radiusKm float64) ([]types.Detection, error) {
	if radiusKm <= 0 {
		return nil, fmt.Errorf("radius must be positive, got %v", radiusKm)
	}
	deg := (radiusKm / earthRadius) * (180 / math.Pi)
	// a degree of longitude shrinks with latitude
	lonDeg := deg
	if c := math.Cos(lat * math.Pi / 180); c > 1e-6 {
		lonDeg = math.Min(deg/c, 180)
	}

	bounds, err := rtreego.NewRect(
		rtreego.Point{lat - deg, lon - lonDeg},
		[]float64{2 * deg, 2 * lonDeg},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid radius search: %w", err)
	}

	x.mu.RLock()
	results := x.tree.SearchIntersect(bounds)
	x.mu.RUnlock()

	out := make([]types.Detection, 0, len(results))
	for _, r := range results {
		item, ok := r.(*indexedDetection)
		if !ok {
			continue
		}
		if Distance(lat, lon, item.Position.Latitude, item.Position.Longitude) <= radiusKm {
			out = append(out, item.Detection)
		}
	}
	sortByTime(out)
	return out, nil
}

func sortByTime(ds []types.Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Timestamp.Equal(ds[j].Timestamp) {
			return ds[i].FrameIndex < ds[j].FrameIndex
		}
		return ds[i].Timestamp.Before(ds[j].Timestamp)
	})
}

// Distance returns the great-circle distance between two fixes in km
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
