// Package position caches the most recent vehicle position for readers
// that must not block on telemetry.
package position

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// Feed holds the latest position. One goroutine writes (Run); any number
// may call Latest. The value read may be up to one telemetry interval older
// than the frame it is paired with.
type Feed struct {
	latest  atomic.Pointer[types.Position]
	updates atomic.Uint64

	first     chan struct{}
	firstOnce sync.Once
}

// NewFeed returns an empty feed
func NewFeed() *Feed {
	return &Feed{first: make(chan struct{})}
}

// Set stores p as the latest position
func (f *Feed) Set(p types.Position) {
	f.latest.Store(&p)
	f.updates.Add(1)
	f.firstOnce.Do(func() { close(f.first) })
}

// WaitFirst blocks until the first position is stored or ctx is done.
func (f *Feed) WaitFirst(ctx context.Context) (types.Position, error) {
	select {
	case <-f.first:
		p, _ := f.Latest()
		return p, nil
	case <-ctx.Done():
		return types.Position{}, ctx.Err()
	}
}

// Latest returns the last stored position; ok is false before the first update.
func (f *Feed) Latest() (types.Position, bool) {
	p := f.latest.Load()
	if p == nil {
		return types.Position{}, false
	}
	return *p, true
}

// Updates returns how many positions have been stored
func (f *Feed) Updates() uint64 {
	return f.updates.Load()
}

// Run copies positions from the stream into the feed until the stream
// closes or ctx is done. Out-of-range fixes are skipped.
func (f *Feed) Run(ctx context.Context, stream <-chan types.Position) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-stream:
			if !ok {
				logger.Info("Position", "Telemetry stream ended", "updates", f.Updates())
				return
			}
			if !p.Valid() {
				logger.Warn("Position", "Discarding invalid fix", "lat", p.Latitude, "lon", p.Longitude)
				continue
			}
			f.Set(p)
		}
	}
}
