package evidence

import (
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// FrameWriter persists raw retained frames off the sampling chain's
// goroutine. Frames are dropped when the writer falls behind.
type FrameWriter struct {
	store *Store
	run   *Run

	mu      sync.RWMutex
	running bool
	frames  chan types.Frame
	wg      sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewFrameWriter creates a writer with room for buffer pending frames
func NewFrameWriter(store *Store, run *Run, buffer int) *FrameWriter {
	if buffer < 1 {
		buffer = 1
	}
	return &FrameWriter{
		store:  store,
		run:    run,
		frames: make(chan types.Frame, buffer),
	}
}

// Start launches the writer goroutine
func (w *FrameWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.writeFrames()
}

// Send queues a frame without blocking; false means it was dropped
func (w *FrameWriter) Send(frame types.Frame) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.running {
		return false
	}
	select {
	case w.frames <- frame:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

func (w *FrameWriter) writeFrames() {
	defer w.wg.Done()
	for frame := range w.frames {
		if err := w.store.SaveFrame(w.run, frame); err != nil {
			w.failed.Add(1)
			logger.Err("Evidence", "Raw frame write failed", err, "frame", frame.Index)
			continue
		}
		w.written.Add(1)
	}
}

// Dropped returns how many frames were dropped because the writer was behind
func (w *FrameWriter) Dropped() uint64 { return w.dropped.Load() }

// Written returns how many frames were persisted
func (w *FrameWriter) Written() uint64 { return w.written.Load() }

// Close drains pending frames and waits for the writer to finish
func (w *FrameWriter) Close() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.frames)
	w.mu.Unlock()

	w.wg.Wait()
	logger.Debug("Evidence", "Raw frame writer stopped", "written", w.written.Load(), "dropped", w.dropped.Load(), "failed", w.failed.Load())
}
