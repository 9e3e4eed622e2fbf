// Package evidence persists detection records and annotated images under a
// per-run directory, and reads them back for querying.
package evidence

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Layout of a run directory
const (
	LogName     = "detections.jsonl"
	DetectedDir = "detected"
	FramesDir   = "frames"

	runNameLayout = "20060102_150405"
	maxSuffix     = 1000
)

// ErrRunClosed is returned by writes after Close
var ErrRunClosed = errors.New("run is closed")

// ErrLogCorrupt is returned by every append after a failed write could not
// be rolled back, leaving a partial line at the end of the log.
var ErrLogCorrupt = errors.New("detection log holds a partial write")

// logFile is the part of *os.File the run needs for its detection log
type logFile interface {
	io.Writer
	Sync() error
	Stat() (fs.FileInfo, error)
	Truncate(size int64) error
	Close() error
	Name() string
}

// Run is the storage namespace of one pipeline invocation
type Run struct {
	mu        sync.RWMutex
	name      string
	dir       string
	log       logFile
	corrupt   error
	closed    bool
	startTime time.Time

	records      uint64
	images       uint64
	frames       uint64
	bytesWritten uint64
}

// OpenRun creates <root>/<YYYYMMDD_HHMMSS> (suffixed _1, _2, ... when the
// name is taken) and opens its detection log for appending.
func OpenRun(root string, now time.Time) (*Run, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StoreError{Op: "create root", Path: root, Cause: err}
	}

	base := now.Format(runNameLayout)
	var name, dir string
	for i := 0; ; i++ {
		if i > maxSuffix {
			return nil, &StoreError{Op: "create run", Path: filepath.Join(root, base), Cause: fs.ErrExist}
		}
		name = base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		dir = filepath.Join(root, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, &StoreError{Op: "create run", Path: dir, Cause: err}
		}
	}

	if err := os.Mkdir(filepath.Join(dir, DetectedDir), 0o755); err != nil {
		return nil, &StoreError{Op: "create run", Path: dir, Cause: err}
	}

	logPath := filepath.Join(dir, LogName)
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &StoreError{Op: "open log", Path: logPath, Cause: err}
	}

	return &Run{
		name:      name,
		dir:       dir,
		log:       f,
		startTime: now,
	}, nil
}

// Name returns the run namespace (the directory base name)
func (r *Run) Name() string { return r.name }

// Dir returns the run directory
func (r *Run) Dir() string { return r.dir }

// LogPath returns the path of the detection log
func (r *Run) LogPath() string { return filepath.Join(r.dir, LogName) }

// appendLog writes data to the log with one Write and fsyncs it. A failed
// write or sync truncates the log back to its previous end so the next
// append starts on a line boundary.
func (r *Run) appendLog(data []byte, records int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunClosed
	}
	if r.corrupt != nil {
		return r.corrupt
	}
	info, err := r.log.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	end := info.Size()

	n, err := r.log.Write(data)
	if err == nil {
		err = r.log.Sync()
	}
	if err != nil {
		if terr := r.rollback(end); terr != nil {
			r.corrupt = fmt.Errorf("%w at offset %d: %v", ErrLogCorrupt, end, terr)
			return errors.Join(err, r.corrupt)
		}
		return err
	}
	r.bytesWritten += uint64(n)
	r.records += uint64(records)
	return nil
}

func (r *Run) rollback(end int64) error {
	if err := r.log.Truncate(end); err != nil {
		return err
	}
	return r.log.Sync()
}

func (r *Run) countImage(frames bool) {
	r.mu.Lock()
	if frames {
		r.frames++
	} else {
		r.images++
	}
	r.mu.Unlock()
}

func (r *Run) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close syncs and closes the detection log. It is safe to call twice.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.log.Sync(); err != nil {
		_ = r.log.Close()
		return &StoreError{Op: "sync log", Path: r.log.Name(), Cause: err}
	}
	if err := r.log.Close(); err != nil {
		return &StoreError{Op: "close log", Path: r.log.Name(), Cause: err}
	}
	return nil
}

// Status returns a snapshot of the run counters
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RunStatus{
		Run:          r.name,
		Dir:          r.dir,
		Open:         !r.closed,
		Records:      r.records,
		Images:       r.images,
		RawFrames:    r.frames,
		BytesWritten: r.bytesWritten,
		StartTime:    r.startTime,
		DurationMs:   time.Since(r.startTime).Milliseconds(),
	}
}

// RunStatus holds the current state of a run
type RunStatus struct {
	Run          string    `json:"run"`
	Dir          string    `json:"dir"`
	Open         bool      `json:"open"`
	Records      uint64    `json:"records"`
	Images       uint64    `json:"images"`
	RawFrames    uint64    `json:"raw_frames"`
	BytesWritten uint64    `json:"bytes_written"`
	StartTime    time.Time `json:"start_time"`
	DurationMs   int64     `json:"duration_ms"`
}
