package livemonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
)

// Monitor keeps the state shown on the status endpoints: the run name, the
// last frame seen and a short history of detection events, newest first.
type Monitor struct {
	startTime   time.Time
	historySize int
	metrics     *metrics.Metrics
	now         func() time.Time

	mu               sync.Mutex
	run              string
	lastFrame        *uint64
	latestDetection  *DetectionEvent
	detectionHistory []DetectionEvent
}

// NewMonitor creates a Monitor. m may be nil, in which case counters read as zero.
func NewMonitor(historySize int, m *metrics.Metrics) *Monitor {
	return &Monitor{
		startTime:   time.Now(),
		historySize: historySize,
		metrics:     m,
		now:         time.Now,
	}
}

// SetRun records the evidence run name shown in status payloads.
func (m *Monitor) SetRun(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run = name
}

// Run returns the current run name.
func (m *Monitor) Run() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// ObserveFrame records the index of the latest processed frame.
func (m *Monitor) ObserveFrame(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFrame = &index
}

// UpdateDetection stores a new detection event. Empty events update the
// latest slot but never enter the history.
func (m *Monitor) UpdateDetection(event DetectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestDetection = &event
	if len(event.Detections) == 0 {
		return
	}
	m.detectionHistory = append([]DetectionEvent{event}, m.detectionHistory...)
	if len(m.detectionHistory) > m.historySize {
		m.detectionHistory = m.detectionHistory[:m.historySize]
	}
}

// Snapshot returns a consistent copy of the monitor state.
func (m *Monitor) Snapshot() Status {
	var counters metrics.Snapshot
	if m.metrics != nil {
		counters = m.metrics.Snapshot()
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Run:    m.run,
		Uptime: now.Sub(m.startTime).Seconds(),
		Mission: MissionView{
			Current:  counters.MissionCurrent,
			Total:    counters.MissionTotal,
			Complete: counters.MissionComplete,
		},
		Counters:         counters,
		DetectionHistory: make([]DetectionEvent, len(m.detectionHistory)),
		Timestamp:        unixSeconds(now),
	}
	copy(status.DetectionHistory, m.detectionHistory)
	if m.lastFrame != nil {
		idx := *m.lastFrame
		status.LastFrameIndex = &idx
	}
	if m.latestDetection != nil {
		latest := *m.latestDetection
		status.LatestDetection = &latest
	}
	return status
}
