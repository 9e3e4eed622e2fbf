package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Sampling counters
	FramesRead      atomic.Uint64
	FramesRetained  atomic.Uint64
	FramesDiscarded atomic.Uint64
	ReadErrors      atomic.Uint64

	// Detection counters
	FramesAnnotated    atomic.Uint64
	DetectorErrors     atomic.Uint64
	CandidatesRejected atomic.Uint64
	DetectionsRecorded atomic.Uint64

	// Evidence counters
	ImagesWritten atomic.Uint64
	StoreErrors   atomic.Uint64
	PublishErrors atomic.Uint64

	// Mission state
	MissionPolls    atomic.Uint64
	MissionCurrent  atomic.Uint64
	MissionTotal    atomic.Uint64
	MissionComplete atomic.Uint64 // 0 = running/idle, 1 = complete

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Latest detector call in ms
	FrameLatencyMs     atomic.Uint64 // Latest capture-to-persisted latency in ms

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gaugeDef struct {
	name  string
	help  string
	value *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	defs := []gaugeDef{
		{"skyeye_frames_read_total", "Total frames read from the video source", &m.FramesRead},
		{"skyeye_frames_retained_total", "Total frames retained after decimation", &m.FramesRetained},
		{"skyeye_frames_discarded_total", "Total frames discarded by decimation", &m.FramesDiscarded},
		{"skyeye_read_errors_total", "Total video source read errors", &m.ReadErrors},
		{"skyeye_frames_annotated_total", "Total frames passed through the detector", &m.FramesAnnotated},
		{"skyeye_detector_errors_total", "Total detector invocation errors", &m.DetectorErrors},
		{"skyeye_candidates_rejected_total", "Total detector candidates rejected as malformed", &m.CandidatesRejected},
		{"skyeye_detections_recorded_total", "Total detection records appended to the evidence log", &m.DetectionsRecorded},
		{"skyeye_images_written_total", "Total annotated images persisted", &m.ImagesWritten},
		{"skyeye_store_errors_total", "Total evidence store failures", &m.StoreErrors},
		{"skyeye_publish_errors_total", "Total detection publish failures", &m.PublishErrors},
		{"skyeye_mission_polls_total", "Total mission progress updates consumed", &m.MissionPolls},
		{"skyeye_mission_current_item", "Current mission item reported by the vehicle", &m.MissionCurrent},
		{"skyeye_mission_total_items", "Total mission items reported by the vehicle", &m.MissionTotal},
		{"skyeye_mission_complete", "Mission complete (0=no, 1=yes)", &m.MissionComplete},
		{"skyeye_inference_latency_ms", "Latest detector latency in milliseconds", &m.InferenceLatencyMs},
		{"skyeye_frame_latency_ms", "Latest capture-to-persist latency in milliseconds", &m.FrameLatencyMs},
	}

	for _, d := range defs {
		v := d.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: d.name,
				Help: d.help,
			},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// UpdateInferenceLatency records the duration of the latest detector call
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateFrameLatency records the time since the frame was captured
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// UpdateMissionProgress stores the latest progress pair
func (m *Metrics) UpdateMissionProgress(current, total int) {
	m.MissionPolls.Add(1)
	if current >= 0 {
		m.MissionCurrent.Store(uint64(current))
	}
	if total >= 0 {
		m.MissionTotal.Store(uint64(total))
	}
}

// Snapshot is a point-in-time copy of the counters, used by status endpoints
type Snapshot struct {
	FramesRead         uint64 `json:"frames_read"`
	FramesRetained     uint64 `json:"frames_retained"`
	FramesDiscarded    uint64 `json:"frames_discarded"`
	DetectionsRecorded uint64 `json:"detections_recorded"`
	ImagesWritten      uint64 `json:"images_written"`
	StoreErrors        uint64 `json:"store_errors"`
	DetectorErrors     uint64 `json:"detector_errors"`
	MissionCurrent     uint64 `json:"mission_current"`
	MissionTotal       uint64 `json:"mission_total"`
	MissionComplete    bool   `json:"mission_complete"`
	InferenceLatencyMs uint64 `json:"inference_latency_ms"`
}

// Snapshot returns the current counter values
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		FramesRead:         m.FramesRead.Load(),
		FramesRetained:     m.FramesRetained.Load(),
		FramesDiscarded:    m.FramesDiscarded.Load(),
		DetectionsRecorded: m.DetectionsRecorded.Load(),
		ImagesWritten:      m.ImagesWritten.Load(),
		StoreErrors:        m.StoreErrors.Load(),
		DetectorErrors:     m.DetectorErrors.Load(),
		MissionCurrent:     m.MissionCurrent.Load(),
		MissionTotal:       m.MissionTotal.Load(),
		MissionComplete:    m.MissionComplete.Load() == 1,
		InferenceLatencyMs: m.InferenceLatencyMs.Load(),
	}
}

// Registry exposes the private registry (tests and custom handlers)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
