package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default thresholds. The archival policy decides what is recorded and
// persisted; the live policy decides what is drawn on the live view.
const (
	DefaultArchivalThreshold = 0.25
	DefaultLiveThreshold     = 0.50
	DefaultDecimation        = 5
)

// Config defines the runtime configuration for a pipeline run.
type Config struct {
	// Inputs
	PlanPath   string `yaml:"plan_path"`
	SourcePath string `yaml:"source_path"`

	// Vehicle
	VehicleAddress     string        `yaml:"vehicle_address"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReadinessTimeout   time.Duration `yaml:"readiness_timeout"`
	TakeoffSettleDelay time.Duration `yaml:"takeoff_settle_delay"`

	// Mission
	UploadSettleDelay    time.Duration `yaml:"upload_settle_delay"`
	ProgressPollInterval time.Duration `yaml:"progress_poll_interval"`
	ProgressStallTimeout time.Duration `yaml:"progress_stall_timeout"`

	// Sampling and detection
	Decimation        int           `yaml:"decimation"`
	ArchivalThreshold float64       `yaml:"archival_threshold"`
	LiveThreshold     float64       `yaml:"live_threshold"`
	DetectorCommand   []string      `yaml:"detector_command"`
	DetectorEnv       []string      `yaml:"detector_env"`
	DetectorCodec     string        `yaml:"detector_codec"` // json, msgpack
	DetectorTimeout   time.Duration `yaml:"detector_timeout"`

	// FirstFixTimeout bounds the wait for the first position before frames
	// are processed. 0 waits until the run ends.
	FirstFixTimeout time.Duration `yaml:"first_fix_timeout"`

	// StopSamplingOnMissionComplete cancels the sampling chain when the
	// mission completes. When false, sampling runs until the source ends.
	StopSamplingOnMissionComplete bool `yaml:"stop_sampling_on_mission_complete"`

	// Evidence
	EvidenceRoot   string `yaml:"evidence_root"`
	SaveRawFrames  bool   `yaml:"save_raw_frames"`
	RawFrameBuffer int    `yaml:"raw_frame_buffer"`
	JPEGQuality    int    `yaml:"jpeg_quality"`

	// Outer surfaces (empty disables)
	MetricsAddr     string `yaml:"metrics_addr"`
	MonitorAddr     string `yaml:"monitor_addr"`
	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MQTTClientID    string `yaml:"mqtt_client_id"`

	// Logging and tracing
	LogLevel           string  `yaml:"log_level"`
	LogFormat          string  `yaml:"log_format"`
	TracingExporter    string  `yaml:"tracing_exporter"` // "", stdout, otlp
	TracingEndpoint    string  `yaml:"tracing_endpoint"`
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PlanPath:                      "mission.plan",
		VehicleAddress:                "udp://:14540",
		ConnectTimeout:                30 * time.Second,
		ReadinessTimeout:              120 * time.Second,
		TakeoffSettleDelay:            5 * time.Second,
		UploadSettleDelay:             5 * time.Second,
		ProgressPollInterval:          2 * time.Second,
		ProgressStallTimeout:          60 * time.Second,
		Decimation:                    DefaultDecimation,
		ArchivalThreshold:             DefaultArchivalThreshold,
		LiveThreshold:                 DefaultLiveThreshold,
		DetectorCodec:                 "json",
		DetectorTimeout:               10 * time.Second,
		FirstFixTimeout:               30 * time.Second,
		StopSamplingOnMissionComplete: true,
		EvidenceRoot:                  "data",
		RawFrameBuffer:                16,
		JPEGQuality:                   90,
		MQTTTopicPrefix:               "skyeye",
		MQTTClientID:                  "skyeye",
		LogLevel:                      "info",
		LogFormat:                     "text",
		TracingSampleRatio:            1.0,
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	var errs []error

	if c.Decimation < 1 {
		errs = append(errs, fmt.Errorf("decimation must be >= 1, got %d", c.Decimation))
	}
	if c.ArchivalThreshold < 0 || c.ArchivalThreshold > 1 {
		errs = append(errs, fmt.Errorf("archival_threshold must be in [0,1], got %v", c.ArchivalThreshold))
	}
	if c.LiveThreshold < 0 || c.LiveThreshold > 1 {
		errs = append(errs, fmt.Errorf("live_threshold must be in [0,1], got %v", c.LiveThreshold))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be in [1,100], got %d", c.JPEGQuality))
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing_sample_ratio must be in [0,1], got %v", c.TracingSampleRatio))
	}

	durations := map[string]time.Duration{
		"connect_timeout":        c.ConnectTimeout,
		"readiness_timeout":      c.ReadinessTimeout,
		"takeoff_settle_delay":   c.TakeoffSettleDelay,
		"upload_settle_delay":    c.UploadSettleDelay,
		"progress_poll_interval": c.ProgressPollInterval,
		"progress_stall_timeout": c.ProgressStallTimeout,
		"detector_timeout":       c.DetectorTimeout,
		"first_fix_timeout":      c.FirstFixTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %s", name, d))
		}
	}

	if c.PlanPath == "" {
		errs = append(errs, errors.New("plan_path is required"))
	}
	if c.SourcePath == "" {
		errs = append(errs, errors.New("source_path is required"))
	}
	if c.EvidenceRoot == "" {
		errs = append(errs, errors.New("evidence_root is required"))
	}

	if c.RawFrameBuffer < 1 {
		errs = append(errs, fmt.Errorf("raw_frame_buffer must be >= 1, got %d", c.RawFrameBuffer))
	}

	switch c.DetectorCodec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("unsupported detector_codec %q", c.DetectorCodec))
	}

	switch c.TracingExporter {
	case "", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unsupported tracing_exporter %q", c.TracingExporter))
	}

	return errors.Join(errs...)
}
