package livemonitor

import "time"

// Config defines the runtime configuration for the live monitor server.
type Config struct {
	Addr              string
	StatusInterval    time.Duration // /api/status/stream cadence
	MJPEGKeepalive    time.Duration // idle frame sent after this much silence
	SSEKeepalive      time.Duration // ": keepalive" comment cadence
	JPEGQuality       int
	HistorySize       int
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns the defaults used by `skyeye run --monitor-addr`.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		StatusInterval:    2 * time.Second,
		MJPEGKeepalive:    5 * time.Second,
		SSEKeepalive:      30 * time.Second,
		JPEGQuality:       75,
		HistorySize:       8,
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.MJPEGKeepalive <= 0 {
		c.MJPEGKeepalive = def.MJPEGKeepalive
	}
	if c.SSEKeepalive <= 0 {
		c.SSEKeepalive = def.SSEKeepalive
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	return c
}
