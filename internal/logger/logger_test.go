package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindedErr struct{}

func (kindedErr) Error() string { return "boom" }
func (kindedErr) Kind() string  { return "store" }

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, "text")

	l.Info("Sampler", "hidden")
	assert.Zero(t, buf.Len())

	l.Warn("Sampler", "shown", "frame", 5)
	assert.Contains(t, buf.String(), "module=Sampler")
	assert.Contains(t, buf.String(), "frame=5")

	buf.Reset()
	l.SetLevel(SILENT)
	l.Error("Sampler", "muted")
	assert.Zero(t, buf.Len())
}

func TestJSONFormatCarriesKind(t *testing.T) {
	var buf bytes.Buffer
	defaultLogger = New(DEBUG, &buf, "json")
	t.Cleanup(func() { defaultLogger = nil })

	Err("Store", "append failed", fmt.Errorf("wrapped: %w", kindedErr{}), "run", "20250101_120000")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "store", line["kind"])
	assert.Equal(t, "Store", line["module"])
	assert.Equal(t, "20250101_120000", line["run"])
	assert.Equal(t, "ERROR", line["level"])
}
