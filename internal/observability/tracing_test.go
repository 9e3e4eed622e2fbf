package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Exporter:    "stdout",
		SampleRatio: 1,
		Output:      &buf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = InitTracing(context.Background(), TracingConfig{}) })

	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.frame")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ShutdownWithTimeout(context.Background(), shutdown)
	assert.Contains(t, buf.String(), "pipeline.frame")
	assert.Contains(t, buf.String(), "skyeye")
}

func TestInitTracingZeroRatioDropsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Exporter:    "stdout",
		SampleRatio: 0,
		Output:      &buf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = InitTracing(context.Background(), TracingConfig{}) })

	_, span := otel.Tracer("test").Start(context.Background(), "dropped")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.NotContains(t, buf.String(), "dropped")
}

func TestInitTracingUnsupportedExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unsupported tracing exporter")
}

func TestShutdownWithTimeoutNil(t *testing.T) {
	ShutdownWithTimeout(context.Background(), nil)
}
