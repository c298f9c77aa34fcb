package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabled(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}, "test"))
	require.False(t, Enabled())

	_, span := Tracer().Start(context.Background(), "backend.get")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, Shutdown(context.Background()))
}

func TestEnabledWithDiscardExporter(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Init(ctx, Config{Enabled: true, Exporter: "none", ServiceName: "cacheproxy", SampleRate: 1}, "test"))
	defer func() {
		require.NoError(t, Shutdown(ctx))
		require.NoError(t, Init(ctx, Config{}, "test"))
	}()

	require.True(t, Enabled())
	_, span := Tracer().Start(ctx, "backend.get")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestUnknownExporter(t *testing.T) {
	err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}, "test")
	require.EqualError(t, err, "unknown exporter: zipkin")
}
