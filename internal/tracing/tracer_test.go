package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDisabledTracer(t *testing.T) {
	shutdown, err := InitTracerProvider("svc", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, TraceID(context.Background()))
}

func TestTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Len(t, TraceID(ctx), 32)
}
