package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	h := parseHeaders("Authorization=Bearer abc, x-tenant = t1,broken,=empty")
	assert.Equal(t, map[string]string{"authorization": "Bearer abc", "x-tenant": "t1"}, h)
}

func TestDisabledTracingIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := Init(context.Background(), "test")
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "stage")
	AddSpanEvent(ctx, "event")
	AddSpanError(ctx, errors.New("boom"))
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "collector:443", withDefaultPort("collector", "443"))
	assert.Equal(t, "collector:4317", withDefaultPort("collector:4317", "443"))
}
