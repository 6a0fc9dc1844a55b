package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer(Options{ServiceName: "restspace-gateway", Version: "test", Writer: &buf}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "tenant.load")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "tenant.load")
	assert.Contains(t, buf.String(), "restspace-gateway")
}
