package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansAreExported(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("clowbot-test", "dev", exporter))

	_, ok := StartSpan(context.Background(), "outbox.dispatch", map[string]string{"limit": "10"})
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "outbox.row", nil)
	EndSpan(failed, errors.New("boom"))

	spans := exporter.GetSpans().Snapshots()
	require.Len(t, spans, 2)
	assert.Equal(t, "outbox.dispatch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestInit_EmptyOutputIsNoop(t *testing.T) {
	assert.NoError(t, Init("clowbot-test", "dev", ""))
}
