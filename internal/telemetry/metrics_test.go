package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIngestion(context.Background(), 1.5, "completed")
		m.RecordJobTransition(context.Background(), "ingest", "active")
		m.RecordChatStream(context.Background(), "completed", 12)
		m.RecordDegradedRetrieval(context.Background())
		m.RecordHighlightCache(context.Background(), 1, 2)
	})
}

func TestInitMetricsWithGlobalProvider(t *testing.T) {
	m, err := InitMetrics()
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordChatStream(context.Background(), "aborted", 3)
		m.RecordHighlightCache(context.Background(), 2, 0)
	})
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "pdfchat-test", "", 1)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
