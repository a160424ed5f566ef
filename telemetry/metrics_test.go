package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitMetrics(ctx, MetricsConfig{
		ServiceName:    "actionlog-test",
		ServiceVersion: "test",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// recording helpers are safe once initialized
	RecordAppend(ctx, "unsent", 128)
	RecordAppend(ctx, "shared", 4096)
	RecordPromotion(ctx)
	RecordProtocolViolation(ctx, "mark_as_sent")
	RecordPruneRun(ctx, 3, 300, 5*time.Millisecond)
	UpdateStoreState(ctx, 10, 1024)

	// Prometheus export not enabled, handler answers 404
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)

	require.NoError(t, shutdown(ctx))

	// recording after shutdown is a no-op, not a panic
	RecordAppend(ctx, "unsent", 1)
	RecordPromotion(ctx)
}

func TestRecordBeforeInitIsNoop(t *testing.T) {
	// The global is nil until InitMetrics runs (or after shutdown); every
	// helper must tolerate that.
	ctx := context.Background()

	RecordAppend(ctx, "shared", 1)
	RecordPromotion(ctx)
	RecordProtocolViolation(ctx, "record")
	RecordPruneRun(ctx, 0, 0, 0)
	UpdateStoreState(ctx, 0, 0)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
