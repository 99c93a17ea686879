package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowbot/clowbot/go/internal/models"
)

func TestHealthChecker_QueueDepthAndLag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.app.CreateOutboxMessage(ctx, "t1", nil, telegramRaw("42", "hello"))
	require.NoError(t, err)

	h := NewHealthChecker(nil, f.db, nil, nil, f.clock, time.Hour)
	status := h.Check(ctx)
	assert.True(t, status.Healthy)
	assert.True(t, status.DatabaseConnected)
	assert.Nil(t, status.NATSConnected)
	assert.Equal(t, 1, status.PendingByStatus[models.OutboxStatusQueued])
	require.NotNil(t, status.OldestQueuedAt)
	assert.Empty(t, status.Errors)

	f.clock.Advance(2 * time.Hour)
	status = h.Check(ctx)
	assert.True(t, status.Healthy, "queue lag alone is not fatal")
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "oldest queued row")
}

func TestHealthChecker_StoppedWorker(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.clock, WorkerConfig{})
	h := NewHealthChecker(w, f.db, nil, nil, f.clock, 0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.WorkerActive)
	assert.Contains(t, status.Errors, "worker not active")
}

func TestHealthChecker_Metrics(t *testing.T) {
	f := newFixture(t)
	metrics := NewCounterMetrics()
	metrics.RecordSendAttempt("telegram", true, false)
	metrics.RecordSendAttempt("telegram", false, true)
	metrics.RecordRowProcessed("telegram", models.OutboxStatusSent, time.Millisecond)

	h := NewHealthChecker(nil, f.db, nil, metrics, f.clock, 0)
	rec := httptest.NewRecorder()
	h.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "outbox_healthy 1\n")
	assert.Contains(t, body, `outbox_send_attempts_total{kind="telegram"} 2`)
	assert.Contains(t, body, `outbox_send_failures_total{kind="telegram"} 1`)
	assert.Contains(t, body, `outbox_rows_processed_total{status="SENT"} 1`)
	assert.Contains(t, body, `outbox_rows{status="QUEUED"} 0`)
}
