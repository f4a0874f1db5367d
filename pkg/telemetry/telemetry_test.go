package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstrumentsWithoutError(t *testing.T) {
	m, err := New("migrator-test")
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordOperationStarted(ctx, "postgres", "mysql")
	m.RecordOperationResult(ctx, "postgres", "mysql", true)
	m.RecordTableResult(ctx, "widgets", true, 42)
	m.RecordBatchWrite(ctx, "widgets", 10*time.Millisecond)
	m.RecordHealthCheck(ctx, true)
	m.RecordHTTPRequest(ctx, "/migrate", http.StatusOK, 5*time.Millisecond)
}

func TestMiddlewareRecordsStatusAndCallsNext(t *testing.T) {
	m, err := New("migrator-test-middleware")
	require.NoError(t, err)

	called := false
	wrapped := m.Middleware("/health", func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	wrapped(w, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestMiddlewareDefaultsStatusToOKWhenNextNeverWrites(t *testing.T) {
	m, err := New("migrator-test-default-status")
	require.NoError(t, err)

	wrapped := m.Middleware("/noop", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/noop", nil)
	w := httptest.NewRecorder()
	wrapped(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownWithoutServeIsSafe(t *testing.T) {
	m, err := New("migrator-test-shutdown")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}
