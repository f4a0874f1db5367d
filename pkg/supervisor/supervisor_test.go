package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/telemetry"
)

func TestEnsureWorkerSkipsLaunchWhenAlreadyHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// An empty launch command would fail if EnsureWorker ever tried to use
	// it, proving the already-healthy path never launches anything.
	s := New("worker", srv.URL, "", 2*time.Second)
	err := s.EnsureWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ServiceProcessRunning, s.Status().State)
}

func TestEnsureWorkerLaunchesAndWaitsForHealth(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	go func() {
		time.Sleep(1200 * time.Millisecond)
		healthy.Store(true)
	}()

	s := New("worker", srv.URL, "sleep 5", 5*time.Second)
	err := s.EnsureWorker(context.Background())
	require.NoError(t, err)

	status := s.Status()
	assert.Equal(t, models.ServiceProcessRunning, status.State)
	require.NotNil(t, status.PID)
	assert.NotNil(t, status.LastHealthOKAt)
}

func TestEnsureWorkerFailsWhenProcessExitsDuringStartup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// "true" exits immediately, so waitForHealth should observe the dead
	// process before the health check ever succeeds.
	s := New("worker", srv.URL, "true", 3*time.Second)
	err := s.EnsureWorker(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.ServiceProcessFailed, s.Status().State)
}

func TestEnsureWorkerFailsOnEmptyLaunchCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New("worker", srv.URL, "", 1*time.Second)
	err := s.EnsureWorker(context.Background())
	require.Error(t, err)
}

func TestEnsureWorkerTimesOutWhenWorkerNeverBecomesHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New("worker", srv.URL, "sleep 5", 500*time.Millisecond)
	err := s.EnsureWorker(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.ServiceProcessFailed, s.Status().State)
}

func TestEnsureWorkerRecordsHealthCheckTelemetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, err := telemetry.New("migrator-supervisor-test")
	require.NoError(t, err)

	s := New("worker", srv.URL, "", 2*time.Second)
	s.WithTelemetry(mgr)
	require.NoError(t, s.EnsureWorker(context.Background()))
}
