// Package supervisor implements ensureWorker (§4.3): probe the worker's
// health endpoint, launch it via the configured launch command if it isn't
// up, and poll until it becomes healthy or the startup timeout elapses. The
// mutex-guarded single-process-table idiom is grounded on
// pkg/replicator/shutdown.go's ShutdownHandler (a mutex-guarded bool plus a
// small state struct mutated under lock); the probe-launch-poll shape was
// additionally informed by reading redbco-redb-open's supervisor manager
// package (reference only, not copied).
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/telemetry"
)

const (
	healthProbeTimeout = 5 * time.Second
	healthPollInterval = time.Second
	outputTailLimit    = 4096
)

// Supervisor owns the single worker process this orchestrator instance
// manages and guarantees at most one in-flight launch per worker id.
type Supervisor struct {
	workerID     string
	healthURL    string
	launchCmd    string
	startupTimeout time.Duration

	mu      sync.Mutex
	starting bool
	proc    *models.ServiceProcess
	cmd     *exec.Cmd

	// telemetry is optional; a nil Manager simply skips recording.
	telemetry *telemetry.Manager
}

// WithTelemetry attaches a telemetry.Manager so probeHealth records
// migrator_supervisor_health_checks_total (§AMBIENT STACK Metrics).
func (s *Supervisor) WithTelemetry(m *telemetry.Manager) *Supervisor {
	s.telemetry = m
	return s
}

func New(workerID, healthURL, launchCmd string, startupTimeout time.Duration) *Supervisor {
	return &Supervisor{
		workerID:       workerID,
		healthURL:      healthURL,
		launchCmd:      launchCmd,
		startupTimeout: startupTimeout,
		proc:           &models.ServiceProcess{WorkerID: workerID, State: models.ServiceProcessStopped, Endpoint: healthURL},
	}
}

// EnsureWorker guarantees the worker is healthy before the caller issues
// /migrate, launching it if necessary (§4.3 Supervisor).
func (s *Supervisor) EnsureWorker(ctx context.Context) error {
	if s.probeHealth(ctx) {
		return nil
	}

	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return s.waitForHealth(ctx)
	}
	s.starting = true
	s.proc.State = models.ServiceProcessStarting
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if err := s.launch(ctx); err != nil {
		return err
	}
	return s.waitForHealth(ctx)
}

func (s *Supervisor) launch(ctx context.Context) error {
	fields := strings.Fields(s.launchCmd)
	if len(fields) == 0 {
		return fmt.Errorf("supervisor: empty launch command for worker %s", s.workerID)
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		s.proc.State = models.ServiceProcessFailed
		s.mu.Unlock()
		return models.NewAdapterError(models.ErrKindConnection, "supervisor", "launch", s.workerID, "failed to start worker process", err)
	}

	pid := cmd.Process.Pid
	now := time.Now()
	s.mu.Lock()
	s.cmd = cmd
	s.proc.PID = &pid
	s.proc.StartedAt = &now
	s.mu.Unlock()

	// Reap asynchronously so cmd.ProcessState is populated once the
	// process exits; waitForHealth polls processAlive() to detect an
	// early death during startup.
	go func() {
		_ = cmd.Wait()
	}()

	log.Info().Str("worker_id", s.workerID).Int("pid", pid).Msg("launched worker process")
	return nil
}

func (s *Supervisor) processAlive() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return cmd.ProcessState == nil
}

func (s *Supervisor) capturedOutput() string {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return ""
	}
	buf, ok := cmd.Stdout.(*bytes.Buffer)
	if !ok {
		return ""
	}
	text := buf.String()
	if len(text) > outputTailLimit {
		text = text[len(text)-outputTailLimit:]
	}
	return text
}

func (s *Supervisor) probeHealth(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if s.telemetry != nil {
			s.telemetry.RecordHealthCheck(ctx, false)
		}
		return false
	}
	defer resp.Body.Close()
	healthy := resp.StatusCode == http.StatusOK
	if healthy {
		now := time.Now()
		s.mu.Lock()
		s.proc.State = models.ServiceProcessRunning
		s.proc.LastHealthOKAt = &now
		s.mu.Unlock()
	}
	if s.telemetry != nil {
		s.telemetry.RecordHealthCheck(ctx, healthy)
	}
	return healthy
}

// waitForHealth polls the health endpoint every ≈1s for up to
// startupTimeout, failing fast if the spawned process dies first (§4.3.3).
func (s *Supervisor) waitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(s.startupTimeout)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		if s.probeHealth(ctx) {
			return nil
		}
		if !s.processAlive() {
			output := s.capturedOutput()
			s.mu.Lock()
			s.proc.State = models.ServiceProcessFailed
			s.mu.Unlock()
			return fmt.Errorf("worker process exited during startup, output: %s", output)
		}
		if time.Now().After(deadline) {
			s.mu.Lock()
			s.proc.State = models.ServiceProcessFailed
			s.mu.Unlock()
			return fmt.Errorf("worker did not become healthy within %s", s.startupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status returns a snapshot of the supervised process's current state.
func (s *Supervisor) Status() models.ServiceProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.proc
}
