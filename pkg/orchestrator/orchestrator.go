// Package orchestrator implements Execute/Retry/Delete and the Operation
// lifecycle (§4.3): ensuring the worker is up via pkg/supervisor, calling
// its /migrate endpoint, and persisting the terminal transition through
// pkg/opstore. Grounded on pkg/replicator/shutdown.go's mutex-guarded
// single-transition-in-flight bookkeeping, generalized from "shut the
// service down exactly once" to "drive one operation through its lifecycle
// exactly once".
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/opstore"
	"github.com/cohenjo/migrator/pkg/supervisor"
	"github.com/cohenjo/migrator/pkg/telemetry"
)

// migrateRequest mirrors the worker's POST /migrate body (§6).
type migrateRequest struct {
	SourceType      string                 `json:"source_type"`
	DestType        string                 `json:"dest_type"`
	Source          map[string]interface{} `json:"source"`
	Destination     map[string]interface{} `json:"destination"`
	OperationType   models.OperationType   `json:"operation_type"`
	LastSyncTime    *time.Time             `json:"last_sync_time,omitempty"`
}

// Orchestrator drives Operations through execute/retry/delete.
type Orchestrator struct {
	Store          *opstore.Store
	Supervisor     *supervisor.Supervisor
	WorkerEndpoint string
	HTTPTimeout    time.Duration
	httpClient     *http.Client

	// Telemetry is optional; a nil Manager simply skips recording (keeps
	// Orchestrator usable in tests without standing up a meter provider).
	Telemetry *telemetry.Manager
}

func New(store *opstore.Store, sup *supervisor.Supervisor, workerEndpoint string, httpTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		Store:          store,
		Supervisor:     sup,
		WorkerEndpoint: workerEndpoint,
		HTTPTimeout:    httpTimeout,
		httpClient:     &http.Client{Timeout: httpTimeout},
	}
}

// WithTelemetry attaches a telemetry.Manager so Execute/RunClaimed record
// migrator_operations_{started,completed,failed}_total (§AMBIENT STACK
// Metrics).
func (o *Orchestrator) WithTelemetry(m *telemetry.Manager) *Orchestrator {
	o.Telemetry = m
	return o
}

// Execute runs op, optionally bypassing the scheduled_at gate with force
// (§4.3 Execute). Retry is the same call from a terminal status: §4.3's
// table already allows failed/completed -> running.
func (o *Orchestrator) Execute(ctx context.Context, id string, force bool) error {
	op, err := o.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == models.OperationStatusRunning {
		return models.ErrOperationRunning
	}
	if op.Status == models.OperationStatusPending && op.ScheduledAt.After(time.Now()) && !force {
		return models.ErrScheduledInFuture
	}

	if err := o.Store.TransitionTo(ctx, id, models.OperationStatusRunning, nil, nil); err != nil {
		return err
	}
	return o.run(ctx, id, op)
}

// RunClaimed drives an operation the scheduler has already compare-and-set
// into running (opstore.ClaimDue already stamped started_at) through
// ensureWorker/migrate/finalize, without repeating the pending->running
// transition Execute performs for explicit calls.
func (o *Orchestrator) RunClaimed(ctx context.Context, id string) error {
	op, err := o.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	return o.run(ctx, id, op)
}

func (o *Orchestrator) run(ctx context.Context, id string, op *models.Operation) error {
	if o.Telemetry != nil {
		o.Telemetry.RecordOperationStarted(ctx, op.Config.SourceType, op.Config.DestType)
	}

	if err := o.Supervisor.EnsureWorker(ctx); err != nil {
		msg := fmt.Sprintf("worker unavailable: %s", err.Error())
		if tErr := o.Store.TransitionTo(ctx, id, models.OperationStatusFailed, nil, &msg); tErr != nil {
			log.Error().Err(tErr).Str("operation_id", id).Msg("failed to persist worker-unavailable transition")
		}
		if o.Telemetry != nil {
			o.Telemetry.RecordOperationResult(ctx, op.Config.SourceType, op.Config.DestType, false)
		}
		return fmt.Errorf("worker unavailable: %w", err)
	}

	result, err := o.callMigrate(ctx, op)
	if err != nil {
		msg := fmt.Sprintf("transport error: %s", err.Error())
		if tErr := o.Store.TransitionTo(ctx, id, models.OperationStatusFailed, nil, &msg); tErr != nil {
			log.Error().Err(tErr).Str("operation_id", id).Msg("failed to persist transport-error transition")
		}
		if o.Telemetry != nil {
			o.Telemetry.RecordOperationResult(ctx, op.Config.SourceType, op.Config.DestType, false)
		}
		return fmt.Errorf("worker transport error: %w", err)
	}

	finalStatus := models.OperationStatusCompleted
	var errMsg *string
	if !result.Success {
		finalStatus = models.OperationStatusFailed
		joined := joinErrors(result.Errors, result.TablesFailed)
		errMsg = &joined
	}
	if o.Telemetry != nil {
		o.Telemetry.RecordOperationResult(ctx, op.Config.SourceType, op.Config.DestType, result.Success)
	}
	return o.Store.TransitionTo(ctx, id, finalStatus, &result, errMsg)
}

func (o *Orchestrator) callMigrate(ctx context.Context, op *models.Operation) (models.MigrationResult, error) {
	reqBody := migrateRequest{
		SourceType:    op.Config.SourceType,
		DestType:      op.Config.DestType,
		Source:        op.Config.Source,
		Destination:   op.Config.Destination,
		OperationType: op.Config.OperationType,
		LastSyncTime:  op.Config.LastSyncTime,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return models.MigrationResult{}, fmt.Errorf("marshal migrate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.WorkerEndpoint+"/migrate", bytes.NewReader(payload))
	if err != nil {
		return models.MigrationResult{}, fmt.Errorf("build migrate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return models.MigrationResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.MigrationResult{}, fmt.Errorf("read migrate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return models.MigrationResult{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result models.MigrationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return models.MigrationResult{}, fmt.Errorf("unmarshal migrate response: %w", err)
	}
	return result, nil
}

// joinErrors builds the operation's error_message from the migration
// result's Errors; if a buggy or older worker reports failure without
// populating Errors, it falls back to summarizing TablesFailed instead of
// discarding the per-table detail that's sitting right there on the result.
func joinErrors(errs []string, tablesFailed []models.TableFailure) string {
	if len(errs) == 0 {
		for _, tf := range tablesFailed {
			errs = append(errs, fmt.Sprintf("table %s: %s", tf.Table, tf.Error))
		}
	}
	if len(errs) == 0 {
		return "migration reported failure with no detail"
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}

// Delete soft-cancels op if running or pending, then removes its row (§4.3
// Delete).
// No remote cancel of an in-flight worker call is attempted; destination
// data already written stays in place.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	op, err := o.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == models.OperationStatusRunning || op.Status == models.OperationStatusPending {
		if err := o.Store.TransitionTo(ctx, id, models.OperationStatusCancelled, nil, nil); err != nil {
			return err
		}
	}
	return o.Store.Delete(ctx, id)
}
