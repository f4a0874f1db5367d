// Package opstore implements relational persistence for Operation records
// (§3, §4.3) on top of pgx, including the compare-and-set claim query the
// scheduler uses to pick up due pending operations without double-dispatch
// across orchestrator replicas. The teacher has no durable-state store of
// its own scope (it tracks CDC position, not job records); the "use a
// relational connection for durable process state" idiom is grounded on
// pkg/position/postgres_position.go.
package opstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohenjo/migrator/pkg/models"
)

// Store persists Operation records in a single `operations` table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the operations table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opstore: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("opstore: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS operations (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL DEFAULT '',
	source_registry_id TEXT NOT NULL DEFAULT '',
	scheduled_at       TIMESTAMPTZ NOT NULL,
	operation_type     TEXT NOT NULL,
	status             TEXT NOT NULL,
	config             JSONB NOT NULL,
	result             JSONB,
	error_message      TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	last_sync_time     TIMESTAMPTZ
)`)
	if err != nil {
		return fmt.Errorf("opstore: ensure schema: %w", err)
	}
	return nil
}

// Create inserts a new Operation, rejecting a same-source/dest config
// before it ever reaches the scheduler (scenario 4, I4).
func (s *Store) Create(ctx context.Context, op *models.Operation) error {
	if err := op.Config.Validate(); err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Status = models.OperationStatusPending
	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt

	cfg, err := json.Marshal(op.Config)
	if err != nil {
		return fmt.Errorf("opstore: marshal config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO operations (id, owner_id, source_registry_id, scheduled_at, operation_type, status, config, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, op.OwnerID, op.SourceRegistryID, op.ScheduledAt, op.OperationType, op.Status, cfg, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("opstore: insert: %w", err)
	}
	return nil
}

// Get returns one Operation by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Operation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_id, source_registry_id, scheduled_at, operation_type, status, config, result, error_message,
       created_at, updated_at, started_at, completed_at, last_sync_time
FROM operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opstore: get: %w", err)
	}
	return op, nil
}

// Delete removes an Operation row outright (§4.3 Delete, after the
// terminal state has already been persisted by the caller).
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("opstore: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOperationNotFound
	}
	return nil
}

// ClaimDue atomically claims every pending operation whose scheduled_at has
// arrived, compare-and-setting status to running so concurrent orchestrator
// replicas never double-dispatch the same row (§4.3 Scheduler).
func (s *Store) ClaimDue(ctx context.Context, now time.Time) ([]*models.Operation, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE operations
SET status = 'running', started_at = $1, updated_at = $1
WHERE status = 'pending' AND scheduled_at <= $1
RETURNING id, owner_id, source_registry_id, scheduled_at, operation_type, status, config, result, error_message,
          created_at, updated_at, started_at, completed_at, last_sync_time`, now)
	if err != nil {
		return nil, fmt.Errorf("opstore: claim due: %w", err)
	}
	defer rows.Close()

	var claimed []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("opstore: claim due: scan: %w", err)
		}
		claimed = append(claimed, op)
	}
	return claimed, rows.Err()
}

// TransitionTo moves op to status, enforcing models.CanTransition (P1),
// stamping started_at/completed_at and persisting result/error_message
// atomically with the transition (§4.3).
func (s *Store) TransitionTo(ctx context.Context, id string, to models.OperationStatus, result *models.MigrationResult, errMsg *string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(current.Status, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current.Status, to)
	}

	now := time.Now()
	var startedAt *time.Time
	if to == models.OperationStatusRunning {
		startedAt = &now
	}
	var completedAt *time.Time
	switch to {
	case models.OperationStatusCompleted, models.OperationStatusFailed, models.OperationStatusCancelled:
		completedAt = &now
	}

	var resultJSON []byte
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("opstore: marshal result: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
UPDATE operations
SET status = $2,
    updated_at = $3,
    started_at = COALESCE($4, started_at),
    completed_at = COALESCE($5, completed_at),
    result = COALESCE($6, result),
    error_message = COALESCE($7, error_message)
WHERE id = $1`, id, to, now, startedAt, completedAt, resultJSON, errMsg)
	if err != nil {
		return fmt.Errorf("opstore: transition: %w", err)
	}
	return nil
}

// Summary is the per-owner aggregate behind GET /operations/summary.
type Summary struct {
	ByStatus map[models.OperationStatus]int    `json:"by_status"`
	ByType   map[models.OperationType]int      `json:"by_type"`
	Recent   []*models.Operation                `json:"recent"`
}

func (s *Store) Summary(ctx context.Context, ownerID string, recentN int) (Summary, error) {
	summary := Summary{ByStatus: map[models.OperationStatus]int{}, ByType: map[models.OperationType]int{}}

	rows, err := s.pool.Query(ctx, `SELECT status, operation_type, count(*) FROM operations WHERE owner_id = $1 GROUP BY status, operation_type`, ownerID)
	if err != nil {
		return summary, fmt.Errorf("opstore: summary counts: %w", err)
	}
	for rows.Next() {
		var status models.OperationStatus
		var opType models.OperationType
		var count int
		if err := rows.Scan(&status, &opType, &count); err != nil {
			rows.Close()
			return summary, fmt.Errorf("opstore: summary scan: %w", err)
		}
		summary.ByStatus[status] += count
		summary.ByType[opType] += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return summary, err
	}

	recentRows, err := s.pool.Query(ctx, `
SELECT id, owner_id, source_registry_id, scheduled_at, operation_type, status, config, result, error_message,
       created_at, updated_at, started_at, completed_at, last_sync_time
FROM operations WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, recentN)
	if err != nil {
		return summary, fmt.Errorf("opstore: summary recent: %w", err)
	}
	defer recentRows.Close()
	for recentRows.Next() {
		op, err := scanOperation(recentRows)
		if err != nil {
			return summary, fmt.Errorf("opstore: summary recent scan: %w", err)
		}
		summary.Recent = append(summary.Recent, op)
	}
	return summary, recentRows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scannable) (*models.Operation, error) {
	var op models.Operation
	var cfg []byte
	var result []byte
	if err := row.Scan(
		&op.ID, &op.OwnerID, &op.SourceRegistryID, &op.ScheduledAt, &op.OperationType, &op.Status, &cfg, &result, &op.ErrorMessage,
		&op.CreatedAt, &op.UpdatedAt, &op.StartedAt, &op.CompletedAt, &op.LastSyncTime,
	); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &op.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if len(result) > 0 {
		op.Result = &models.MigrationResult{}
		if err := json.Unmarshal(result, op.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &op, nil
}
