package models

import (
	"errors"
	"time"
)

// OperationStatus is the lifecycle state of a migration Operation (§4.3).
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusCancelled OperationStatus = "cancelled"
)

// OperationType distinguishes a full reload from an incremental sync.
type OperationType string

const (
	OperationTypeFull        OperationType = "full"
	OperationTypeIncremental OperationType = "incremental"
)

// Sentinel errors shared across the orchestrator and pipeline.
var (
	ErrOperationNotFound      = errors.New("operation not found")
	ErrOperationAlreadyExists = errors.New("operation already exists")
	ErrOperationRunning       = errors.New("operation is currently running")
	ErrSameSourceAndDest      = errors.New("source_type and dest_type must differ")
	ErrUnsupportedSource      = errors.New("source adapter type not registered")
	ErrUnsupportedDest        = errors.New("destination adapter type not registered")
	ErrScheduledInFuture      = errors.New("operation is not yet due")
	ErrInvalidTransition      = errors.New("illegal operation status transition")
)

// OperationConfig is the value object stored inside Operation.Config (§3).
type OperationConfig struct {
	SourceType      string                 `json:"source_type"`
	DestType        string                 `json:"dest_type"`
	Source          map[string]interface{} `json:"source"`
	Destination     map[string]interface{} `json:"destination"`
	OperationType   OperationType          `json:"operation_type"`
	LastSyncTime    *time.Time             `json:"last_sync_time,omitempty"`
}

// Validate enforces invariant I4/the OperationConfig invariant: source_type
// and dest_type must both be present and must differ.
func (c OperationConfig) Validate() error {
	if c.SourceType == "" || c.DestType == "" {
		return errors.New("source_type and dest_type are required")
	}
	if c.SourceType == c.DestType {
		return ErrSameSourceAndDest
	}
	return nil
}

// Operation is the persistent record describing a migration job (§3).
type Operation struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	SourceRegistryID string          `json:"source_registry_id,omitempty"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	OperationType    OperationType   `json:"operation_type"`
	Status           OperationStatus `json:"status"`
	Config           OperationConfig `json:"config"`
	Result           *MigrationResult `json:"result,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	LastSyncTime     *time.Time      `json:"last_sync_time,omitempty"`
}

// DurationSeconds is a derived, never-persisted field for the status API.
func (o *Operation) DurationSeconds() *float64 {
	if o.StartedAt == nil {
		return nil
	}
	end := time.Now()
	if o.CompletedAt != nil {
		end = *o.CompletedAt
	}
	d := end.Sub(*o.StartedAt).Seconds()
	return &d
}

// IsCompleted reports whether the operation has reached a terminal status.
func (o *Operation) IsCompleted() bool {
	switch o.Status {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the terminal status was a success.
func (o *Operation) IsSuccess() bool {
	return o.Status == OperationStatusCompleted
}

// validTransitions enumerates the state machine edges from §4.3.
var validTransitions = map[OperationStatus][]OperationStatus{
	OperationStatusPending:   {OperationStatusRunning, OperationStatusCancelled},
	OperationStatusRunning:   {OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled},
	OperationStatusFailed:    {OperationStatusRunning},
	OperationStatusCompleted: {OperationStatusRunning},
	OperationStatusCancelled: {},
}

// CanTransition reports whether from -> to is an allowed edge in §4.3.
func CanTransition(from, to OperationStatus) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// TableResult records the per-table outcome of a migration attempt.
type TableResult struct {
	Table   string `json:"table"`
	Records int64  `json:"records"`
}

// TableFailure records a per-table failure (§3 MigrationResult).
type TableFailure struct {
	Table string `json:"table"`
	Error string `json:"error_message"`
}

// MigrationResult is the aggregated outcome of one /migrate call (§3, §6).
type MigrationResult struct {
	Success        bool           `json:"success"`
	TablesMigrated []TableResult  `json:"tables_migrated"`
	TablesFailed   []TableFailure `json:"tables_failed"`
	TotalTables    int            `json:"total_tables"`
	TotalRecords   int64          `json:"total_records"`
	Errors         []string       `json:"errors"`
}

// Finalize recomputes Success/TotalTables/TotalRecords from the per-table
// slices; callers append to TablesMigrated/TablesFailed/Errors as they go
// and call Finalize once before returning (P2: success iff no failures).
func (r *MigrationResult) Finalize() {
	r.Success = len(r.TablesFailed) == 0
	r.TotalTables = len(r.TablesMigrated) + len(r.TablesFailed)
	var total int64
	for _, t := range r.TablesMigrated {
		total += t.Records
	}
	r.TotalRecords = total
}

// ServiceProcessState is the supervisor's view of the worker process (§3).
type ServiceProcessState string

const (
	ServiceProcessStopped  ServiceProcessState = "stopped"
	ServiceProcessStarting ServiceProcessState = "starting"
	ServiceProcessRunning  ServiceProcessState = "running"
	ServiceProcessFailed   ServiceProcessState = "failed"
)

// ServiceProcess is the orchestrator-owned supervisor entry for the worker.
type ServiceProcess struct {
	WorkerID       string               `json:"worker_id"`
	State          ServiceProcessState  `json:"state"`
	PID            *int                 `json:"pid,omitempty"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	LastHealthOKAt *time.Time           `json:"last_health_ok_at,omitempty"`
	Required       bool                 `json:"required"`
	Endpoint       string               `json:"endpoint"`
}
