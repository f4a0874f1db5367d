package models

import (
	"fmt"
	"time"
)

// Column describes one column of a source table or API resource (§3
// TableDescriptor). SourceType is the adapter-native type name; it is
// opaque to everything except the destination's mapTypes.
type Column struct {
	Name       string      `json:"name"`
	SourceType string      `json:"source_type"`
	Nullable   bool        `json:"nullable"`
	Default    interface{} `json:"default,omitempty"`
}

// ForeignKey describes a foreign-key constraint discovered on a source table.
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}

// UniqueConstraint describes a unique constraint discovered on a source table.
type UniqueConstraint struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// Index describes an index discovered on a source table.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// TableDescriptor is what a source adapter's getSchema (+ constraint calls)
// produces for one table (§3). Column order here must match the column
// order within yielded RowBatch records.
type TableDescriptor struct {
	Name              string             `json:"name"`
	Columns           []Column           `json:"columns"`
	PrimaryKey        []string           `json:"primary_key,omitempty"`
	ForeignKeys       []ForeignKey       `json:"foreign_keys,omitempty"`
	UniqueConstraints []UniqueConstraint `json:"unique_constraints,omitempty"`
	Indexes           []Index            `json:"indexes,omitempty"`
}

// Row is a single record keyed by source column name.
type Row map[string]interface{}

// RowBatch is one ordered batch of a table's data, yielded by a source
// adapter's readData/readIncremental stream (§3). Batches are consumed in
// order; the stream is not restartable.
type RowBatch struct {
	Rows []Row
}

// DestColumn is a destination-native column definition produced by a
// destination adapter's mapTypes (§4.1).
type DestColumn struct {
	Name       string
	Type       string
	Nullable   bool
	Default    string // already-rendered, destination-dialect literal/expr; empty if none
	HasDefault bool
}

// AdapterErrorKind is the small failure taxonomy from §7.1.
type AdapterErrorKind string

const (
	ErrKindConnection   AdapterErrorKind = "ConnectionError"
	ErrKindSchema       AdapterErrorKind = "SchemaError"
	ErrKindTypeMapping  AdapterErrorKind = "TypeMappingError"
	ErrKindRead         AdapterErrorKind = "ReadError"
	ErrKindWrite        AdapterErrorKind = "WriteError"
	ErrKindConstraint   AdapterErrorKind = "ConstraintError"
	ErrKindAuth         AdapterErrorKind = "AuthError"
)

// AdapterError is the normalised error shape adapters return (§7.1).
type AdapterError struct {
	Kind      AdapterErrorKind
	Adapter   string
	Operation string
	Table     string
	Message   string
	Cause     error
}

func (e *AdapterError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("[%s] %s/%s on table %q: %s", e.Kind, e.Adapter, e.Operation, e.Table, e.Message)
	}
	return fmt.Sprintf("[%s] %s/%s: %s", e.Kind, e.Adapter, e.Operation, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// NewAdapterError constructs an *AdapterError, wrapping cause if non-nil.
func NewAdapterError(kind AdapterErrorKind, adapter, operation, table, message string, cause error) *AdapterError {
	return &AdapterError{
		Kind:      kind,
		Adapter:   adapter,
		Operation: operation,
		Table:     table,
		Message:   message,
		Cause:     cause,
	}
}

// RetryState tracks bounded-backoff retry bookkeeping for one logical unit
// of work (an API page fetch, or a table's write loop).
type RetryState struct {
	Attempts    int           `json:"attempts"`
	LastAttempt time.Time     `json:"last_attempt"`
	LastError   string        `json:"last_error,omitempty"`
	TotalDelay  time.Duration `json:"total_delay"`
}
