// Package destination defines the Destination Adapter capability set
// (§4.1) and a registry for constructing adapters by dest_type string,
// adapted from the teacher's pkg/estuary DatabaseDestination/
// DestinationFactory/DestinationRegistry shape — kept as the same
// registry-of-factories idiom, reworked from CDC-record writers to
// schema-evolving batch-table writers.
package destination

import (
	"context"
	"fmt"
	"sync"

	"github.com/cohenjo/migrator/pkg/models"
)

// Adapter is the capability set a Destination Adapter exposes (§4.1).
type Adapter interface {
	// Connect acquires resources; sourceType lets the destination pick a
	// source-aware type map and source-family table prefix. Must create the
	// target database/namespace if missing.
	Connect(ctx context.Context, sourceType string) error
	Disconnect(ctx context.Context) error

	// MapTypes is a total function: unknown source types degrade to a
	// permissive string/text type rather than erroring.
	MapTypes(columns []models.Column, sourceType string) []models.DestColumn

	// CreateTable is idempotent; it MUST NOT drop a pre-existing table and
	// MUST succeed if the table already exists with a superset schema.
	CreateTable(ctx context.Context, name string, columns []models.DestColumn, primaryKey []string) error
	// EvolveSchema adds nullable columns; called when the source schema is
	// wider than the destination's current column set.
	EvolveSchema(ctx context.Context, name string, missingColumns []models.DestColumn) error

	// WriteData upserts on primaryKey when non-empty, else appends.
	WriteData(ctx context.Context, name string, batch models.RowBatch, primaryKey []string) error

	// WidestStringType names this dialect's nullable, unbounded string
	// type, used by the Schema Evolver (§4.4) for a column observed in a
	// batch that createTable never saw (dynamic API schemas).
	WidestStringType() string

	// CreateIndexes, CreateUniqueConstraints, CreateForeignKeys run after
	// data load; failures are recorded by the caller but must not fail the
	// table (§4.1).
	CreateIndexes(ctx context.Context, table string, indexes []models.Index) error
	CreateUniqueConstraints(ctx context.Context, table string, constraints []models.UniqueConstraint) error
	CreateForeignKeys(ctx context.Context, table string, foreignKeys []models.ForeignKey) error

	DestinationKey() string
}

// Factory constructs Adapter instances from an operation's opaque
// destination config map (§3 OperationConfig.Destination).
type Factory interface {
	New(cfg map[string]interface{}) (Adapter, error)
}

type FactoryFunc func(cfg map[string]interface{}) (Adapter, error)

func (f FactoryFunc) New(cfg map[string]interface{}) (Adapter, error) {
	return f(cfg)
}

// Registry maps dest_type strings to Factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(destType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[destType] = factory
}

// New constructs an Adapter for destType, or models.ErrUnsupportedDest if
// nothing is registered under that key.
func (r *Registry) New(destType string, cfg map[string]interface{}) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[destType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedDest, destType)
	}
	return factory.New(cfg)
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
