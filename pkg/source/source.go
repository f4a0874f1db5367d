// Package source defines the Source Adapter capability set (§4.1) and a
// registry for constructing adapters by source_type string, mirroring the
// teacher's pkg/streams StreamFactory/StreamRegistry shape adapted from
// streaming stream instances to batch-pull table adapters.
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cohenjo/migrator/pkg/models"
)

// BatchStream is the finite lazy sequence of batches readData/readIncremental
// produce (§4.1). Next returns io.EOF-like exhaustion via the ok bool instead
// of an error so transient per-batch failures can be distinguished from a
// clean end of stream.
type BatchStream interface {
	// Next blocks until the next batch is ready, the stream is exhausted
	// (ok=false, err=nil), or a read error occurs (err != nil).
	Next(ctx context.Context) (batch models.RowBatch, ok bool, err error)
	// Close releases resources held by the stream. Safe to call more than
	// once; safe to call without exhausting the stream.
	Close() error
}

// Adapter is the capability set a Source Adapter exposes (§4.1).
type Adapter interface {
	// Connect acquires network resources. Must be safe to call again on an
	// already-connected adapter (idempotent-safe).
	Connect(ctx context.Context) error
	// Disconnect releases resources. Must run on every control-flow exit.
	Disconnect(ctx context.Context) error

	// ListTables returns table identifiers; for API sources these are
	// logical modules/resources rather than SQL tables.
	ListTables(ctx context.Context) ([]string, error)
	// GetSchema returns the TableDescriptor for one table.
	GetSchema(ctx context.Context, table string) (models.TableDescriptor, error)
	// GetForeignKeys, GetUniqueConstraints, GetIndexes each return an empty
	// slice where not applicable; errors are non-fatal to the caller (the
	// Pipeline logs and proceeds with an empty result).
	GetForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error)
	GetUniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error)
	GetIndexes(ctx context.Context, table string) ([]models.Index, error)

	// ReadData opens a full-reload stream over table in batches of
	// approximately batchSize rows.
	ReadData(ctx context.Context, table string, batchSize int) (BatchStream, error)
	// ReadIncremental opens a stream of records whose change-tracking field
	// strictly exceeds since.
	ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (BatchStream, error)

	// SourceKey identifies this adapter's source_type for logging, metrics,
	// and the destination's mapTypes/table-naming source-family tag.
	SourceKey() string
}

// Factory constructs Adapter instances from an operation's opaque source
// config map (§3 OperationConfig.Source).
type Factory interface {
	New(cfg map[string]interface{}) (Adapter, error)
}

// FactoryFunc adapts a plain function to Factory, mirroring the teacher's
// DefaultStreamFactory.
type FactoryFunc func(cfg map[string]interface{}) (Adapter, error)

func (f FactoryFunc) New(cfg map[string]interface{}) (Adapter, error) {
	return f(cfg)
}

// Registry maps source_type strings to Factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds sourceType to factory. Registering the same type twice
// replaces the prior binding.
func (r *Registry) Register(sourceType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sourceType] = factory
}

// New constructs an Adapter for sourceType, or models.ErrUnsupportedSource
// if nothing is registered under that key.
func (r *Registry) New(sourceType string, cfg map[string]interface{}) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[sourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedSource, sourceType)
	}
	return factory.New(cfg)
}

// Types returns the currently registered source_type keys.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
