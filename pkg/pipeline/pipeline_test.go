package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/migrator/pkg/destination"
	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/source"
	"github.com/cohenjo/migrator/pkg/telemetry"
)

// fakeStream replays a fixed slice of batches, then reports exhaustion.
type fakeStream struct {
	batches []models.RowBatch
	i       int
	closed  bool
}

func (s *fakeStream) Next(ctx context.Context) (models.RowBatch, bool, error) {
	if s.i >= len(s.batches) {
		return models.RowBatch{}, false, nil
	}
	b := s.batches[s.i]
	s.i++
	return b, true, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeSource is a minimal source.Adapter backed by an in-memory table map.
type fakeSource struct {
	key           string
	tables        []string
	schemas       map[string]models.TableDescriptor
	batches       map[string][]models.RowBatch
	foreignKeys   map[string][]models.ForeignKey
	listTablesErr error
	readErr       map[string]error
	failAttempts  map[string]int // number of leading ReadData calls to fail for a table
}

func (f *fakeSource) Connect(ctx context.Context) error    { return nil }
func (f *fakeSource) Disconnect(ctx context.Context) error  { return nil }
func (f *fakeSource) SourceKey() string                     { return f.key }

func (f *fakeSource) ListTables(ctx context.Context) ([]string, error) {
	if f.listTablesErr != nil {
		return nil, f.listTablesErr
	}
	return f.tables, nil
}

func (f *fakeSource) GetSchema(ctx context.Context, table string) (models.TableDescriptor, error) {
	return f.schemas[table], nil
}

func (f *fakeSource) GetForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	return f.foreignKeys[table], nil
}

func (f *fakeSource) GetUniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error) {
	return nil, nil
}

func (f *fakeSource) GetIndexes(ctx context.Context, table string) ([]models.Index, error) {
	return nil, nil
}

func (f *fakeSource) ReadData(ctx context.Context, table string, batchSize int) (source.BatchStream, error) {
	if f.failAttempts != nil && f.failAttempts[table] > 0 {
		f.failAttempts[table]--
		return nil, errors.New("transient read failure")
	}
	if err, ok := f.readErr[table]; ok {
		return nil, err
	}
	return &fakeStream{batches: f.batches[table]}, nil
}

func (f *fakeSource) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.BatchStream, error) {
	return f.ReadData(ctx, table, batchSize)
}

// fakeDest is a minimal destination.Adapter that records calls for
// assertions, in particular the order foreign keys are applied in.
type fakeDest struct {
	key                 string
	createTableErr      error
	evolveCalls         []string
	foreignKeyCalls     []string // table names, in call order
	writeCalls          []string // table names, in call order
	writesBeforeFKs     []int    // len(writeCalls) at each CreateForeignKeys call
	writeErr            map[string]error
	createForeignKeyErr error
}

func (d *fakeDest) Connect(ctx context.Context, sourceType string) error { return nil }
func (d *fakeDest) Disconnect(ctx context.Context) error                 { return nil }
func (d *fakeDest) DestinationKey() string                               { return d.key }

func (d *fakeDest) MapTypes(columns []models.Column, sourceType string) []models.DestColumn {
	out := make([]models.DestColumn, len(columns))
	for i, c := range columns {
		out[i] = models.DestColumn{Name: c.Name, Type: "text", Nullable: c.Nullable}
	}
	return out
}

func (d *fakeDest) CreateTable(ctx context.Context, name string, columns []models.DestColumn, primaryKey []string) error {
	return d.createTableErr
}

func (d *fakeDest) EvolveSchema(ctx context.Context, name string, missingColumns []models.DestColumn) error {
	d.evolveCalls = append(d.evolveCalls, name)
	return nil
}

func (d *fakeDest) WriteData(ctx context.Context, name string, batch models.RowBatch, primaryKey []string) error {
	d.writeCalls = append(d.writeCalls, name)
	if err, ok := d.writeErr[name]; ok {
		return err
	}
	return nil
}

func (d *fakeDest) WidestStringType() string { return "text" }

func (d *fakeDest) CreateIndexes(ctx context.Context, table string, indexes []models.Index) error {
	return nil
}

func (d *fakeDest) CreateUniqueConstraints(ctx context.Context, table string, constraints []models.UniqueConstraint) error {
	return nil
}

func (d *fakeDest) CreateForeignKeys(ctx context.Context, table string, foreignKeys []models.ForeignKey) error {
	d.foreignKeyCalls = append(d.foreignKeyCalls, table)
	d.writesBeforeFKs = append(d.writesBeforeFKs, len(d.writeCalls))
	return d.createForeignKeyErr
}

func newEngine(t *testing.T, src source.Adapter, dst destination.Adapter, srcKey, dstKey string) *Engine {
	t.Helper()
	sources := source.NewRegistry()
	sources.Register(srcKey, source.FactoryFunc(func(cfg map[string]interface{}) (source.Adapter, error) {
		return src, nil
	}))
	dests := destination.NewRegistry()
	dests.Register(dstKey, destination.FactoryFunc(func(cfg map[string]interface{}) (destination.Adapter, error) {
		return dst, nil
	}))
	return NewEngine(sources, dests)
}

func TestRunRejectsSameSourceAndDest(t *testing.T) {
	src := &fakeSource{key: "postgres"}
	dst := &fakeDest{key: "postgres"}
	e := newEngine(t, src, dst, "postgres", "postgres")

	_, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "postgres"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSameSourceAndDest)
}

func TestRunRejectsUnregisteredKey(t *testing.T) {
	src := &fakeSource{key: "postgres"}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "postgres", "mysql")

	_, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "not-registered"})
	require.Error(t, err)
}

func TestRunCreatesForeignKeysAfterAllTablesLoaded(t *testing.T) {
	src := &fakeSource{
		key:    "postgres",
		tables: []string{"orders", "customers"},
		schemas: map[string]models.TableDescriptor{
			"orders":    {Name: "orders", Columns: []models.Column{{Name: "id"}}, PrimaryKey: []string{"id"}},
			"customers": {Name: "customers", Columns: []models.Column{{Name: "id"}}, PrimaryKey: []string{"id"}},
		},
		batches: map[string][]models.RowBatch{
			"orders":    {{Rows: []models.Row{{"id": 1}}}},
			"customers": {{Rows: []models.Row{{"id": 1}}}},
		},
		foreignKeys: map[string][]models.ForeignKey{
			"orders": {{Name: "fk_customer", Columns: []string{"customer_id"}, RefTable: "customers", RefColumns: []string{"id"}}},
		},
	}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "postgres", "mysql")

	result, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "mysql"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TotalTables)

	// Foreign keys are only created once both tables have finished loading,
	// i.e. after the per-table loop, never interleaved with it.
	require.Len(t, dst.foreignKeyCalls, 1)
	assert.Equal(t, "orders", dst.foreignKeyCalls[0])
	assert.Equal(t, []string{"orders", "customers"}, dst.writeCalls)
	assert.Equal(t, []int{2}, dst.writesBeforeFKs)
}

func TestRunRecordsForeignKeyFailureInErrorsButStillCountsTablesMigrated(t *testing.T) {
	src := &fakeSource{
		key:    "postgres",
		tables: []string{"orders"},
		schemas: map[string]models.TableDescriptor{
			"orders": {Name: "orders", Columns: []models.Column{{Name: "id"}}, PrimaryKey: []string{"id"}},
		},
		batches: map[string][]models.RowBatch{
			"orders": {{Rows: []models.Row{{"id": 1}}}},
		},
		foreignKeys: map[string][]models.ForeignKey{
			"orders": {{Name: "fk_customer", Columns: []string{"customer_id"}, RefTable: "customers", RefColumns: []string{"id"}}},
		},
	}
	dst := &fakeDest{key: "mysql", createForeignKeyErr: errors.New("constraint violation")}
	e := newEngine(t, src, dst, "postgres", "mysql")

	result, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "mysql"})
	require.NoError(t, err)
	// §4.2.3.h: a failed post-load constraint never un-counts a table that
	// already finished streaming its rows.
	require.Len(t, result.TablesMigrated, 1)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "createForeignKeys")
	assert.Contains(t, result.Errors[0], "constraint violation")
}

func TestRunRetriesFailedTableUpToK(t *testing.T) {
	src := &fakeSource{
		key:    "postgres",
		tables: []string{"widgets"},
		schemas: map[string]models.TableDescriptor{
			"widgets": {Name: "widgets", Columns: []models.Column{{Name: "id"}}},
		},
		batches: map[string][]models.RowBatch{
			"widgets": {{Rows: []models.Row{{"id": 1}}}},
		},
		// Fail the first two ReadData calls (attempts 0 and 1), succeed on
		// the third (attempt 2), matching maxTableRetries == 2.
		failAttempts: map[string]int{"widgets": 2},
	}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "postgres", "mysql")

	result, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "mysql"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.TablesMigrated, 1)
	assert.Empty(t, result.TablesFailed)
}

func TestRunGivesUpAfterKRetries(t *testing.T) {
	src := &fakeSource{
		key:    "postgres",
		tables: []string{"widgets"},
		schemas: map[string]models.TableDescriptor{
			"widgets": {Name: "widgets", Columns: []models.Column{{Name: "id"}}},
		},
		batches:      map[string][]models.RowBatch{"widgets": {{Rows: []models.Row{{"id": 1}}}}},
		failAttempts: map[string]int{"widgets": 3}, // exceeds maxTableRetries==2
	}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "postgres", "mysql")

	result, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "mysql"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Empty(t, result.TablesMigrated)
	require.Len(t, result.TablesFailed, 1)
	assert.Equal(t, "widgets", result.TablesFailed[0].Table)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "widgets")
}

func TestBatchSizeBySourceFamily(t *testing.T) {
	assert.Equal(t, apiBatchSize, batchSizeFor("crm_api"))
	assert.Equal(t, apiBatchSize, batchSizeFor("devops_api"))
	assert.Equal(t, relationalBatchSize, batchSizeFor("postgres"))
	assert.Equal(t, relationalBatchSize, batchSizeFor("mysql"))
	assert.NotEqual(t, apiBatchSize, relationalBatchSize)
}

func TestMissingColumnsDetectsNewKeysOnce(t *testing.T) {
	live := map[string]bool{"id": true}
	batch := models.RowBatch{Rows: []models.Row{
		{"id": 1, "extra": "a"},
		{"id": 2, "extra": "b", "another": "c"},
	}}

	missing := missingColumns(batch, live, "text")
	require.Len(t, missing, 2)
	assert.Equal(t, "extra", missing[0].Name)
	assert.Equal(t, "another", missing[1].Name)
	assert.True(t, missing[0].Nullable)
	assert.Equal(t, "text", missing[0].Type)
}

func TestRunEvolvesSchemaWhenBatchHasNewColumn(t *testing.T) {
	src := &fakeSource{
		key:    "crm_api",
		tables: []string{"contacts"},
		schemas: map[string]models.TableDescriptor{
			"contacts": {Name: "contacts", Columns: []models.Column{{Name: "id"}}},
		},
		batches: map[string][]models.RowBatch{
			"contacts": {{Rows: []models.Row{{"id": 1, "nickname": "bob"}}}},
		},
	}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "crm_api", "mysql")

	result, err := e.Run(context.Background(), Request{SourceKey: "crm_api", DestKey: "mysql"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"contacts"}, dst.evolveCalls)
}

func TestRunAbortsOnListTablesFailure(t *testing.T) {
	src := &fakeSource{key: "postgres", listTablesErr: errors.New("connection reset")}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "postgres", "mysql")

	_, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "mysql"})
	require.Error(t, err)
}

func TestRunRecordsTelemetryForEachTable(t *testing.T) {
	src := &fakeSource{
		key:    "postgres",
		tables: []string{"widgets"},
		schemas: map[string]models.TableDescriptor{
			"widgets": {Name: "widgets", Columns: []models.Column{{Name: "id"}}},
		},
		batches: map[string][]models.RowBatch{"widgets": {{Rows: []models.Row{{"id": 1}}}}},
	}
	dst := &fakeDest{key: "mysql"}
	e := newEngine(t, src, dst, "postgres", "mysql")

	mgr, err := telemetry.New("migrator-pipeline-test")
	require.NoError(t, err)
	e.WithTelemetry(mgr)

	result, err := e.Run(context.Background(), Request{SourceKey: "postgres", DestKey: "mysql"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}
