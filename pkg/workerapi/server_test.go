package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/migrator/pkg/destination"
	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/pipeline"
	"github.com/cohenjo/migrator/pkg/source"
)

type stubSource struct {
	key           string
	tables        []string
	connectErr    error
}

func (s *stubSource) Connect(ctx context.Context) error   { return s.connectErr }
func (s *stubSource) Disconnect(ctx context.Context) error { return nil }
func (s *stubSource) SourceKey() string                    { return s.key }
func (s *stubSource) ListTables(ctx context.Context) ([]string, error) { return s.tables, nil }
func (s *stubSource) GetSchema(ctx context.Context, table string) (models.TableDescriptor, error) {
	return models.TableDescriptor{Name: table, Columns: []models.Column{{Name: "id"}}}, nil
}
func (s *stubSource) GetForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	return nil, nil
}
func (s *stubSource) GetUniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error) {
	return nil, nil
}
func (s *stubSource) GetIndexes(ctx context.Context, table string) ([]models.Index, error) {
	return nil, nil
}
func (s *stubSource) ReadData(ctx context.Context, table string, batchSize int) (source.BatchStream, error) {
	return &stubStream{batch: models.RowBatch{Rows: []models.Row{{"id": 1}}}}, nil
}
func (s *stubSource) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.BatchStream, error) {
	return s.ReadData(ctx, table, batchSize)
}

type stubStream struct {
	batch models.RowBatch
	done  bool
}

func (s *stubStream) Next(ctx context.Context) (models.RowBatch, bool, error) {
	if s.done {
		return models.RowBatch{}, false, nil
	}
	s.done = true
	return s.batch, true, nil
}
func (s *stubStream) Close() error { return nil }

type stubDest struct {
	key        string
	connectErr error
}

func (d *stubDest) Connect(ctx context.Context, sourceType string) error { return d.connectErr }
func (d *stubDest) Disconnect(ctx context.Context) error                 { return nil }
func (d *stubDest) DestinationKey() string                               { return d.key }
func (d *stubDest) MapTypes(columns []models.Column, sourceType string) []models.DestColumn {
	out := make([]models.DestColumn, len(columns))
	for i, c := range columns {
		out[i] = models.DestColumn{Name: c.Name, Type: "text"}
	}
	return out
}
func (d *stubDest) CreateTable(ctx context.Context, name string, columns []models.DestColumn, primaryKey []string) error {
	return nil
}
func (d *stubDest) EvolveSchema(ctx context.Context, name string, missingColumns []models.DestColumn) error {
	return nil
}
func (d *stubDest) WriteData(ctx context.Context, name string, batch models.RowBatch, primaryKey []string) error {
	return nil
}
func (d *stubDest) WidestStringType() string { return "text" }
func (d *stubDest) CreateIndexes(ctx context.Context, table string, indexes []models.Index) error {
	return nil
}
func (d *stubDest) CreateUniqueConstraints(ctx context.Context, table string, constraints []models.UniqueConstraint) error {
	return nil
}
func (d *stubDest) CreateForeignKeys(ctx context.Context, table string, foreignKeys []models.ForeignKey) error {
	return nil
}

func newTestServer() (*Server, *source.Registry, *destination.Registry) {
	sources := source.NewRegistry()
	sources.Register("postgres", source.FactoryFunc(func(cfg map[string]interface{}) (source.Adapter, error) {
		return &stubSource{key: "postgres", tables: []string{"widgets"}}, nil
	}))
	dests := destination.NewRegistry()
	dests.Register("mysql", destination.FactoryFunc(func(cfg map[string]interface{}) (destination.Adapter, error) {
		return &stubDest{key: "mysql"}, nil
	}))
	engine := pipeline.NewEngine(sources, dests)
	return NewServer(engine, sources, dests, 5*time.Second), sources, dests
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Contains(t, resp.Sources, "postgres")
	assert.Contains(t, resp.Destinations, "mysql")
}

func TestHandleHealthRejectsNonGet(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleMigrateSuccess(t *testing.T) {
	s, _, _ := newTestServer()
	body, err := json.Marshal(migrateRequest{
		SourceType:    "postgres",
		DestType:      "mysql",
		OperationType: models.OperationTypeFull,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/migrate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var result models.MigrationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalTables)
}

func TestHandleMigratePreflightFailureReturns500(t *testing.T) {
	s, _, _ := newTestServer()
	body, err := json.Marshal(migrateRequest{
		SourceType: "postgres",
		DestType:   "postgres", // same as source: rejected before any adapter call
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/migrate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var result models.MigrationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Errors)
}

func TestHandleTestConnectionSource(t *testing.T) {
	s, _, _ := newTestServer()
	body, err := json.Marshal(testConnectionRequest{Type: "source", AdapterType: "postgres"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/test-connection", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp testConnectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleTestConnectionUnknownAdapterType(t *testing.T) {
	s, _, _ := newTestServer()
	body, err := json.Marshal(testConnectionRequest{Type: "source", AdapterType: "does-not-exist"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/test-connection", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp testConnectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleTestConnectionInvalidType(t *testing.T) {
	s, _, _ := newTestServer()
	body, err := json.Marshal(testConnectionRequest{Type: "bogus"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/test-connection", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
