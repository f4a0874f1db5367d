package devopsadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, apiURL string, workTypes []string) *Adapter {
	t.Helper()
	types := make([]interface{}, len(workTypes))
	for i, w := range workTypes {
		types[i] = w
	}
	a, err := New(map[string]interface{}{
		"base_url":              apiURL,
		"personal_access_token": "secret-pat",
		"work_item_types":       types,
	})
	require.NoError(t, err)
	adapter, ok := a.(*Adapter)
	require.True(t, ok)
	return adapter
}

func TestNewRequiresBaseURLAndPAT(t *testing.T) {
	_, err := New(map[string]interface{}{})
	require.Error(t, err)

	_, err = New(map[string]interface{}{"base_url": "http://example.com"})
	require.Error(t, err)
}

func TestConnectSendsBasicAuthAndRejectsOnUnauthorized(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, []string{"bug"})
	require.NoError(t, a.Connect(context.Background()))
	assert.Contains(t, gotAuth, "Basic ")

	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorized.Close()
	b := newAdapter(t, unauthorized.URL, []string{"bug"})
	require.Error(t, b.Connect(context.Background()))
}

func TestReadDataStopsWhenPageShortOfPageSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(workItemPage{
			Items: []workItem{{ID: 1, ChangedDate: "2026-01-01T00:00:00Z"}},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, []string{"bug"})
	require.NoError(t, a.Connect(context.Background()))

	stream, err := a.ReadData(context.Background(), "bug", 100)
	require.NoError(t, err)
	defer stream.Close()

	batch, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, batch.Rows, 1)

	_, ok, err = stream.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadIncrementalFiltersClientSideByChangedDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(workItemPage{
			Items: []workItem{
				{ID: 1, ChangedDate: "2025-12-01T00:00:00Z"}, // before watermark: dropped
				{ID: 2, ChangedDate: "2026-02-01T00:00:00Z"}, // after watermark: kept
			},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, []string{"bug"})
	require.NoError(t, a.Connect(context.Background()))

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stream, err := a.ReadIncremental(context.Background(), "bug", since, 100)
	require.NoError(t, err)
	defer stream.Close()

	batch, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, 2, batch.Rows[0]["id"])
}

func TestReadIncrementalSkipsPagesThatFilterToEmptyWithoutEndingStream(t *testing.T) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			// Full page (pageSize items), all stale: filtered to empty, but
			// the stream must not stop here since the page was full.
			items := make([]workItem, pageSize)
			for i := range items {
				items[i] = workItem{ID: i, ChangedDate: "2025-01-01T00:00:00Z"}
			}
			_ = json.NewEncoder(w).Encode(workItemPage{Items: items})
			return
		}
		_ = json.NewEncoder(w).Encode(workItemPage{
			Items: []workItem{{ID: 9999, ChangedDate: "2026-03-01T00:00:00Z"}},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, []string{"bug"})
	require.NoError(t, a.Connect(context.Background()))

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stream, err := a.ReadIncremental(context.Background(), "bug", since, 100)
	require.NoError(t, err)
	defer stream.Close()

	batch, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, 9999, batch.Rows[0]["id"])
	assert.Equal(t, 2, call)
}

func TestGetSchemaUnionsObservedFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(workItemPage{
			Items: []workItem{
				{ID: 1, ChangedDate: "2026-01-01T00:00:00Z", Fields: map[string]interface{}{"priority": float64(1), "blocked": true}},
			},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, []string{"bug"})
	require.NoError(t, a.Connect(context.Background()))

	desc, err := a.GetSchema(context.Background(), "bug")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, desc.PrimaryKey)

	byName := map[string]string{}
	for _, c := range desc.Columns {
		byName[c.Name] = c.SourceType
	}
	assert.Equal(t, "number", byName["id"])
	assert.Equal(t, "string", byName["changed_date"])
	assert.Equal(t, "number", byName["priority"])
	assert.Equal(t, "boolean", byName["blocked"])
}
