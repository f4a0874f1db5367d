// Package devopsadapter implements a DevOps-style work-item API Source
// Adapter (§4.1): personal-access-token protected, paginated, with
// client-side incremental filtering against each work item's ChangedDate
// (this API's list endpoint has no modified-since filter, unlike the CRM
// adapter's server-side one — see DESIGN.md's Open Question decision).
// JSON decoding and retry/backoff idioms mirror pkg/source/crmadapter.
package devopsadapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/source"
	"github.com/cohenjo/migrator/pkg/source/apiretry"
)

const SourceType = "devops_api"

const pageSize = 100

// Adapter is a DevOps-style work-item API Source Adapter. Each "table" is
// a work-item type (e.g. "bug", "task", "user_story").
type Adapter struct {
	baseURL   string
	pat       string
	workTypes []string

	mu         sync.Mutex
	httpClient *http.Client
}

// New constructs an Adapter. Expected config keys: "base_url" (required),
// "personal_access_token" (required), "work_item_types" ([]interface{}
// of type names, required).
func New(cfg map[string]interface{}) (source.Adapter, error) {
	baseURL, _ := cfg["base_url"].(string)
	pat, _ := cfg["personal_access_token"].(string)
	if baseURL == "" || pat == "" {
		return nil, models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "base_url and personal_access_token are required", nil)
	}
	typesRaw, _ := cfg["work_item_types"].([]interface{})
	types := make([]string, 0, len(typesRaw))
	for _, t := range typesRaw {
		if s, ok := t.(string); ok {
			types = append(types, s)
		}
	}
	if len(types) == 0 {
		return nil, models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "work_item_types is required", nil)
	}
	return &Adapter{baseURL: baseURL, pat: pat, workTypes: types}, nil
}

func (a *Adapter) SourceKey() string { return SourceType }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.httpClient != nil {
		return nil
	}
	a.httpClient = &http.Client{Timeout: 30 * time.Second}
	// Probe the API with the configured PAT to fail connect() fast on bad
	// credentials rather than at the first page fetch.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/workitemtypes", nil)
	if err != nil {
		return models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "build probe request failed", err)
	}
	a.authorize(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "probe request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return models.NewAdapterError(models.ErrKindAuth, SourceType, "connect", "", "personal access token rejected", nil)
	}
	log.Info().Str("adapter", SourceType).Str("base_url", a.baseURL).Msg("connected")
	return nil
}

func (a *Adapter) authorize(req *http.Request) {
	token := base64.StdEncoding.EncodeToString([]byte(":" + a.pat))
	req.Header.Set("Authorization", "Basic "+token)
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.httpClient = nil
	return nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	return a.workTypes, nil
}

type workItem struct {
	ID          int                    `json:"id"`
	ChangedDate string                 `json:"changed_date"`
	Fields      map[string]interface{} `json:"fields"`
}

type workItemPage struct {
	Items      []workItem `json:"items"`
	ContinueAt int        `json:"continuation_token"`
}

var errNonRetryable = errors.New("non-retryable status")

func (a *Adapter) fetchPage(ctx context.Context, workType string, skip int) (workItemPage, error) {
	var page workItemPage
	u := fmt.Sprintf("%s/api/workitems?type=%s&top=%d&skip=%d", a.baseURL, workType, pageSize, skip)
	err := apiretry.Do(ctx, "devops.fetchPage", func(err error) bool { return err != nil && !errors.Is(err, errNonRetryable) }, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		a.authorize(req)
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("transient status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w %d", errNonRetryable, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		page = workItemPage{}
		return ffjson.Unmarshal(bytes.TrimSpace(body), &page)
	})
	return page, err
}

// GetSchema probes the first page and unions field.s observed there, same
// dynamic-schema strategy as crmadapter.
func (a *Adapter) GetSchema(ctx context.Context, table string) (models.TableDescriptor, error) {
	page, err := a.fetchPage(ctx, table, 0)
	if err != nil {
		return models.TableDescriptor{}, models.NewAdapterError(models.ErrKindSchema, SourceType, "getSchema", table, "probe page failed", err)
	}
	seen := map[string]bool{"id": true, "changed_date": true}
	desc := models.TableDescriptor{
		Name:       table,
		PrimaryKey: []string{"id"},
		Columns: []models.Column{
			{Name: "id", SourceType: "number", Nullable: false},
			{Name: "changed_date", SourceType: "string", Nullable: false},
		},
	}
	for _, item := range page.Items {
		for k, v := range item.Fields {
			if seen[k] {
				continue
			}
			seen[k] = true
			desc.Columns = append(desc.Columns, models.Column{Name: k, SourceType: fieldType(v), Nullable: true})
		}
	}
	return desc, nil
}

func fieldType(v interface{}) string {
	switch v.(type) {
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}, []interface{}:
		return "json"
	default:
		return "string"
	}
}

func (a *Adapter) GetForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	return nil, nil
}

func (a *Adapter) GetUniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error) {
	return nil, nil
}

func (a *Adapter) GetIndexes(ctx context.Context, table string) ([]models.Index, error) {
	return nil, nil
}

func (a *Adapter) ReadData(ctx context.Context, table string, batchSize int) (source.BatchStream, error) {
	if batchSize <= 0 || batchSize > pageSize {
		batchSize = pageSize
	}
	return &devopsStream{adapter: a, table: table}, nil
}

func (a *Adapter) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.BatchStream, error) {
	if batchSize <= 0 || batchSize > pageSize {
		batchSize = pageSize
	}
	return &devopsStream{adapter: a, table: table, since: &since}, nil
}

// devopsStream pages through a work-item type; since is applied client-side
// against each item's ChangedDate, since this API's list endpoint has no
// modified-since query parameter.
type devopsStream struct {
	adapter *Adapter
	table   string
	since   *time.Time
	skip    int
	done    bool
}

func (s *devopsStream) Next(ctx context.Context) (models.RowBatch, bool, error) {
	for {
		if s.done {
			return models.RowBatch{}, false, nil
		}
		page, err := s.adapter.fetchPage(ctx, s.table, s.skip)
		if err != nil {
			return models.RowBatch{}, false, models.NewAdapterError(models.ErrKindRead, SourceType, "readData", s.table, "page fetch failed", err)
		}
		s.skip += len(page.Items)
		if len(page.Items) < pageSize {
			s.done = true
		}

		var batch models.RowBatch
		for _, item := range page.Items {
			if s.since != nil {
				changed, err := time.Parse(time.RFC3339, item.ChangedDate)
				if err == nil && !changed.After(*s.since) {
					continue
				}
			}
			row := models.Row{"id": item.ID, "changed_date": item.ChangedDate}
			for k, v := range item.Fields {
				row[k] = v
			}
			batch.Rows = append(batch.Rows, row)
		}

		if len(batch.Rows) > 0 {
			return batch, true, nil
		}
		if s.done {
			return models.RowBatch{}, false, nil
		}
		// This page produced nothing after client-side filtering; loop to
		// the next page rather than returning a spurious empty-but-ok batch.
	}
}

func (s *devopsStream) Close() error { return nil }
