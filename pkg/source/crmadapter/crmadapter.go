// Package crmadapter implements a SaaS CRM API Source Adapter (§4.1):
// OAuth2 refresh-token protected, paginated, dynamic per-tenant schema.
// Page decoding uses ffjson (the teacher's direct dep for fast JSON
// decoding, used in pkg/estuary/*.go for record unmarshalling) in place of
// encoding/json on the hot page-decode path; retry/backoff is shared with
// devopsadapter via pkg/source/apiretry.
package crmadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/source"
	"github.com/cohenjo/migrator/pkg/source/apiretry"
)

const SourceType = "crm_api"

// pageSize is the API source's small batch per §4.1/§4.2/P7 ("tens of
// records" / "≤ 100").
const pageSize = 50

// Adapter is a SaaS CRM API Source Adapter. Each "table" is a logical CRM
// resource (e.g. "contacts", "accounts").
type Adapter struct {
	baseURL   string
	resources []string

	tokenSource oauth2.TokenSource
	httpClient  *http.Client

	mu sync.Mutex
}

// New constructs an Adapter. Expected config keys: "base_url" (required),
// "resources" ([]interface{} of resource names, required), "client_id",
// "client_secret", "refresh_token", "token_url" (all required for the
// oauth2 refresh-token flow).
func New(cfg map[string]interface{}) (source.Adapter, error) {
	baseURL, _ := cfg["base_url"].(string)
	if baseURL == "" {
		return nil, models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "base_url is required", nil)
	}
	resourcesRaw, _ := cfg["resources"].([]interface{})
	resources := make([]string, 0, len(resourcesRaw))
	for _, r := range resourcesRaw {
		if s, ok := r.(string); ok {
			resources = append(resources, s)
		}
	}
	clientID, _ := cfg["client_id"].(string)
	clientSecret, _ := cfg["client_secret"].(string)
	refreshToken, _ := cfg["refresh_token"].(string)
	tokenURL, _ := cfg["token_url"].(string)
	if clientID == "" || clientSecret == "" || refreshToken == "" || tokenURL == "" {
		return nil, models.NewAdapterError(models.ErrKindAuth, SourceType, "connect", "", "client_id, client_secret, refresh_token, and token_url are required", nil)
	}
	if len(resources) == 0 {
		return nil, models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "resources is required", nil)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	token := &oauth2.Token{RefreshToken: refreshToken}
	ts := oauthCfg.TokenSource(context.Background(), token)

	return &Adapter{
		baseURL:     baseURL,
		resources:   resources,
		tokenSource: ts,
	}, nil
}

func (a *Adapter) SourceKey() string { return SourceType }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.httpClient != nil {
		return nil
	}
	// Force an immediate token exchange so connect() fails fast on a bad
	// refresh token instead of surfacing at the first page fetch.
	if _, err := a.tokenSource.Token(); err != nil {
		return models.NewAdapterError(models.ErrKindAuth, SourceType, "connect", "", "refresh token exchange failed", err)
	}
	a.httpClient = oauth2.NewClient(ctx, a.tokenSource)
	log.Info().Str("adapter", SourceType).Str("base_url", a.baseURL).Msg("connected")
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.httpClient = nil
	return nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	return a.resources, nil
}

// crmPage is the generic envelope shape assumed for this CRM's list
// endpoints: a "records" array plus a "next_cursor" continuation token.
type crmPage struct {
	Records    []map[string]interface{} `json:"records"`
	NextCursor string                    `json:"next_cursor"`
}

func (a *Adapter) fetchPage(ctx context.Context, resource, cursor string) (crmPage, error) {
	var page crmPage
	u := fmt.Sprintf("%s/api/%s?limit=%d", a.baseURL, resource, pageSize)
	if cursor != "" {
		u += "&cursor=" + url.QueryEscape(cursor)
	}

	err := apiretry.Do(ctx, "crm.fetchPage", isTransientHTTP, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
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
		page = crmPage{}
		return ffjson.Unmarshal(bytes.TrimSpace(body), &page)
	})
	return page, err
}

var errNonRetryable = errors.New("non-retryable status")

func isTransientHTTP(err error) bool {
	return err != nil && !errors.Is(err, errNonRetryable)
}

// GetSchema returns a union of fields observed across one probe page, per
// §4.1's adapter note on dynamic per-tenant schemas.
func (a *Adapter) GetSchema(ctx context.Context, table string) (models.TableDescriptor, error) {
	page, err := a.fetchPage(ctx, table, "")
	if err != nil {
		return models.TableDescriptor{}, models.NewAdapterError(models.ErrKindSchema, SourceType, "getSchema", table, "probe page failed", err)
	}
	seen := map[string]bool{}
	desc := models.TableDescriptor{Name: table}
	for _, rec := range page.Records {
		for k, v := range rec {
			if seen[k] {
				continue
			}
			seen[k] = true
			desc.Columns = append(desc.Columns, models.Column{
				Name:       k,
				SourceType: inferJSONType(v),
				Nullable:   true,
			})
		}
	}
	desc.PrimaryKey = []string{"id"}
	return desc, nil
}

func inferJSONType(v interface{}) string {
	switch v.(type) {
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}, []interface{}:
		return "json"
	case nil:
		return "string"
	default:
		return "string"
	}
}

// GetForeignKeys, GetUniqueConstraints, and GetIndexes are not applicable
// to a logical API resource; each returns an empty, non-fatal result.
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
	return &crmStream{adapter: a, table: table}, nil
}

func (a *Adapter) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.BatchStream, error) {
	if batchSize <= 0 || batchSize > pageSize {
		batchSize = pageSize
	}
	return &crmStream{adapter: a, table: table, since: &since}, nil
}

// crmStream pages through a resource following next_cursor; since filters
// server-side via a modified_since query parameter when set.
type crmStream struct {
	adapter *Adapter
	table   string
	since   *time.Time
	cursor  string
	done    bool
}

func (s *crmStream) Next(ctx context.Context) (models.RowBatch, bool, error) {
	if s.done {
		return models.RowBatch{}, false, nil
	}
	resource := s.table
	u := fmt.Sprintf("%s/api/%s?limit=%d", s.adapter.baseURL, resource, pageSize)
	if s.cursor != "" {
		u += "&cursor=" + url.QueryEscape(s.cursor)
	}
	if s.since != nil {
		u += "&modified_since=" + url.QueryEscape(s.since.UTC().Format(time.RFC3339))
	}

	var page crmPage
	err := apiretry.Do(ctx, "crm.readPage", isTransientHTTP, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := s.adapter.httpClient.Do(req)
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
		page = crmPage{}
		return ffjson.Unmarshal(bytes.TrimSpace(body), &page)
	})
	if err != nil {
		return models.RowBatch{}, false, models.NewAdapterError(models.ErrKindRead, SourceType, "readData", s.table, "page fetch failed", err)
	}

	var batch models.RowBatch
	for _, rec := range page.Records {
		batch.Rows = append(batch.Rows, models.Row(rec))
	}
	s.cursor = page.NextCursor
	if s.cursor == "" {
		s.done = true
	}
	if len(batch.Rows) == 0 {
		return models.RowBatch{}, false, nil
	}
	return batch, true, nil
}

func (s *crmStream) Close() error { return nil }
