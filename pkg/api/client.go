// Package api binds the loader to the platform's HTTP API.
//
// Only the point-in-time reads the engine needs are implemented: last
// known tag values, record fields, and tag metadata.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/livetag/livetag-go/pkg/bootstrap"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/wire"
)

// Request paths relative to the base URL.
const (
	PathLatest = "core/data/latest"
	PathTags   = "core/t/tags"
)

// Header names.
const (
	HeaderProject        = "x-request-project"
	HeaderMethodOverride = "X-Forwarded-Method-Override"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 30 * time.Second

// recordLimit is the page size requested for record reads.
const recordLimit = 99999

// ErrNoBaseURL is returned when the client has no base URL.
var ErrNoBaseURL = errors.New("api: base URL not set")

// TokenSource supplies the session token and project.
type TokenSource interface {
	Token() string
	Project() string
}

// StaticTokens is a fixed TokenSource.
type StaticTokens struct {
	AccessToken string
	ProjectID   string
}

// Token implements TokenSource.
func (s StaticTokens) Token() string { return s.AccessToken }

// Project implements TokenSource.
func (s StaticTokens) Project() string { return s.ProjectID }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNow sets the time source used when a record carries no timestamp.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client calls the platform API. It implements bootstrap.Fetcher and
// bootstrap.MetaFetcher.
type Client struct {
	base   *url.URL
	tokens TokenSource
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a client for baseURL, e.g. https://host/rest/.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	c := &Client{
		base:   u,
		tokens: tokens,
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c, nil
}

type latestRequest struct {
	TableID string `json:"tableId"`
	DataID  string `json:"dataId"`
	TagID   string `json:"tagId"`
}

type latestItem struct {
	TableID     string `json:"tableId"`
	TableDataID string `json:"tableDataId"`
	ID          string `json:"id"`
	TagID       string `json:"tagId"`
	Time        any    `json:"time"`
	Value       any    `json:"value"`
}

// FetchLatest returns last known values. Tag keys are read in one request;
// record keys with one request per table.
func (c *Client) FetchLatest(ctx context.Context, keys []key.Key) ([]bootstrap.Sample, error) {
	var tags []key.Key
	records := make(map[string][]key.Key)
	for _, k := range keys {
		if k.Kind == key.KindTag {
			tags = append(tags, k)
		} else {
			records[k.Table] = append(records[k.Table], k)
		}
	}

	var out []bootstrap.Sample
	var errs []error
	if len(tags) > 0 {
		s, err := c.fetchTags(ctx, tags)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, s...)
	}
	for _, table := range sortedTables(records) {
		s, err := c.fetchRecords(ctx, table, records[table])
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, s...)
	}
	return out, errors.Join(errs...)
}

func (c *Client) fetchTags(ctx context.Context, keys []key.Key) ([]bootstrap.Sample, error) {
	body := make([]latestRequest, len(keys))
	for i, k := range keys {
		body[i] = latestRequest{TableID: k.Table, DataID: k.Record, TagID: k.Field}
	}

	var items []latestItem
	if err := c.do(ctx, http.MethodPost, PathLatest, nil, nil, body, &items); err != nil {
		return nil, err
	}

	out := make([]bootstrap.Sample, 0, len(items))
	for _, it := range items {
		record := it.TableDataID
		if record == "" {
			record = it.ID
		}
		smp := bootstrap.Sample{Key: key.Tag(it.TableID, record, it.TagID), Value: wire.Normalize(it.Value)}
		if it.Time != nil {
			ts, err := wire.ParseTimestamp(it.Time)
			if err != nil {
				c.logger.Debug("skipping sample with bad time", "key", smp.Key.String(), "error", err)
				continue
			}
			smp.ObservedAt = ts.Time
		}
		out = append(out, smp)
	}
	return out, nil
}

type recordQuery struct {
	Limit   int            `json:"limit"`
	Project map[string]int `json:"project,omitempty"`
	Filter  map[string]any `json:"filter"`
}

func (c *Client) fetchRecords(ctx context.Context, table string, keys []key.Key) ([]bootstrap.Sample, error) {
	project := map[string]int{"_settings": 1}
	whole := false
	ids := make(map[string]struct{})
	for _, k := range keys {
		ids[k.Record] = struct{}{}
		if k.Field == "" {
			whole = true
			continue
		}
		project[k.TopField()] = 1
	}
	// A whole-record key needs every field of the row.
	if whole {
		project = nil
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	sort.Strings(idList)

	q, err := json.Marshal(recordQuery{
		Limit:   recordLimit,
		Project: project,
		Filter:  map[string]any{"id": map[string]any{"$in": idList}},
	})
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	path := "core/t/" + url.PathEscape(table) + "/d"
	if err := c.do(ctx, http.MethodGet, path, url.Values{"query": {string(q)}}, nil, nil, &rows); err != nil {
		return nil, err
	}

	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		row = wire.Normalize(row).(map[string]any)
		if id, ok := row["id"].(string); ok {
			byID[id] = row
		}
	}

	fetchedAt := c.now()
	out := make([]bootstrap.Sample, 0, len(keys))
	for _, k := range keys {
		row, ok := byID[k.Record]
		if !ok {
			continue
		}
		observed := fetchedAt
		if raw, ok := row["modifyTime"]; ok {
			if ts, err := wire.ParseTimestamp(raw); err == nil {
				observed = ts.Time
			}
		}
		if k.Field == "" {
			out = append(out, bootstrap.Sample{Key: k, Value: row, ObservedAt: observed})
			continue
		}
		v, ok := wire.Lookup(row, k.Path())
		if !ok {
			continue
		}
		out = append(out, bootstrap.Sample{Key: k, Value: v, ObservedAt: observed})
	}
	return out, nil
}

type tagsRequest struct {
	TableID string   `json:"tableId"`
	IDs     []string `json:"ids"`
}

// FetchMeta returns the configuration of each tag key, keyed by composite
// key. Record keys are ignored.
func (c *Client) FetchMeta(ctx context.Context, keys []key.Key) (map[string]map[string]any, error) {
	ids := make(map[string]map[string]struct{})
	for _, k := range keys {
		if k.Kind != key.KindTag {
			continue
		}
		if ids[k.Table] == nil {
			ids[k.Table] = make(map[string]struct{})
		}
		ids[k.Table][k.Record] = struct{}{}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tables := sortedTables(ids)
	body := make([]tagsRequest, len(tables))
	for i, table := range tables {
		list := make([]string, 0, len(ids[table]))
		for id := range ids[table] {
			list = append(list, id)
		}
		sort.Strings(list)
		body[i] = tagsRequest{TableID: table, IDs: list}
	}

	// One element per requested table: record id -> tag configurations.
	var resp []map[string][]map[string]any
	header := http.Header{HeaderMethodOverride: {http.MethodGet}}
	if err := c.do(ctx, http.MethodPost, PathTags, nil, header, body, &resp); err != nil {
		return nil, err
	}

	byFamily := make(map[string]map[string]map[string]any)
	for i, node := range resp {
		if i >= len(body) {
			break
		}
		for record, tags := range node {
			family := key.Family(body[i].TableID, record)
			m := make(map[string]map[string]any, len(tags))
			for _, tag := range tags {
				if id, ok := tag["id"].(string); ok && id != "" {
					m[id] = wire.Normalize(tag).(map[string]any)
				}
			}
			byFamily[family] = m
		}
	}

	out := make(map[string]map[string]any)
	for _, k := range keys {
		if k.Kind != key.KindTag {
			continue
		}
		if m, ok := byFamily[k.Family()][k.Field]; ok {
			out[k.String()] = m
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, in, out any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", tok)
		}
		if p := c.tokens.Project(); p != "" {
			req.Header.Set(HeaderProject, p)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: errorDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api %s %s: decode: %w", method, path, err)
	}
	return nil
}

// errorDetail extracts the "detail" field servers put in error bodies.
func errorDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var v struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &v) == nil && v.Detail != "" {
		return v.Detail
	}
	return strings.TrimSpace(string(data))
}

func sortedTables[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	_ bootstrap.Fetcher     = (*Client)(nil)
	_ bootstrap.MetaFetcher = (*Client)(nil)
)
