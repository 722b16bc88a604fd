package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/app"
	"github.com/hyperjump/kioku/internal/graph"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/server"
)

// apiClient talks to a running server. It lets commands work while the server
// holds the database and index locks.
type apiClient struct {
	base string
	http *http.Client
}

var _ server.Service = (*apiClient)(nil)

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError maps a failed response back onto the error kinds.
func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	var kind error
	switch status {
	case http.StatusNotFound:
		kind = models.ErrNotFound
	case http.StatusBadRequest:
		kind = models.ErrValidation
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = models.ErrExternalService
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
	return fmt.Errorf("%w (server returned %d: %s)", kind, status, msg)
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, in, out any, okStatus ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if len(okStatus) == 0 {
		okStatus = []int{http.StatusOK}
	}
	ok := false
	for _, s := range okStatus {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		b, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) Ingest(ctx context.Context, input models.ItemInput) (*models.Item, bool, error) {
	var out struct {
		Item    *models.Item `json:"item"`
		Created bool         `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/items", nil, input, &out, http.StatusOK, http.StatusCreated)
	return out.Item, out.Created, err
}

func (c *apiClient) process(ctx context.Context, id string, recompute bool) (*models.ProcessResult, error) {
	var q url.Values
	if recompute {
		q = url.Values{"recompute": {"true"}}
	}
	var out models.ProcessResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/items/"+url.PathEscape(id)+"/process", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Process(ctx context.Context, id string) (*models.ProcessResult, error) {
	return c.process(ctx, id, false)
}

func (c *apiClient) Reprocess(ctx context.Context, id string) (*models.ProcessResult, error) {
	return c.process(ctx, id, true)
}

func (c *apiClient) RetryFailed(ctx context.Context) (int, error) {
	var out struct {
		Retried int `json:"retried"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/items/retry", nil, nil, &out, http.StatusAccepted)
	return out.Retried, err
}

func (c *apiClient) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	var out models.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/search", nil, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Explore(ctx context.Context, id string, limit int) (*models.ExploreResponse, error) {
	var out models.ExploreResponse
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/items/"+url.PathEscape(id)+"/neighbors", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/items/"+url.PathEscape(id), nil, nil, nil)
}

func (c *apiClient) UpdateItem(ctx context.Context, id string, edit models.MetadataEdit) (*models.Item, error) {
	var out models.Item
	if err := c.do(ctx, http.MethodPatch, "/api/v1/items/"+url.PathEscape(id), nil, edit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) GetItem(ctx context.Context, id string) (*models.Item, error) {
	var out models.Item
	if err := c.do(ctx, http.MethodGet, "/api/v1/items/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ListItems(ctx context.Context, filter models.ItemFilter) (*models.ItemList, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	for _, t := range filter.Tags {
		q.Add("tag", t)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if !filter.From.IsZero() {
		q.Set("from", filter.From.Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		q.Set("to", filter.To.Format(time.RFC3339))
	}
	var out models.ItemList
	if err := c.do(ctx, http.MethodGet, "/api/v1/items", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Tags(ctx context.Context) ([]models.TagCount, error) {
	var out struct {
		Tags []models.TagCount `json:"tags"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/tags", nil, nil, &out)
	return out.Tags, err
}

func (c *apiClient) Graph(ctx context.Context) (*models.GraphView, error) {
	var out models.GraphView
	if err := c.do(ctx, http.MethodGet, "/api/v1/graph", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) RebuildGraph(ctx context.Context) (graph.Stats, error) {
	var out graph.Stats
	err := c.do(ctx, http.MethodPost, "/api/v1/graph/rebuild", nil, nil, &out)
	return out, err
}

func (c *apiClient) RebuildIndex(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/index/rebuild", nil, nil, nil)
}

func (c *apiClient) Status(ctx context.Context) (*app.Status, error) {
	var out struct {
		Status *app.Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Status, nil
}

func (c *apiClient) watchDirectories(ctx context.Context) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/watch/directories", nil, nil, &out)
	return out.Directories, err
}

func (c *apiClient) addWatchDirectory(ctx context.Context, path string, sync bool) error {
	body := map[string]any{"path": path, "sync": sync}
	return c.do(ctx, http.MethodPost, "/api/v1/watch/directories", nil, body, nil, http.StatusCreated)
}

func (c *apiClient) removeWatchDirectory(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/watch/directories", url.Values{"path": {path}}, nil, nil)
}
