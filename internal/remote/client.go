// Package remote provides the HTTP client for the remote tabular store.
// The store is addressed by table name and supports filtered selects,
// idempotent upserts keyed on id, and filtered deletes; every row carries a
// tenant-scoping column enforced by row-level security on the server.
//
// All failures come back as coded AppErrors so callers classify them with a
// total match instead of string inspection.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/projexhq/projex-sync/internal/errors"
	"github.com/projexhq/projex-sync/internal/mapper"
)

// Config holds remote store connection configuration.
type Config struct {
	BaseURL string        // e.g. https://api.example.com/rest/v1
	APIKey  string        // bearer credential, also sent as apikey header
	Timeout time.Duration // per-attempt bound; zero means 30s
}

// Client implements the remote tabular store contract over HTTPS.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a Client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Filters are column -> value equality constraints applied to a request.
type Filters map[string]string

// Select fetches rows from table matching filters. columns selects a
// projection ("" means every column).
func (c *Client) Select(ctx context.Context, table string, filters Filters, columns string) ([]mapper.Row, error) {
	query := url.Values{}
	if columns != "" {
		query.Set("select", columns)
	}
	for _, col := range sortedKeys(filters) {
		query.Set(col, "eq."+filters[col])
	}

	req, err := c.newRequest(ctx, http.MethodGet, table, query, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var rows []mapper.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "decode select response", err)
	}
	return rows, nil
}

// SelectSingle fetches exactly one row, erroring with NOT_FOUND when the
// row does not exist.
func (c *Client) SelectSingle(ctx context.Context, table string, filters Filters, columns string) (mapper.Row, error) {
	rows, err := c.Select(ctx, table, filters, columns)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.ErrNotFound,
			fmt.Sprintf("%s: no row matches filter", table))
	}
	return rows[0], nil
}

// Upsert writes rows into table with insert-or-overwrite semantics keyed
// on id. Re-sending the same rows converges to the same remote state.
func (c *Client) Upsert(ctx context.Context, table string, rows []mapper.Row) error {
	if len(rows) == 0 {
		return nil
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode upsert payload", err)
	}

	query := url.Values{}
	query.Set("on_conflict", "id")

	req, err := c.newRequest(ctx, http.MethodPost, table, query, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates")

	_, err = c.do(req)
	return err
}

// Delete removes rows from table matching filters.
func (c *Client) Delete(ctx context.Context, table string, filters Filters) error {
	if len(filters) == 0 {
		return errors.New(errors.ErrInvalid, "delete requires at least one filter")
	}

	query := url.Values{}
	for _, col := range sortedKeys(filters) {
		query.Set(col, "eq."+filters[col])
	}

	req, err := c.newRequest(ctx, http.MethodDelete, table, query, nil)
	if err != nil {
		return err
	}

	_, err = c.do(req)
	return err
}

// Insert appends rows to table without conflict resolution.
func (c *Client) Insert(ctx context.Context, table string, rows []mapper.Row) error {
	if len(rows) == 0 {
		return nil
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode insert payload", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, table, nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	_, err = c.do(req)
	return err
}

// newRequest builds an authenticated request against a table endpoint.
func (c *Client) newRequest(ctx context.Context, method, table string, query url.Values, body io.Reader) (*http.Request, error) {
	urlStr := strings.TrimRight(c.config.BaseURL, "/") + "/" + table
	if len(query) > 0 {
		urlStr += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "build request", err)
	}

	req.Header.Set("apikey", c.config.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// do executes the request and maps the response onto the error taxonomy.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, errors.Wrap(errors.ErrTimeout, "request cancelled or timed out", err)
		}
		return nil, errors.Wrap(errors.ErrNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "read response body", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	return nil, classifyStatus(resp.StatusCode, body)
}

// storeError is the error envelope the remote store returns.
type storeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyStatus maps an HTTP failure onto the coded taxonomy. The server
// reports row-level-security denials as 403 or as its insufficient
// privilege code (42501).
func classifyStatus(status int, body []byte) error {
	var se storeError
	_ = json.Unmarshal(body, &se)
	detail := se.Message
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	msg := fmt.Sprintf("status %d: %s", status, detail)

	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return errors.New(errors.ErrPermission, msg)
	case se.Code == "42501" || se.Code == "PGRST301":
		return errors.New(errors.ErrPermission, msg)
	case status == http.StatusNotFound || se.Code == "PGRST116":
		return errors.New(errors.ErrNotFound, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || se.Code == "PGRST204":
		// Includes schema mismatches (unknown column); callers log these
		// with elevated detail.
		return errors.New(errors.ErrValidation, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return errors.New(errors.ErrTimeout, msg)
	default:
		return errors.New(errors.ErrNetwork, msg)
	}
}

// Ping verifies the remote store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "", nil, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func sortedKeys(m Filters) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
