// Package postgrest talks to a Supabase project through its PostgREST API.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/silvachamo/agrosync/internal/remote"
	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/retry"
)

// Config holds client configuration.
type Config struct {
	URL         string // project URL, e.g. https://xyz.supabase.co
	APIKey      string // anon or service key, sent as apikey
	Token       string // bearer token; defaults to APIKey
	Timeout     time.Duration
	RetryConfig retry.Config
}

// Client implements remote.Store over HTTP.
type Client struct {
	baseURL     string
	apiKey      string
	token       string
	httpClient  *http.Client
	retryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	cfg.RetryConfig.ShouldRetry = remote.Retryable
	if cfg.Token == "" {
		cfg.Token = cfg.APIKey
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *Client) tableURL(table string, query url.Values) string {
	u := c.baseURL + "/rest/v1/" + url.PathEscape(table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, u string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and decodes a JSON array response into out (if non-nil).
func (c *Client) do(req *http.Request, op, table string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.NewError(models.KindTransport, op, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp, op, table)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return remote.NewError(models.KindTransport, op, table, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response, op, table string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ae apiError
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		msg = ae.Message
		if ae.Details != "" {
			msg += ": " + ae.Details
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &remote.Error{Op: op, Table: table, Status: resp.StatusCode, Err: errors.New(msg)}
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = models.KindTransport
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, ae.Code == "42501":
		e.Kind = models.KindAuthorization
	case resp.StatusCode == http.StatusNotFound, ae.Code == "42P01", ae.Code == "PGRST205":
		e.Kind = models.KindNotFound
	default:
		e.Kind = models.KindRejected
	}
	return e
}

func keyFilter(keyColumn string, key any) url.Values {
	return url.Values{keyColumn: []string{"eq." + remote.FormatKey(key)}}
}

// Insert posts one record.
func (c *Client) Insert(ctx context.Context, table string, rec models.Record) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.tableURL(table, nil), rec)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.do(req, "insert", table, nil)
}

// Update patches the row matching key. Zero matched rows is not_found.
func (c *Client) Update(ctx context.Context, table, keyColumn string, key any, patch models.Record) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, c.tableURL(table, keyFilter(keyColumn, key)), patch)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []models.Record
	if err := c.do(req, "update", table, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, remote.NewError(models.KindNotFound, "update", table,
			fmt.Errorf("no row with %s=%s", keyColumn, remote.FormatKey(key)))
	}
	return int64(len(rows)), nil
}

// Delete removes the row matching key. Zero matched rows is not_found.
func (c *Client) Delete(ctx context.Context, table, keyColumn string, key any) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, c.tableURL(table, keyFilter(keyColumn, key)), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []models.Record
	if err := c.do(req, "delete", table, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, remote.NewError(models.KindNotFound, "delete", table,
			fmt.Errorf("no row with %s=%s", keyColumn, remote.FormatKey(key)))
	}
	return int64(len(rows)), nil
}

// Select reads rows matching every filter. Reads are idempotent and are
// retried on transport failures.
func (c *Client) Select(ctx context.Context, table string, filters []models.Filter) ([]models.Record, error) {
	q := url.Values{"select": []string{"*"}}
	for _, f := range filters {
		if _, ok := models.FilterOps[f.Op]; !ok {
			return nil, remote.NewError(models.KindInvalid, "select", table,
				fmt.Errorf("unsupported filter operator %q", f.Op))
		}
		q.Add(f.Column, f.Op+"."+f.Value)
	}

	return retry.DoWithResult(ctx, c.retryConfig, func() ([]models.Record, error) {
		req, err := c.newRequest(ctx, http.MethodGet, c.tableURL(table, q), nil)
		if err != nil {
			return nil, err
		}
		rows := []models.Record{}
		if err := c.do(req, "select", table, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	})
}

// Ping checks that the REST endpoint answers. Any non-5xx answer means the
// service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := c.newRequest(ctx, http.MethodHead, c.baseURL+"/rest/v1/", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return remote.NewError(models.KindTransport, "ping", "", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &remote.Error{Kind: models.KindTransport, Op: "ping", Status: resp.StatusCode,
				Err: errors.New(http.StatusText(resp.StatusCode))}
		}
		return nil
	})
}
