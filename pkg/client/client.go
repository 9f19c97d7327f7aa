// Package client is an HTTP client for the agrosyncd API with retries on
// idempotent calls.
package client

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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/protocol"
	"github.com/silvachamo/agrosync/pkg/retry"
)

// Client talks to one agrosyncd instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Message   string
	Kind      models.ErrorKind
	RequestID string // matches the daemon's log lines
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
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
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", zap.String("url", c.baseURL))
		} else {
			logging.Warn("server is unreachable", zap.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// call performs one request and decodes a JSON answer into out. Only
// idempotent calls are retried.
func (c *Client) call(ctx context.Context, method, path string, body, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	once := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		c.setOnline(true)

		if resp.StatusCode >= 300 {
			apiErr := decodeError(resp)
			if resp.StatusCode >= 500 && resp.StatusCode != http.StatusInsufficientStorage {
				return retry.Retryable(apiErr)
			}
			return apiErr
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var err error
	if idempotent {
		err = retry.Do(ctx, c.retryConfig, once)
	} else {
		err = once()
	}
	var re retry.RetryableError
	if errors.As(err, &re) {
		return re.Err
	}
	return err
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var er protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.Kind = er.Kind
		apiErr.RequestID = er.RequestID
	}
	return apiErr
}

// Status returns connectivity and queue counters.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if err := c.call(ctx, "GET", "/api/v1/status", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetConnectivity reports the host's connectivity to the daemon.
func (c *Client) SetConnectivity(ctx context.Context, online bool) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	req := protocol.ConnectivityRequest{Online: online}
	if err := c.call(ctx, "PUT", "/api/v1/connectivity", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Queue lists pending operations in replay order.
func (c *Client) Queue(ctx context.Context) (*protocol.QueueResponse, error) {
	var out protocol.QueueResponse
	if err := c.call(ctx, "GET", "/api/v1/queue", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Operation returns one queued operation.
func (c *Client) Operation(ctx context.Context, id string) (*models.Operation, error) {
	var out protocol.OperationResponse
	if err := c.call(ctx, "GET", "/api/v1/queue/"+url.PathEscape(id), nil, &out, true); err != nil {
		return nil, err
	}
	return &out.Operation, nil
}

// Enqueue queues a write without attempting it.
func (c *Client) Enqueue(ctx context.Context, req protocol.EnqueueRequest) (*models.Operation, error) {
	var out protocol.OperationResponse
	if err := c.call(ctx, "POST", "/api/v1/queue", req, &out, false); err != nil {
		return nil, err
	}
	return &out.Operation, nil
}

// Submit queues a write and lets the daemon apply it right away when online.
func (c *Client) Submit(ctx context.Context, req protocol.EnqueueRequest) (*protocol.SubmitResponse, error) {
	var out protocol.SubmitResponse
	if err := c.call(ctx, "POST", "/api/v1/writes", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Drain asks the daemon to replay the queue now.
func (c *Client) Drain(ctx context.Context) (*protocol.DrainResponse, error) {
	var out protocol.DrainResponse
	if err := c.call(ctx, "POST", "/api/v1/queue/drain", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry releases an operation flagged for manual resolution.
func (c *Client) Retry(ctx context.Context, id string) (*models.Operation, error) {
	var out protocol.OperationResponse
	if err := c.call(ctx, "POST", "/api/v1/queue/"+url.PathEscape(id)+"/retry", nil, &out, true); err != nil {
		return nil, err
	}
	return &out.Operation, nil
}

// Discard drops a queued operation without replaying it.
func (c *Client) Discard(ctx context.Context, id string) (*models.Operation, error) {
	var out protocol.OperationResponse
	if err := c.call(ctx, "DELETE", "/api/v1/queue/"+url.PathEscape(id), nil, &out, false); err != nil {
		return nil, err
	}
	return &out.Operation, nil
}

// Snapshots lists the labels that have a saved snapshot.
func (c *Client) Snapshots(ctx context.Context) ([]string, error) {
	var out protocol.SnapshotListResponse
	if err := c.call(ctx, "GET", "/api/v1/snapshots", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Labels, nil
}

// Snapshot returns the snapshot saved under label.
func (c *Client) Snapshot(ctx context.Context, label string) (*protocol.SnapshotResponse, error) {
	var out protocol.SnapshotResponse
	if err := c.call(ctx, "GET", "/api/v1/snapshots/"+url.PathEscape(label), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveSnapshot replaces the snapshot saved under label.
func (c *Client) SaveSnapshot(ctx context.Context, label string, records []models.Record) (*protocol.SnapshotResponse, error) {
	var out protocol.SnapshotResponse
	req := protocol.SaveSnapshotRequest{Records: records}
	if err := c.call(ctx, "PUT", "/api/v1/snapshots/"+url.PathEscape(label), req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Records reads table through the daemon's snapshot cache.
func (c *Client) Records(ctx context.Context, table, label string, filters []models.Filter) (*protocol.RecordsResponse, error) {
	q := url.Values{}
	if label != "" {
		q.Set("label", label)
	}
	for _, f := range filters {
		q.Add(f.Column, f.Op+"."+f.Value)
	}
	path := "/api/v1/records/" + url.PathEscape(table)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out protocol.RecordsResponse
	if err := c.call(ctx, "GET", path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}
