package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8765/api"

// Client provides HTTP client functionality to communicate with the maestro daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a new maestro API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/dispatcher", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Batches lists every batch ordered by id.
func (c *Client) Batches(ctx context.Context) ([]Batch, error) {
	var out []Batch
	err := c.do(ctx, http.MethodGet, "/batches", nil, &out)
	return out, err
}

// Load queues the scripts matching req.Pattern as a new batch.
func (c *Client) Load(ctx context.Context, req LoadRequest) (Batch, error) {
	c.logger.Debug("Loading batch", "pattern", req.Pattern, "label", req.Label)
	var out Batch
	err := c.do(ctx, http.MethodPost, "/batches", req, &out)
	return out, err
}

// Delete removes batches from history.
func (c *Client) Delete(ctx context.Context, ids ...int) (DeleteResult, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	q := url.Values{"ids": {strings.Join(parts, ",")}}
	var out DeleteResult
	err := c.do(ctx, http.MethodDelete, "/batches?"+q.Encode(), nil, &out)
	return out, err
}

// Kill kills one process or a whole batch.
func (c *Client) Kill(ctx context.Context, req KillRequest) ([]KillResult, error) {
	var out []KillResult
	err := c.do(ctx, http.MethodPost, "/kill", req, &out)
	return out, err
}

func (c *Client) StartDispatcher(ctx context.Context, req DispatcherRequest) (DispatcherStatus, error) {
	var out DispatcherStatus
	err := c.do(ctx, http.MethodPost, "/dispatcher/start", req, &out)
	return out, err
}

func (c *Client) StopDispatcher(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/dispatcher/stop", nil, nil)
}

func (c *Client) DispatcherStatus(ctx context.Context) (DispatcherStatus, error) {
	var out DispatcherStatus
	err := c.do(ctx, http.MethodGet, "/dispatcher", nil, &out)
	return out, err
}

// do performs a request with a JSON body (when in is non-nil) and decodes a
// JSON answer into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
