package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second})
}

func TestLoadSendsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/batches", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req LoadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/jobs/*.sh", req.Pattern)
		_ = json.NewEncoder(w).Encode(Batch{ID: 3, Label: req.Label, Processes: []Process{{Name: "a.sh", Status: "queued"}}})
	})
	b, err := c.Load(context.Background(), LoadRequest{Pattern: "/jobs/*.sh", Label: "grid"})
	require.NoError(t, err)
	assert.Equal(t, 3, b.ID)
	assert.Equal(t, "grid", b.Label)
	require.Len(t, b.Processes, 1)
	assert.Nil(t, b.Processes[0].PID)
}

func TestDeleteEncodesIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "1,4", r.URL.Query().Get("ids"))
		_ = json.NewEncoder(w).Encode(DeleteResult{Deleted: []int{1}, Skipped: []int{4}})
	})
	res, err := c.Delete(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, res.Skipped)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "dispatcher already running"})
	})
	_, err := c.StartDispatcher(context.Background(), DispatcherRequest{Wait: "60s"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "already running")
}

func TestAPIErrorWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := c.StopDispatcher(context.Background())
	require.EqualError(t, err, "HTTP 502")
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DispatcherStatus{})
	})
	assert.True(t, c.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultBaseURL, DefaultConfig().BaseURL)
}
