package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollout/pkg/types"
)

func statusServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		healthy bool
	}{
		{"ok", http.StatusOK, true},
		{"created", http.StatusCreated, true},
		{"redirect", http.StatusNotModified, true},
		{"server error", http.StatusInternalServerError, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := statusServer(t, tt.code)
			result := NewHTTPChecker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPChecker_StatusRange(t *testing.T) {
	server := statusServer(t, http.StatusServiceUnavailable)
	result := NewHTTPChecker(server.URL).WithStatusRange(200, 599).Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestHTTPChecker_ContextCancellation(t *testing.T) {
	server := statusServer(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	require.NoError(t, ln.Close())
	result = NewTCPChecker(addr).WithTimeout(100 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestNewChecker(t *testing.T) {
	c, err := NewChecker(&types.HealthCheck{Type: types.HealthCheckHTTP, Endpoint: "http://localhost:8080/healthz"})
	require.NoError(t, err)
	assert.Equal(t, types.HealthCheckHTTP, c.Type())
	assert.Equal(t, DefaultProbeTimeout, c.(*HTTPChecker).Client.Timeout)

	c, err = NewChecker(&types.HealthCheck{Type: types.HealthCheckTCP, Endpoint: "localhost:6379", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.(*TCPChecker).Timeout)

	_, err = NewChecker(&types.HealthCheck{Type: "exec"})
	assert.Error(t, err)

	_, err = NewChecker(nil)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	var s Status
	s.Observe(true, "running")
	s.Observe(false, "state unknown")
	assert.False(t, s.Stable(1))

	s.Observe(true, "running")
	s.Observe(true, "running")
	assert.True(t, s.Stable(2))
	assert.False(t, s.Stable(3))
	assert.Equal(t, 4, s.Attempts)
}
