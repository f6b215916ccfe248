package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahama1970/cc-executor/internal/common/config"
	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/internal/executor/hooks"
	"github.com/grahama1970/cc-executor/internal/executor/session"
)

func newTestSidecar(t *testing.T) (*Server, *session.Registry) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", HealthPort: 0},
		Executor: config.ExecutorConfig{
			MaxSessions:    10,
			SessionTimeout: 3600,
			MaxBufferBytes: 1024 * 1024,
			MaxBufferLines: 10000,
		},
	}
	registry := session.NewRegistry(cfg.Executor.MaxSessions, log)
	hookRunner := hooks.NewRunner(nil, 2, time.Second)
	return New(cfg, registry, hookRunner, log), registry
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestSidecar(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
	assert.Equal(t, float64(10), body["max_sessions"])
}

func TestHealthReflectsActiveSessions(t *testing.T) {
	server, registry := newTestSidecar(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	_, err := registry.Register(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["active_sessions"])
}

func TestCapabilitiesEndpoint(t *testing.T) {
	server, _ := newTestSidecar(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["hooks_enabled"])
	assert.Equal(t, float64(1024*1024), body["max_buffer_bytes"])
}
