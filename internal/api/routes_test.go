package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petsync/internal/config"
	"petsync/internal/remote"
	"petsync/internal/store"
	"petsync/internal/sync"
)

// fakeBackend is a minimal remote store over httptest.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ops"):
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			data, _ := req["data"].(map[string]any)
			json.NewEncoder(w).Encode(remote.Ack{Value: data, Timestamp: time.Now()})
		default:
			json.NewEncoder(w).Encode(map[string]any{"health": 85.0})
		}
	}))
}

func newTestHandler(t *testing.T, backendURL string) *Handler {
	t.Helper()
	cfg := &config.Config{
		Remote:  config.RemoteConfig{BaseURL: backendURL, Timeout: "2s"},
		Storage: config.StorageConfig{CacheTTL: "1h"},
		Sync:    config.SyncConfig{SaveAttempts: 1},
		Retry:   config.RetryConfig{BaseDelay: "1ms", MaxDelay: "4ms", MaxRetries: 10},
	}

	manager := sync.NewManager(cfg, store.NewMemoryStore(), remote.NewHTTPClient(cfg.Remote))
	t.Cleanup(manager.Close)

	return NewHandler(manager, cfg.Server)
}

func TestSaveEndpoint(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body := `{"type":"UPDATE","table":"pets","key":"p1","data":{"health":85}}`
	resp, err := http.Post(srv.URL+"/api/v1/save", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result sync.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
}

func TestSaveEndpointRejectsMissingKey(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/save", "application/json",
		strings.NewReader(`{"type":"UPDATE","data":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveEndpointDeferredIsNotAnError(t *testing.T) {
	// Backend unreachable: the mutation queues and the HTTP status is
	// still 200, because deferred is not rejected.
	h := newTestHandler(t, "http://127.0.0.1:1")
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body := `{"type":"UPDATE","table":"pets","key":"p1","data":{"health":85}}`
	resp, err := http.Post(srv.URL+"/api/v1/save", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result sync.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.Success)
	assert.True(t, result.Queued)
}

func TestLoadEndpoint(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/load?table=pets&key=p1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result sync.LoadResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.FromCache)
	assert.Equal(t, 85.0, result.Data["health"])
}

func TestStatusEndpoint(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st sync.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Offline)
}

func TestSyncEndpoint(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats sync.SyncStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, sync.SyncStats{}, stats)
}

func TestCorsHonorsConfiguredOrigins(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	h.cfg.CorsOrigins = []string{"https://game.example.com"}
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "https://game.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://game.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))

	// Unlisted origins get no CORS headers.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCorsDefaultsToAnyOrigin(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAuthMiddleware(t *testing.T) {
	backend := fakeBackend(t)
	defer backend.Close()
	h := newTestHandler(t, backend.URL)
	h.cfg.AuthToken = "secret"
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open.
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
