package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petsync/internal/config"
	"petsync/internal/store"
)

func testOp() *store.QueuedOperation {
	return &store.QueuedOperation{
		ID:        "op-1",
		Type:      store.Update,
		Table:     "pets",
		Key:       "p1",
		Data:      []byte(`{"health":85}`),
		Timestamp: time.Now(),
	}
}

func TestPushSuccess(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tables/pets/ops", r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotID, _ = req["id"].(string)

		json.NewEncoder(w).Encode(Ack{
			Value:     map[string]any{"health": 85.0},
			Timestamp: time.Now(),
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(config.RemoteConfig{BaseURL: srv.URL, AuthToken: "token-1", Timeout: "2s"})
	ack, err := c.Push(context.Background(), "pets", testOp())
	require.NoError(t, err)
	assert.Equal(t, 85.0, ack.Value["health"])
	assert.Equal(t, "op-1", gotID, "the stable operation ID reaches the server for dedup")
}

func TestPushValidationFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "health out of range", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.RemoteConfig{BaseURL: srv.URL, Timeout: "2s"})
	_, err := c.Push(context.Background(), "pets", testOp())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

func TestPushServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.RemoteConfig{BaseURL: srv.URL, Timeout: "2s"})
	_, err := c.Push(context.Background(), "pets", testOp())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestPushConnectionRefusedIsTransient(t *testing.T) {
	c := NewHTTPClient(config.RemoteConfig{BaseURL: "http://127.0.0.1:1", Timeout: "500ms"})
	_, err := c.Push(context.Background(), "pets", testOp())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tables/pets/items/p1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"health": 85.0})
	}))
	defer srv.Close()

	c := NewHTTPClient(config.RemoteConfig{BaseURL: srv.URL, Timeout: "2s"})
	value, err := c.Fetch(context.Background(), "pets", "p1")
	require.NoError(t, err)
	assert.Equal(t, 85.0, value["health"])
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such pet", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.RemoteConfig{BaseURL: srv.URL, Timeout: "2s"})
	_, err := c.Fetch(context.Background(), "pets", "p1")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
