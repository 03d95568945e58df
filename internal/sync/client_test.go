package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/internal/queue"
)

func newSyncServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Tokens: auth.StaticToken("tok")})
	require.NoError(t, err)
	return srv, c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestPostActionSuccess(t *testing.T) {
	var gotReq actionRequest
	_, c := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": "v7"})
	})

	res, err := c.PostAction(context.Background(), queue.Action{
		ID:              "a-1",
		Type:            "update_vitals",
		EntityType:      "vitals",
		EntityID:        "patient-1",
		Payload:         json.RawMessage(`{"bp":120}`),
		ExpectedVersion: "v6",
	})
	require.NoError(t, err)
	assert.Equal(t, "v7", res.Version)
	assert.Nil(t, res.Conflict)

	assert.Equal(t, "a-1", gotReq.ID)
	assert.Equal(t, "v6", gotReq.ExpectedVersion)
	assert.JSONEq(t, `{"bp":120}`, string(gotReq.Payload))
}

func TestPostActionConflictIsDataNotError(t *testing.T) {
	_, c := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]json.RawMessage{
			"local":  json.RawMessage(`{"bp":120}`),
			"remote": json.RawMessage(`{"bp":135}`),
		})
	})

	res, err := c.PostAction(context.Background(), queue.Action{
		ID: "a-1", EntityType: "vitals", EntityID: "patient-1",
		Payload: json.RawMessage(`{"bp":120}`), ExpectedVersion: "stale",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.JSONEq(t, `{"bp":120}`, string(res.Conflict.Local))
	assert.JSONEq(t, `{"bp":135}`, string(res.Conflict.Remote))
}

func TestPostActionConflictDefaultsLocalToPayload(t *testing.T) {
	_, c := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"remote":{"bp":135}}`))
	})

	res, err := c.PostAction(context.Background(), queue.Action{
		ID: "a-1", EntityType: "vitals", EntityID: "patient-1",
		Payload: json.RawMessage(`{"bp":120}`), ExpectedVersion: "stale",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.JSONEq(t, `{"bp":120}`, string(res.Conflict.Local))
}

func TestPostActionServerError(t *testing.T) {
	_, c := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	})

	_, err := c.PostAction(context.Background(), queue.Action{
		ID: "a-1", EntityType: "vitals", EntityID: "patient-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestPostResolution(t *testing.T) {
	var gotReq resolutionRequest
	_, c := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conflicts/resolve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]string{"version": "v8"})
	})

	version, err := c.PostResolution(context.Background(), "c-1", "merge", json.RawMessage(`{"bp":128}`))
	require.NoError(t, err)
	assert.Equal(t, "v8", version)
	assert.Equal(t, "c-1", gotReq.ConflictID)
	assert.Equal(t, "merge", gotReq.Strategy)
	assert.JSONEq(t, `{"bp":128}`, string(gotReq.Data))
}

func TestPostResolutionServerError(t *testing.T) {
	_, c := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.PostResolution(context.Background(), "c-1", "local", json.RawMessage(`{}`))
	assert.Error(t, err)
}
