package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/hqsync/hqsync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, handler http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestControlPlaneAuth(t *testing.T) {
	c := newTestClient(t)
	routes := setupRoutes(c, "test-token")

	rec := doRequest(t, routes, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, routes, http.MethodGet, "/v1/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, routes, http.MethodGet, "/v1/status", "test-token")
	assert.Equal(t, http.StatusOK, rec.Code)

	// index is public
	rec = doRequest(t, routes, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlPlaneStatus(t *testing.T) {
	c := newTestClient(t)
	routes := setupRoutes(c, "")

	rec := doRequest(t, routes, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot sync.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, sync.DaemonIdle, snapshot.DaemonState)
	assert.Equal(t, sync.HealthOffline, snapshot.Health)
}

func TestControlPlaneErrors(t *testing.T) {
	c := newTestClient(t)
	routes := setupRoutes(c, "")

	c.StatusAgg().RecordError("daemon", errors.New("upload failed"))

	rec := doRequest(t, routes, http.MethodGet, "/v1/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Errors []sync.RecentError `json:"errors"`
		Count  int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "upload failed", body.Errors[0].Message)

	rec = doRequest(t, routes, http.MethodDelete, "/v1/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, routes, http.MethodGet, "/v1/errors", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
}

func TestControlPlaneTriggerRequiresRunningDaemon(t *testing.T) {
	c := newTestClient(t)
	routes := setupRoutes(c, "")

	// daemon was never started
	rec := doRequest(t, routes, http.MethodPost, "/v1/sync/trigger", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "daemon not running")
}

func TestControlPlaneConflicts(t *testing.T) {
	c := newTestClient(t)
	routes := setupRoutes(c, "")

	c.Conflicts().Add("projects/plan.md")
	c.Conflicts().Add("knowledge/notes.md")

	rec := doRequest(t, routes, http.MethodGet, "/v1/conflicts?prefix=projects/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result sync.ConflictListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "projects/plan.md", result.Conflicts[0].RelPath)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Unresolved)
}
