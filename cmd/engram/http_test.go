package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/registry"
	registryinmem "github.com/hyperengineering/engram/registry/store/inmem"
	"github.com/hyperengineering/engram/retrieval/search"
	"github.com/hyperengineering/engram/telemetry"
)

// newTestServer wires the full app on in-memory backends, the same path
// an empty environment takes.
func newTestServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	a, err := buildApp(ctx, Config{}, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.close(context.Background(), telemetry.NewNoopLogger()))
	})
	require.NoError(t, a.indexer.EnsureCollections(ctx))
	return &server{app: a, logger: telemetry.NewNoopLogger()}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestLivenessAndHealth(t *testing.T) {
	h := newTestServer(t).handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/livez", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestIngestRejectsMalformedEvent(t *testing.T) {
	h := newTestServer(t).handler()

	rec := do(t, h, http.MethodPost, "/v1/events", "not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["error"], "malformed_json")
}

func TestSearchValidatesQuery(t *testing.T) {
	h := newTestServer(t).handler()

	rec := do(t, h, http.MethodPost, "/v1/search", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_query")
}

func TestSearchRejectsBadTimeFilter(t *testing.T) {
	h := newTestServer(t).handler()

	rec := do(t, h, http.MethodPost, "/v1/search", `{"query":"x","after":"yesterday"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEmptyIndexAbstains(t *testing.T) {
	h := newTestServer(t).handler()

	rec := do(t, h, http.MethodPost, "/v1/search", `{"query":"what was the session goal"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Results)
	require.True(t, resp.Abstention.ShouldAbstain)
	require.Equal(t, search.ReasonNoResults, resp.Abstention.Reason)
}

func TestVFSRequiresValidSessionID(t *testing.T) {
	h := newTestServer(t).handler()

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/sessions/nope/vfs", "").Code)
}

// A session with no recorded events rehydrates to an empty tree rather
// than an error: before the first event there was nothing.
func TestVFSUnknownSessionIsEmpty(t *testing.T) {
	h := newTestServer(t).handler()

	rec := do(t, h, http.MethodGet, "/v1/sessions/"+uuid.NewString()+"/vfs?list=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.Files)
}

func TestVFSRejectsBadTimestamp(t *testing.T) {
	h := newTestServer(t).handler()

	rec := do(t, h, http.MethodGet, "/v1/sessions/"+uuid.NewString()+"/vfs?at=noon", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireKeyGatesAPIRoutes(t *testing.T) {
	srv := newTestServer(t)
	reg, err := registry.New(registry.Options{Store: registryinmem.New()})
	require.NoError(t, err)
	srv.app.registry = reg
	h := srv.handler()

	// No key.
	rec := do(t, h, http.MethodPost, "/v1/search", `{"query":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	_, key, err := reg.Register(context.Background(), "tester")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"query":"hi"}`))
	r.Header.Set("X-API-Key", key)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
}
