package router

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/config"
	"github.com/rpcfleet/rpc_router/internal/health"
	"github.com/rpcfleet/rpc_router/internal/keystore"
	"github.com/rpcfleet/rpc_router/internal/proxy"
	"github.com/rpcfleet/rpc_router/internal/testhelpers"
)

func newTestRouter(t *testing.T, backends []config.BackendConfig) (http.Handler, *balancer.Balancer, *health.Tracker) {
	t.Helper()

	store := keystore.NewMemoryStore()
	store.Add("good-key", keystore.KeyInfo{Owner: "alice", Active: true})

	bal := balancer.New(backends, nil, rand.New(rand.NewSource(1)))
	urls := make(map[string]string, len(backends))
	for _, b := range backends {
		urls[b.Label] = b.URL
	}
	tracker := health.NewTracker(urls, 3, 2)

	prx := proxy.New(store, bal, &http.Client{}, 5*time.Second, testhelpers.NewTestLogger())
	return New(prx, tracker, bal.Backends(), testhelpers.NewTestLogger()), bal, tracker
}

func TestRouter_HealthEndpoint(t *testing.T) {
	handler, _, tracker := newTestRouter(t, []config.BackendConfig{
		{Label: "a", URL: "http://a.example.com", Weight: 1},
		{Label: "b", URL: "http://b.example.com", Weight: 1},
	})

	tracker.RecordFailure("b", "probe returned status 500")
	tracker.RecordFailure("b", "probe returned status 500")
	tracker.RecordFailure("b", "probe returned status 500")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))

	assert.Equal(t, "healthy", resp.OverallStatus)
	require.Len(t, resp.Backends, 2)
	assert.Equal(t, "a", resp.Backends[0].Label)
	assert.True(t, resp.Backends[0].Healthy)
	assert.Equal(t, "b", resp.Backends[1].Label)
	assert.False(t, resp.Backends[1].Healthy)
	assert.Equal(t, 3, resp.Backends[1].ConsecutiveFailures)
	assert.Equal(t, "probe returned status 500", resp.Backends[1].LastError)
}

func TestRouter_HealthOverallUnhealthy(t *testing.T) {
	handler, _, tracker := newTestRouter(t, []config.BackendConfig{
		{Label: "a", URL: "http://a.example.com", Weight: 1},
	})

	tracker.RecordFailure("a", "down")
	tracker.RecordFailure("a", "down")
	tracker.RecordFailure("a", "down")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	assert.Equal(t, "unhealthy", resp.OverallStatus)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	handler, _, _ := newTestRouter(t, []config.BackendConfig{
		{Label: "a", URL: "http://a.example.com", Weight: 1},
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "go_goroutines")
}

func TestRouter_ProxiesCatchAll(t *testing.T) {
	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	handler, _, _ := newTestRouter(t, []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, `{"result":1}`, recorder.Body.String())
	assert.Equal(t, int64(1), hits.Load())
}

func TestRouter_DiagnosticPathsAreNotProxied(t *testing.T) {
	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	handler, _, _ := newTestRouter(t, []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	})

	for _, path := range []string{"/health", "/metrics"} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, recorder.Code)
	}
	assert.Equal(t, int64(0), hits.Load())
}
