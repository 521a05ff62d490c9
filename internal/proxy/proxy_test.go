package proxy

import (
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/config"
	"github.com/rpcfleet/rpc_router/internal/keystore"
	"github.com/rpcfleet/rpc_router/internal/testhelpers"
)

func newTestProxy(t *testing.T, store keystore.KeyStore, backends []config.BackendConfig, routes map[string]string) (*Proxy, *balancer.Balancer) {
	t.Helper()
	bal := balancer.New(backends, routes, rand.New(rand.NewSource(1)))
	prx := New(store, bal, &http.Client{}, 5*time.Second, testhelpers.NewTestLogger())
	return prx, bal
}

func validStore() *keystore.MemoryStore {
	store := keystore.NewMemoryStore()
	store.Add("good-key", keystore.KeyInfo{Owner: "alice", RateLimitRPS: 0, Active: true})
	return store
}

// serve runs a request through the full middleware chain, as the router
// wires it.
func serve(prx *Proxy, req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	chain := ExtractRPCMethod(AccessLog(testhelpers.NewTestLogger())(prx))
	chain.ServeHTTP(recorder, req)
	return recorder
}

func TestProxy_MissingAPIKey(t *testing.T) {
	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	prx, _ := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	recorder := serve(prx, testhelpers.NewRPCRequest("", "getSlot"))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Missing api-key query parameter")
	assert.Equal(t, int64(0), hits.Load())
}

func TestProxy_UnknownKey(t *testing.T) {
	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	prx, _ := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	recorder := serve(prx, testhelpers.NewRPCRequest("bad-key", "getSlot"))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, int64(0), hits.Load())
}

func TestProxy_InactiveKey(t *testing.T) {
	store := keystore.NewMemoryStore()
	store.Add("dormant", keystore.KeyInfo{Owner: "bob", Active: false})

	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	prx, _ := newTestProxy(t, store, []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	recorder := serve(prx, testhelpers.NewRPCRequest("dormant", "getSlot"))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, int64(0), hits.Load())
}

func TestProxy_RateLimited(t *testing.T) {
	store := keystore.NewMemoryStore()
	store.Add("limited", keystore.KeyInfo{Owner: "alice", RateLimitRPS: 1, Active: true})
	second := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return second })

	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	prx, _ := newTestProxy(t, store, []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	first := serve(prx, testhelpers.NewRPCRequest("limited", "getSlot"))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int64(1), hits.Load())

	second2 := serve(prx, testhelpers.NewRPCRequest("limited", "getSlot"))
	assert.Equal(t, http.StatusTooManyRequests, second2.Code)
	assert.Contains(t, second2.Body.String(), "Rate limit exceeded")
	assert.Equal(t, int64(1), hits.Load(), "rate-limited request must not reach upstream")
}

func TestProxy_StoreError(t *testing.T) {
	store := validStore()
	store.SetFailing(true)

	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	prx, _ := newTestProxy(t, store, []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	recorder := serve(prx, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, int64(0), hits.Load())
}

func TestProxy_SkipsUnhealthyBackend(t *testing.T) {
	upstreamA, hitsA := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":"from-a"}`)
	defer upstreamA.Close()
	upstreamB, hitsB := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":"from-b"}`)
	defer upstreamB.Close()

	prx, bal := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstreamA.URL, Weight: 1},
		{Label: "b", URL: upstreamB.URL, Weight: 1},
	}, nil)
	bal.Lookup("b").SetHealthy(false)

	recorder := serve(prx, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, `{"result":"from-a"}`, recorder.Body.String())
	assert.Equal(t, int64(1), hitsA.Load())
	assert.Equal(t, int64(0), hitsB.Load())
}

func TestProxy_MethodPinFallsBackWhenPinnedUnhealthy(t *testing.T) {
	upstreamA, hitsA := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":"from-a"}`)
	defer upstreamA.Close()
	upstreamB, hitsB := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":"from-b"}`)
	defer upstreamB.Close()

	prx, bal := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstreamA.URL, Weight: 1},
		{Label: "b", URL: upstreamB.URL, Weight: 1},
	}, map[string]string{"getSlot": "a"})
	bal.Lookup("a").SetHealthy(false)

	recorder := serve(prx, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, `{"result":"from-b"}`, recorder.Body.String())
	assert.Equal(t, int64(0), hitsA.Load())
	assert.Equal(t, int64(1), hitsB.Load())
}

func TestProxy_AllBackendsUnhealthy(t *testing.T) {
	upstream, hits := testhelpers.NewRPCUpstream(http.StatusOK, `{"result":1}`)
	defer upstream.Close()

	prx, bal := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
		{Label: "b", URL: upstream.URL, Weight: 1},
	}, nil)
	bal.Lookup("a").SetHealthy(false)
	bal.Lookup("b").SetHealthy(false)

	recorder := serve(prx, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "No healthy backends available")
	assert.Equal(t, int64(0), hits.Load())
}

func TestProxy_UpstreamErrorStatusForwardedVerbatim(t *testing.T) {
	upstream, _ := testhelpers.NewRPCUpstream(http.StatusTeapot, `{"error":"short and stout"}`)
	defer upstream.Close()

	prx, _ := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	recorder := serve(prx, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusTeapot, recorder.Code)
	assert.Equal(t, `{"error":"short and stout"}`, recorder.Body.String())
}

func TestProxy_UnreachableUpstreamIs502(t *testing.T) {
	prx, _ := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: "http://127.0.0.1:1", Weight: 1},
	}, nil)

	recorder := serve(prx, testhelpers.NewRPCRequest("good-key", "getSlot"))

	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Proxy error")
}

func TestProxy_ForwardsBodyAndStripsCredential(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	var gotKeepAliveHeader, gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotKeepAliveHeader = r.Header.Get("Keep-Alive")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	prx, _ := newTestProxy(t, validStore(), []config.BackendConfig{
		{Label: "a", URL: upstream.URL, Weight: 1},
	}, nil)

	req := testhelpers.NewRPCRequest("good-key", "getSlot")
	req.URL.Path = "/sub/path"
	q := req.URL.Query()
	q.Set("commitment", "finalized")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Keep-Alive", "timeout=5")

	recorder := serve(prx, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Equal(t, "/sub/path", gotPath)
	assert.Contains(t, gotBody, `"method":"getSlot"`)
	assert.Equal(t, "application/json", gotContentType)

	values, err := url.ParseQuery(gotQuery)
	require.NoError(t, err)
	assert.Empty(t, values.Get("api-key"), "credential must not leak upstream")
	assert.Equal(t, "finalized", values.Get("commitment"))

	assert.Empty(t, gotKeepAliveHeader, "hop-by-hop headers must be dropped")
}

func TestBuildTargetURL(t *testing.T) {
	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}

	// Root path forwards as the bare origin.
	assert.Equal(t, "http://backend.example.com",
		buildTargetURL("http://backend.example.com", parse("/?api-key=secret")))

	assert.Equal(t, "http://backend.example.com/v2/rpc",
		buildTargetURL("http://backend.example.com", parse("/v2/rpc?api-key=secret")))

	assert.Equal(t, "http://backend.example.com/v2?commitment=finalized",
		buildTargetURL("http://backend.example.com", parse("/v2?api-key=secret&commitment=finalized")))
}
