package testhelpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

// NewRPCRequest creates an *http.Request carrying a JSON-RPC payload and
// the api-key query parameter. An empty apiKey omits the parameter.
func NewRPCRequest(apiKey, rpcMethod string) *http.Request {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"params":  []any{},
	}
	if rpcMethod != "" {
		payload["method"] = rpcMethod
	}
	data, _ := json.Marshal(payload)

	path := "/"
	if apiKey != "" {
		path = "/?api-key=" + apiKey
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// NewRPCUpstream starts an httptest server that counts how many times it
// was hit and replies with the given status and body.
func NewRPCUpstream(status int, body string) (*httptest.Server, *atomic.Int64) {
	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return srv, hits
}
