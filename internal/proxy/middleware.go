package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rpcfleet/rpc_router/internal/monitoring"
)

// maxBodySize caps buffered request bodies. JSON-RPC calls are small;
// anything larger gets no method extraction and is replaced by an empty
// body downstream.
const maxBodySize = 10 * 1024 * 1024

// RequestMeta is the request-scoped attribute bag. The method extractor
// fills RPCMethod; the proxy handler fills BackendLabel after selection
// so the access log can report where the request went.
type RequestMeta struct {
	RequestID    string
	RPCMethod    string
	BackendLabel string
}

type requestMetaKey struct{}

// MetaFromContext returns the request's meta, or nil outside the
// middleware chain.
func MetaFromContext(ctx context.Context) *RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(*RequestMeta)
	return meta
}

// methodProbe captures only the "method" field; the rest of the payload
// stays opaque.
type methodProbe struct {
	Method string `json:"method"`
}

// ExtractRPCMethod buffers the body once, pulls the JSON-RPC method name
// out for routing and observability, and re-presents the identical bytes
// downstream. Non-JSON bodies, missing fields, and oversized payloads
// leave the attribute unset and never abort the request; an unreadable
// or oversized body is passed downstream as an empty body.
func ExtractRPCMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := &RequestMeta{RequestID: uuid.NewString()}
		r = r.WithContext(context.WithValue(r.Context(), requestMetaKey{}, meta))

		if r.Body != nil && r.Body != http.NoBody {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
			r.Body.Close()
			if err != nil {
				// Body read failed; pass an empty body downstream.
				r.Body = io.NopCloser(bytes.NewReader(nil))
				r.ContentLength = 0
				next.ServeHTTP(w, r)
				return
			}

			if len(bodyBytes) > maxBodySize {
				// Too large to buffer; treated like an unreadable body.
				r.Body = io.NopCloser(bytes.NewReader(nil))
				r.ContentLength = 0
				next.ServeHTTP(w, r)
				return
			}

			var probe methodProbe
			if err := json.Unmarshal(bodyBytes, &probe); err == nil {
				meta.RPCMethod = probe.Method
			}

			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			r.ContentLength = int64(len(bodyBytes))
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush forwards streaming writes so long-polled upstream responses are
// not held back by the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLog emits one log line and the request counter/histogram after
// each response.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}

			meta := MetaFromContext(r.Context())
			rpcMethod, backend, requestID := "", "", ""
			if meta != nil {
				rpcMethod = meta.RPCMethod
				backend = meta.BackendLabel
				requestID = meta.RequestID
			}

			clientIP := r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				clientIP = host
			}

			logger.Info("request",
				"request_id", requestID,
				"client_ip", clientIP,
				"path", r.URL.Path,
				"rpc_method", rpcMethod,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"backend_label", backend,
			)

			monitoring.RecordRequest(rpcMethod, backend, status, duration)
		})
	}
}
