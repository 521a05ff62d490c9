package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are headers that should not be proxied.
// These are hop-by-hop headers as defined in RFC 7230 Section 6.1.
// They are meant for a single HTTP connection and must not be forwarded
// to the next hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// isHopByHopHeader checks if a header should not be proxied.
// RFC 7230: https://tools.ietf.org/html/rfc7230#section-6.1
func isHopByHopHeader(key string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(key)] ||
		strings.HasPrefix(http.CanonicalHeaderKey(key), "Proxy-")
}

// copyRequestHeaders copies headers from the client request to the
// upstream request, skipping hop-by-hop headers. Host is not in
// r.Header in net/http, so the upstream host comes from the target URL.
func copyRequestHeaders(dst *http.Request, src *http.Request) {
	for key, values := range src.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Header.Add(key, value)
		}
	}
}

// copyResponseHeaders copies upstream response headers to the client,
// skipping hop-by-hop headers.
func copyResponseHeaders(w http.ResponseWriter, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
}
