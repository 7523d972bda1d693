package hotpath

import (
	"context"
	"net/http"
)

// CacheLayer is the opt-in cache port: it sits before the router and, on
// a hit, produces the same ring-buffer recording synthetically with
// cache_hit = true instead of contacting the upstream. Union Square
// defines and wires the interface; concrete backends (Redis, in-memory
// LRU, etc.) plug in from outside.
type CacheLayer interface {
	// Lookup returns a cached response for this exact request, if one
	// exists and is still within its TTL.
	Lookup(ctx context.Context, method, path string, headers http.Header, body []byte) (CachedResponse, bool)

	// Store records resp as the cached response for this request, for
	// future Lookup calls.
	Store(ctx context.Context, method, path string, headers http.Header, body []byte, resp CachedResponse)
}

// CachedResponse is what a CacheLayer hands back on a hit: enough to
// reconstruct both the client response and the synthetic audit record.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	AgeSeconds int
}
