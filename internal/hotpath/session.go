// Package hotpath implements the synchronous request path: the HTTP
// server and middleware stack that stamps a correlation ID, extracts
// session context, routes through the provider registry, forwards to
// upstream, streams the response back, and fires the ring buffer and
// command-bus writes that feed the audit path — all without ever waiting
// on them.
package hotpath

import (
	"encoding/json"
	"net/http"
	"strings"
)

// SessionContext is the parsed form of the X-UnionSquare-* headers. A
// request with no X-UnionSquare-Session-Id is tracked standalone
// (SessionIDRaw is empty).
type SessionContext struct {
	SessionIDRaw string // empty if absent
	ParentIDRaw  string
	UserIDRaw    string
	Metadata     map[string]string // X-UnionSquare-Metadata-<Key> -> value
	AppContext   map[string]any    // parsed X-UnionSquare-Application-Context; nil if absent or malformed
	DoNotRecord  bool              // presence-only: any value at all means true
}

const (
	hdrSessionID    = "X-Unionsquare-Session-Id"
	hdrParentID     = "X-Unionsquare-Parent-Id"
	hdrUserID       = "X-Unionsquare-User-Id"
	hdrMetaPrefix   = "X-Unionsquare-Metadata-"
	hdrAppContext   = "X-Unionsquare-Application-Context"
	hdrDoNotRecord  = "X-Unionsquare-Do-Not-Record"
	hdrAPIKey       = "X-Api-Key"
	hdrRequestID    = "X-Request-Id"
	hdrCache        = "X-Cache"
	hdrAge          = "Age"
)

// ParseSessionContext extracts Union Square's own headers from an incoming
// request. Header names are compared case-insensitively via
// net/http.Header's canonicalization. Unparseable
// X-UnionSquare-Application-Context is treated as absent rather than
// rejecting the request.
func ParseSessionContext(h http.Header) SessionContext {
	ctx := SessionContext{
		SessionIDRaw: h.Get(hdrSessionID),
		ParentIDRaw:  h.Get(hdrParentID),
		UserIDRaw:    h.Get(hdrUserID),
	}

	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if strings.HasPrefix(key, hdrMetaPrefix) {
			if ctx.Metadata == nil {
				ctx.Metadata = make(map[string]string)
			}
			name := strings.TrimPrefix(key, hdrMetaPrefix)
			ctx.Metadata[name] = values[0]
		}
	}

	if raw := h.Get(hdrAppContext); raw != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			ctx.AppContext = parsed
		}
		// Malformed JSON: AppContext stays nil, i.e. absent.
	}

	// Presence-only boolean: any value (including "0" or "false") means
	// the header was sent, so do-not-record is requested.
	if _, ok := h[http.CanonicalHeaderKey(hdrDoNotRecord)]; ok {
		ctx.DoNotRecord = true
	}

	return ctx
}

// APIKey returns the caller-identifying X-API-Key header, distinct from
// and additional to the upstream's own Authorization.
func APIKey(h http.Header) string { return h.Get(hdrAPIKey) }
