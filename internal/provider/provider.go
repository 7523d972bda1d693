// Package provider implements the provider registry: an ordered collection
// of per-upstream adapters that route a request by URL path prefix, rewrite
// it onto the provider's base URL, and check only for the presence of auth
// headers — never their content. Adapters must not store, log, hash, or
// transform credentials; header bytes pass through unchanged.
package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrNoMatch is returned by Registry.Route when no adapter's path prefix
// matches. Maps to a 404 at the HTTP edge.
var ErrNoMatch = errors.New("provider: no matching adapter for path")

// ErrInvalidPath is returned by an adapter's Transform when the remaining
// path can't be mapped onto the upstream base URL. Maps to a 502.
var ErrInvalidPath = errors.New("provider: invalid upstream path mapping")

// ErrMissingAuth is returned by ValidateAuth when a required auth header is
// absent. Maps to a 401.
var ErrMissingAuth = errors.New("provider: missing authentication header")

// HealthStatus is the result of an adapter's upstream health check.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unreachable
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unreachable"
	}
}

// Adapter is the per-provider contract. Adapters never mutate the request
// or response body.
type Adapter interface {
	// ID is the provider identifier used in routing, metadata, and
	// configuration keys (e.g. "openai", "anthropic", "bedrock", "vertex-ai").
	ID() string

	// Matches reports whether this adapter owns the given request path
	// (already stripped of scheme/host).
	Matches(path string) bool

	// Transform strips this adapter's path prefix and joins the remainder
	// onto the provider's upstream base URL, returning the full upstream
	// URL. Returns ErrInvalidPath if the remainder can't be mapped.
	Transform(path string) (string, error)

	// ValidateAuth checks only for the presence of the headers this
	// provider requires, never their content.
	ValidateAuth(headers http.Header) error

	// ExtractMetadata pulls provider-identifying metadata (e.g. model name
	// from a response header) without touching credentials.
	ExtractMetadata(req *http.Request, resp *http.Response) map[string]string

	// HealthCheck probes the upstream without sending real credentials or
	// payload, used by GET /readyz.
	HealthCheck(ctx context.Context, client *http.Client) HealthStatus
}

// RequestSigner is an optional capability an Adapter may additionally
// implement when its auth scheme requires signing the outbound request
// itself (e.g. Bedrock's AWS SigV4) rather than passing through a bearer
// token unchanged.
type RequestSigner interface {
	SignRequest(ctx context.Context, req *http.Request, body []byte) error
}

// Registry is the ordered collection of adapters. Registration order is
// the tie-break when multiple adapters would match; the first registered
// wins.
type Registry struct {
	adapters []Adapter
}

// NewRegistry constructs an empty Registry. Adapters are added with
// Register in the order they should be tried.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an adapter to the registry. Order is significant.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Adapters returns the registered adapters in registration order, for
// health-check fan-out and diagnostics.
func (r *Registry) Adapters() []Adapter {
	return append([]Adapter(nil), r.adapters...)
}

// Route finds the first adapter whose Matches reports true for path.
// Returns ErrNoMatch if none do.
func (r *Registry) Route(path string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Matches(path) {
			return a, nil
		}
	}
	return nil, ErrNoMatch
}

// StripPrefix removes a leading "/"+prefix from path and ensures the
// remainder begins with "/". Shared by the pass-through adapters
// (openai, anthropic, vertexai) whose Transform is otherwise identical
// modulo prefix and base URL.
func StripPrefix(path, prefix string) (string, bool) {
	full := "/" + prefix
	if path == full {
		return "/", true
	}
	if !strings.HasPrefix(path, full+"/") {
		return "", false
	}
	return strings.TrimPrefix(path, full), true
}
