package provider

import (
	"context"
	"net/http"
	"strings"
)

// VertexAI is the pass-through adapter for Google's Vertex AI generative
// endpoints. Auth arrives as a bearer token obtained via the caller's own
// OAuth flow; Union Square forwards it unchanged, same as OpenAI.
type VertexAI struct {
	BaseURL string
	Prefix  string
}

func NewVertexAI(baseURL string) *VertexAI {
	return &VertexAI{BaseURL: baseURL, Prefix: "vertex-ai"}
}

func (v *VertexAI) ID() string { return "vertex-ai" }

func (v *VertexAI) Matches(path string) bool {
	_, ok := StripPrefix(path, v.Prefix)
	return ok
}

func (v *VertexAI) Transform(path string) (string, error) {
	rest, ok := StripPrefix(path, v.Prefix)
	if !ok {
		return "", ErrInvalidPath
	}
	return strings.TrimRight(v.BaseURL, "/") + rest, nil
}

func (v *VertexAI) ValidateAuth(headers http.Header) error {
	if headers.Get("Authorization") == "" {
		return ErrMissingAuth
	}
	return nil
}

func (v *VertexAI) ExtractMetadata(req *http.Request, resp *http.Response) map[string]string {
	meta := map[string]string{"provider": v.ID()}
	if req != nil {
		// Vertex encodes the model in the path, e.g.
		// /v1/projects/{p}/locations/{l}/publishers/google/models/{model}:generateContent
		if idx := strings.Index(req.URL.Path, "/models/"); idx >= 0 {
			rest := req.URL.Path[idx+len("/models/"):]
			if colon := strings.IndexByte(rest, ':'); colon >= 0 {
				meta["model"] = rest[:colon]
			} else {
				meta["model"] = rest
			}
		}
	}
	return meta
}

func (v *VertexAI) HealthCheck(ctx context.Context, client *http.Client) HealthStatus {
	return probeGet(ctx, client, strings.TrimRight(v.BaseURL, "/"))
}
