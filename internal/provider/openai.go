package provider

import (
	"context"
	"net/http"
	"strings"
)

// OpenAI is a pass-through adapter: it rewrites "/openai/<rest>" onto the
// configured base URL and requires an Authorization header to be present
// (never inspected). OpenAI needs no request signing, only a bearer token
// forwarded unchanged.
type OpenAI struct {
	BaseURL string // e.g. "https://api.openai.com"
	Prefix  string // e.g. "openai"
}

func NewOpenAI(baseURL string) *OpenAI {
	return &OpenAI{BaseURL: baseURL, Prefix: "openai"}
}

func (o *OpenAI) ID() string { return "openai" }

func (o *OpenAI) Matches(path string) bool {
	_, ok := StripPrefix(path, o.Prefix)
	return ok
}

func (o *OpenAI) Transform(path string) (string, error) {
	rest, ok := StripPrefix(path, o.Prefix)
	if !ok {
		return "", ErrInvalidPath
	}
	return strings.TrimRight(o.BaseURL, "/") + rest, nil
}

func (o *OpenAI) ValidateAuth(headers http.Header) error {
	if headers.Get("Authorization") == "" {
		return ErrMissingAuth
	}
	return nil
}

func (o *OpenAI) ExtractMetadata(req *http.Request, resp *http.Response) map[string]string {
	meta := map[string]string{"provider": o.ID()}
	if resp != nil {
		if model := resp.Header.Get("Openai-Model"); model != "" {
			meta["model"] = model
		}
	}
	return meta
}

func (o *OpenAI) HealthCheck(ctx context.Context, client *http.Client) HealthStatus {
	return probeGet(ctx, client, strings.TrimRight(o.BaseURL, "/")+"/v1/models")
}

func probeGet(ctx context.Context, client *http.Client, url string) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Unreachable
	}
	resp, err := client.Do(req)
	if err != nil {
		return Unreachable
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 500:
		// Even a 401 (no credentials supplied for the probe) means the
		// upstream answered; that's "reachable", not "down".
		return Healthy
	default:
		return Degraded
	}
}
