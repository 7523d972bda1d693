package provider

import (
	"context"
	"net/http"
	"strings"
)

// Anthropic is a pass-through adapter with the same URL rewrite as OpenAI.
// Its ValidateAuth accepts either an "X-Api-Key" or an "Authorization"
// header, and its metadata carries the request's Anthropic-Version header.
type Anthropic struct {
	BaseURL string
	Prefix  string
}

func NewAnthropic(baseURL string) *Anthropic {
	return &Anthropic{BaseURL: baseURL, Prefix: "anthropic"}
}

func (a *Anthropic) ID() string { return "anthropic" }

func (a *Anthropic) Matches(path string) bool {
	_, ok := StripPrefix(path, a.Prefix)
	return ok
}

func (a *Anthropic) Transform(path string) (string, error) {
	rest, ok := StripPrefix(path, a.Prefix)
	if !ok {
		return "", ErrInvalidPath
	}
	return strings.TrimRight(a.BaseURL, "/") + rest, nil
}

func (a *Anthropic) ValidateAuth(headers http.Header) error {
	if headers.Get("X-Api-Key") == "" && headers.Get("Authorization") == "" {
		return ErrMissingAuth
	}
	return nil
}

func (a *Anthropic) ExtractMetadata(req *http.Request, resp *http.Response) map[string]string {
	meta := map[string]string{"provider": a.ID()}
	if req != nil {
		if v := req.Header.Get("Anthropic-Version"); v != "" {
			meta["anthropic_version"] = v
		}
	}
	return meta
}

func (a *Anthropic) HealthCheck(ctx context.Context, client *http.Client) HealthStatus {
	return probeGet(ctx, client, strings.TrimRight(a.BaseURL, "/")+"/v1/models")
}
