// Package parser implements best-effort extraction of
// provider/model/prompt-digest/token/parameter metadata from assembled
// request and response bodies, with fallback-and-report-error semantics
// rather than failing the audit pipeline outright. Raw JSON is walked as
// map[string]any with per-field type assertions, tolerating any missing
// or oddly shaped field.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ParsedLlmRequest is the structured metadata extracted from a request
// body: never the raw prompt text itself, only a fixed-size digest of it.
type ParsedLlmRequest struct {
	Provider           string
	Model              string
	PromptDigest       string // hex sha256, never raw text
	InputTokenEstimate int
	Temperature        *float64
	MaxTokens          int
	Stream             bool
}

// ParsedLlmResponse is the structured metadata extracted from a response
// body: token usage and the stop reason.
type ParsedLlmResponse struct {
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// ParseError describes why parsing fell back to the "unknown" shape —
// carried into an eventstore.LlmRequestParsingFailedPayload by the caller.
type ParseError struct {
	Err    error
	RawLen int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser: %v (body length %d)", e.Err, e.RawLen)
}

func (e *ParseError) Unwrap() error { return e.Err }

// fallbackRequest is the value returned alongside a non-nil error:
// provider and model degrade to "unknown" rather than the whole audit
// record being lost.
func fallbackRequest(providerHint string) ParsedLlmRequest {
	provider := providerHint
	if provider == "" {
		provider = "unknown"
	}
	return ParsedLlmRequest{Provider: provider, Model: "unknown"}
}

// ParseRequest extracts metadata from a provider-specific request body.
// providerHint comes from the provider registry's routing decision and is
// trusted for dispatch but re-validated here: an unparseable body always
// falls back regardless of the hint.
func ParseRequest(body []byte, providerHint string) (ParsedLlmRequest, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return fallbackRequest(providerHint), &ParseError{Err: err, RawLen: len(body)}
	}

	out := ParsedLlmRequest{Provider: providerHint}

	if model, ok := raw["model"].(string); ok {
		out.Model = model
	} else {
		out.Model = "unknown"
	}

	if maxTokens, ok := raw["max_tokens"].(float64); ok {
		out.MaxTokens = int(maxTokens)
	}
	if maxTokens, ok := raw["max_output_tokens"].(float64); ok { // Vertex/Gemini naming
		out.MaxTokens = int(maxTokens)
	}
	if temp, ok := raw["temperature"].(float64); ok {
		t := temp
		out.Temperature = &t
	}
	if stream, ok := raw["stream"].(bool); ok {
		out.Stream = stream
	}

	out.PromptDigest = digestPrompt(raw)
	out.InputTokenEstimate = estimateInputTokens(raw)

	return out, nil
}

// ParseResponse extracts usage metadata from a provider-specific response
// body: a plain JSON object, an SSE stream transcript, or a Bedrock
// eventstream frame sequence, tried in that order. Unlike ParseRequest, a
// response parse failure doesn't need a providerHint fallback — callers
// already have the request's parsed metadata and only need
// token/stop-reason data here.
func ParseResponse(body []byte) (ParsedLlmResponse, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		if parsed, ok := parseSSE(body); ok {
			return parsed, nil
		}
		if looksLikeEventStream(body) {
			if parsed, ok := parseBedrockEventStream(body); ok {
				return parsed, nil
			}
		}
		return ParsedLlmResponse{}, &ParseError{Err: err, RawLen: len(body)}
	}

	out := ParsedLlmResponse{}
	if model, ok := raw["model"].(string); ok {
		out.Model = model
	}
	if stop, ok := raw["stop_reason"].(string); ok {
		out.StopReason = stop
	}
	if stop, ok := raw["finishReason"].(string); ok && out.StopReason == "" { // Vertex naming
		out.StopReason = stop
	}

	if usage, ok := raw["usage"].(map[string]any); ok {
		out.InputTokens = intField(usage, "input_tokens", "prompt_tokens")
		out.OutputTokens = intField(usage, "output_tokens", "completion_tokens")
	}
	if usage, ok := raw["usageMetadata"].(map[string]any); ok { // Vertex naming
		out.InputTokens = intField(usage, "promptTokenCount")
		out.OutputTokens = intField(usage, "candidatesTokenCount")
	}

	return out, nil
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return int(v)
		}
	}
	return 0
}

// digestPrompt hashes a deterministic JSON re-encoding of the request's
// message content so the audit record carries a stable fingerprint
// without ever storing prompt text.
func digestPrompt(raw map[string]any) string {
	var material any
	switch {
	case raw["messages"] != nil:
		material = raw["messages"]
	case raw["contents"] != nil: // Vertex/Gemini naming
		material = raw["contents"]
	case raw["prompt"] != nil:
		material = raw["prompt"]
	default:
		return ""
	}
	encoded, err := json.Marshal(material)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// estimateInputTokens gives a rough token estimate (roughly 4 bytes per
// token for English text) when the upstream hasn't reported exact counts
// yet — the hot-path audit record is written before the response (and
// its exact usage block) exists.
func estimateInputTokens(raw map[string]any) int {
	var totalChars int
	walkText(raw["messages"], &totalChars)
	walkText(raw["contents"], &totalChars)
	if s, ok := raw["prompt"].(string); ok {
		totalChars += len(s)
	}
	if totalChars == 0 {
		return 0
	}
	return totalChars / 4
}

func walkText(v any, total *int) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			walkText(item, total)
		}
	case map[string]any:
		if s, ok := t["content"].(string); ok {
			*total += len(s)
		}
		if s, ok := t["text"].(string); ok {
			*total += len(s)
		}
		if parts, ok := t["parts"]; ok { // Vertex/Gemini content parts
			walkText(parts, total)
		}
		if content, ok := t["content"].([]any); ok {
			walkText(content, total)
		}
	case string:
		*total += len(t)
	}
}
