package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// streamAccumulator folds provider stream events into one
// ParsedLlmResponse. Both SSE bodies and Bedrock eventstream frames decay
// to the same per-event JSON objects once unframed, so a single
// accumulator serves both.
type streamAccumulator struct {
	out      ParsedLlmResponse
	sawEvent bool
}

func (a *streamAccumulator) apply(event map[string]any) {
	a.sawEvent = true

	switch event["type"] {
	case "message_start":
		// Anthropic: {"type":"message_start","message":{"model":...,"usage":{"input_tokens":N}}}
		if msg, ok := event["message"].(map[string]any); ok {
			if model, ok := msg["model"].(string); ok {
				a.out.Model = model
			}
			if usage, ok := msg["usage"].(map[string]any); ok {
				if n := intField(usage, "input_tokens"); n > 0 {
					a.out.InputTokens = n
				}
			}
		}
		return
	case "message_delta":
		// Anthropic: {"type":"message_delta","delta":{"stop_reason":...},"usage":{"output_tokens":N}}
		if usage, ok := event["usage"].(map[string]any); ok {
			if n := intField(usage, "output_tokens"); n > 0 {
				a.out.OutputTokens = n
			}
		}
		if delta, ok := event["delta"].(map[string]any); ok {
			if stop, ok := delta["stop_reason"].(string); ok && stop != "" {
				a.out.StopReason = stop
			}
		}
		return
	}

	// OpenAI chunk objects carry no "type" tag:
	// {"model":...,"choices":[{"finish_reason":...}],"usage":{...}}
	if model, ok := event["model"].(string); ok && a.out.Model == "" {
		a.out.Model = model
	}
	if usage, ok := event["usage"].(map[string]any); ok {
		if n := intField(usage, "prompt_tokens", "input_tokens"); n > 0 {
			a.out.InputTokens = n
		}
		if n := intField(usage, "completion_tokens", "output_tokens"); n > 0 {
			a.out.OutputTokens = n
		}
	}
	if choices, ok := event["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
				a.out.StopReason = reason
			}
		}
	}
}

// parseSSE extracts usage metadata from a server-sent-events body: every
// "data: {...}" line is one stream event. Returns ok=false when the body
// contains no decodable data lines at all.
func parseSSE(body []byte) (ParsedLlmResponse, bool) {
	var acc streamAccumulator
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "" || data == "[DONE]" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		acc.apply(event)
	}
	return acc.out, acc.sawEvent
}

// parseBedrockEventStream extracts usage metadata from a Bedrock
// invoke-with-response-stream body: a sequence of binary eventstream
// frames whose JSON payloads carry a base64 "bytes" field holding the
// model's own stream event. Frames that fail to decode are skipped; any
// successfully applied event makes the parse count as recognized.
func parseBedrockEventStream(body []byte) (ParsedLlmResponse, bool) {
	var acc streamAccumulator
	decoder := eventstream.NewDecoder()
	reader := bytes.NewReader(body)

	for reader.Len() > 0 {
		msg, err := decoder.Decode(reader, nil)
		if err != nil {
			break
		}
		var payload struct {
			Bytes string `json:"bytes"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Bytes == "" {
			// Exception frames and pings carry no inner event.
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Bytes)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(payload.Bytes)
			if err != nil {
				continue
			}
		}
		var event map[string]any
		if err := json.Unmarshal(decoded, &event); err != nil {
			continue
		}
		acc.apply(event)
	}
	return acc.out, acc.sawEvent
}

// looksLikeEventStream sniffs the 4-byte big-endian total-length prelude a
// Bedrock eventstream frame starts with: binary framing, never '{' or
// an SSE "data:"/"event:" prefix.
func looksLikeEventStream(body []byte) bool {
	if len(body) < 16 {
		return false
	}
	c := body[0]
	return c != '{' && c != 'd' && c != 'e' && c != ' ' && c != '\n'
}
