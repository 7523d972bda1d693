package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/require"
)

func TestParseResponseAnthropicSSETranscript(t *testing.T) {
	body := []byte("event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":25}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n")

	parsed, err := ParseResponse(body)
	require.NoError(t, err)
	require.Equal(t, "claude-3-5-sonnet-20241022", parsed.Model)
	require.Equal(t, 25, parsed.InputTokens)
	require.Equal(t, 12, parsed.OutputTokens)
	require.Equal(t, "end_turn", parsed.StopReason)
}

func TestParseResponseOpenAISSETranscript(t *testing.T) {
	body := []byte(`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{"content":"Hi"},"finish_reason":null}]}` + "\n\n" +
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		`data: {"id":"chatcmpl-1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}` + "\n\n" +
		"data: [DONE]\n\n")

	parsed, err := ParseResponse(body)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", parsed.Model)
	require.Equal(t, 9, parsed.InputTokens)
	require.Equal(t, 4, parsed.OutputTokens)
	require.Equal(t, "stop", parsed.StopReason)
}

// encodeBedrockFrames produces the invoke-with-response-stream wire shape:
// one eventstream frame per model event, each payload a JSON object whose
// "bytes" field base64-encodes the model's own event JSON.
func encodeBedrockFrames(t *testing.T, events []map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := eventstream.NewEncoder()
	for _, event := range events {
		inner, err := json.Marshal(event)
		require.NoError(t, err)
		payload, err := json.Marshal(map[string]string{
			"bytes": base64.StdEncoding.EncodeToString(inner),
		})
		require.NoError(t, err)
		require.NoError(t, enc.Encode(&buf, eventstream.Message{Payload: payload}))
	}
	return buf.Bytes()
}

func TestParseResponseBedrockEventStream(t *testing.T) {
	body := encodeBedrockFrames(t, []map[string]any{
		{"type": "message_start", "message": map[string]any{
			"model": "claude-3-haiku",
			"usage": map[string]any{"input_tokens": 40},
		}},
		{"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": "ok"}},
		{"type": "message_delta", "delta": map[string]any{"stop_reason": "end_turn"}, "usage": map[string]any{"output_tokens": 7}},
	})

	parsed, err := ParseResponse(body)
	require.NoError(t, err)
	require.Equal(t, "claude-3-haiku", parsed.Model)
	require.Equal(t, 40, parsed.InputTokens)
	require.Equal(t, 7, parsed.OutputTokens)
	require.Equal(t, "end_turn", parsed.StopReason)
}

func TestParseResponseTruncatedEventStreamKeepsDecodedPrefix(t *testing.T) {
	full := encodeBedrockFrames(t, []map[string]any{
		{"type": "message_start", "message": map[string]any{
			"model": "claude-3-haiku",
			"usage": map[string]any{"input_tokens": 40},
		}},
	})
	extra := encodeBedrockFrames(t, []map[string]any{
		{"type": "message_delta", "usage": map[string]any{"output_tokens": 7}},
	})
	truncated := append(full, extra[:len(extra)-5]...)

	parsed, err := ParseResponse(truncated)
	require.NoError(t, err)
	require.Equal(t, "claude-3-haiku", parsed.Model)
	require.Equal(t, 40, parsed.InputTokens)
}

func TestParseResponseGarbageStillFails(t *testing.T) {
	_, err := ParseResponse([]byte("certainly not a response body"))
	require.Error(t, err)
}
