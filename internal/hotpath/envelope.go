package hotpath

import (
	"encoding/json"
	"net/http"
	"time"
)

// RecordedRequest is the wire shape written once per inbound request into
// the ring buffer as a REQUEST payload: request line, headers, and body.
// Request bodies are unary (no SSE on the way in), so one envelope always
// carries the whole body — unlike RecordedResponseChunk, it never needs a
// sequence number.
type RecordedRequest struct {
	RequestID string      `json:"request_id"`
	SessionID string      `json:"session_id,omitempty"`
	Method    string      `json:"method"`
	Path      string      `json:"path"`
	Provider  string      `json:"provider"`
	Headers   http.Header `json:"headers"`
	Body      []byte      `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
}

func encodeRecordedRequest(r RecordedRequest) []byte {
	out, err := json.Marshal(r)
	if err != nil {
		// http.Header and []byte always marshal; this would only fail on a
		// pathological custom type, which RecordedRequest doesn't have.
		return nil
	}
	return out
}

// DecodeRecordedRequest decodes bytes reassembled by the audit assembler
// back into a RecordedRequest, for the parser/event-store stage.
func DecodeRecordedRequest(data []byte) (RecordedRequest, error) {
	var r RecordedRequest
	err := json.Unmarshal(data, &r)
	return r, err
}

// RecordedResponseChunk is one network-level response chunk, teed into
// the ring buffer as its own RESPONSE payload sharing the request's
// correlation ID. The ring buffer's own slot fragmentation is an
// orthogonal, smaller-grained concern: a single RecordedResponseChunk
// that exceeds one slot's capacity is itself split into several slots by
// RingBuffer.Write and reassembled by the audit assembler before it ever
// reaches this decoder. Grouping chunks that belong to the same HTTP
// response back together by RequestID/Seq/IsLast is this package's and
// internal/audit's job, one layer above the assembler.
type RecordedResponseChunk struct {
	RequestID  string      `json:"request_id"`
	Seq        int         `json:"seq"`
	IsLast     bool        `json:"is_last"`
	StatusCode int         `json:"status_code,omitempty"` // set on Seq 0 only
	Headers    http.Header `json:"headers,omitempty"`     // set on Seq 0 only
	Body       []byte      `json:"body"`
	Timestamp  time.Time   `json:"timestamp"`
	TTFBMs     int64       `json:"ttfb_ms,omitempty"`
	CacheHit   bool        `json:"cache_hit,omitempty"`
}

func encodeRecordedResponseChunk(c RecordedResponseChunk) []byte {
	out, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return out
}

// DecodeRecordedResponseChunk is the response-side counterpart of
// DecodeRecordedRequest.
func DecodeRecordedResponseChunk(data []byte) (RecordedResponseChunk, error) {
	var c RecordedResponseChunk
	err := json.Unmarshal(data, &c)
	return c, err
}
