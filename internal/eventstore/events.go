// Package eventstore implements the audit command processor and event
// store: a multi-stream, optimistic-concurrency, append-only event log
// driving the six-state request lifecycle, plus the domain event
// catalogue those streams carry.
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prime-radiant-inc/union-square/internal/ids"
)

// EventType names one of the domain event variants.
type EventType string

const (
	EventSessionStarted           EventType = "SessionStarted"
	EventSessionEnded              EventType = "SessionEnded"
	EventRequestReceived           EventType = "RequestReceived"
	EventRequestForwarded          EventType = "RequestForwarded"
	EventResponseReceived          EventType = "ResponseReceived"
	EventResponseReturned          EventType = "ResponseReturned"
	EventLlmRequestParsingFailed   EventType = "LlmRequestParsingFailed"
	EventInvalidStateTransition    EventType = "InvalidStateTransition"
	EventAuditEventProcessingFailed EventType = "AuditEventProcessingFailed"
	EventAnalysisRequested         EventType = "AnalysisRequested"
	EventAnalysisStarted           EventType = "AnalysisStarted"
	EventAnalysisCompleted         EventType = "AnalysisCompleted"
	EventExtractionStarted         EventType = "ExtractionStarted"
	EventExtractionFinished        EventType = "ExtractionFinished"
	EventMetricsRecorded           EventType = "MetricsRecorded"
)

// CurrentSchemaMajor is the major component every event written by this
// build stamps into SchemaVersion. Consumers reject an unknown major and
// accept any minor.
const CurrentSchemaMajor = 1
const CurrentSchemaMinor = 0

// SchemaVersion packs major*100+minor into the u16 wire field.
func SchemaVersion(major, minor uint16) uint16 { return major*100 + minor }

// SchemaMajor extracts the major component back out of a stamped version.
func SchemaMajor(v uint16) uint16 { return v / 100 }

// Envelope is one persisted event record: event ID, stream ID, stream
// version, timestamp, causation ID, and payload, plus the event type tag
// and schema version.
type Envelope struct {
	EventID        uuid.UUID
	StreamID       string
	StreamVersion  uint64
	Timestamp      time.Time
	CausationID    ids.RequestID
	EventType      EventType
	SchemaVersion  uint16
	Payload        json.RawMessage
	GlobalPosition uint64 // assigned by the store; zero until persisted
}

// NewEnvelope builds an unpersisted envelope with a fresh UUIDv7 event ID
// and the current schema version, ready to pass to Store.Append. Version
// and GlobalPosition are filled in by the store.
func NewEnvelope(streamID string, causationID ids.RequestID, eventType EventType, at time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventstore: marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.Must(uuid.NewV7()),
		StreamID:      streamID,
		Timestamp:     at,
		CausationID:   causationID,
		EventType:      eventType,
		SchemaVersion: SchemaVersion(CurrentSchemaMajor, CurrentSchemaMinor),
		Payload:       raw,
	}, nil
}

// --- Event payload shapes, one struct per variant ---

type SessionStartedPayload struct {
	SessionID ids.SessionID `json:"session_id"`
	ParentID  *ids.SessionID `json:"parent_id,omitempty"`
	UserID    *ids.UserID    `json:"user_id,omitempty"`
}

type SessionEndedPayload struct {
	SessionID ids.SessionID `json:"session_id"`
}

type RequestReceivedPayload struct {
	RequestID     ids.RequestID      `json:"request_id"`
	SessionID     *ids.SessionID     `json:"session_id,omitempty"`
	Method        string             `json:"method"`
	Path          string             `json:"path"`
	Provider      string             `json:"provider"`
	BodyRecorded  bool               `json:"body_recorded"`
	ApplicationID ids.ApplicationID  `json:"application_id,omitempty"` // derived from the caller's API key
	UserID        *ids.UserID        `json:"user_id,omitempty"`        // from X-UnionSquare-User-Id, if sent
}

type RequestForwardedPayload struct {
	RequestID   ids.RequestID `json:"request_id"`
	UpstreamURL string        `json:"upstream_url"`
}

type ResponseReceivedPayload struct {
	RequestID  ids.RequestID `json:"request_id"`
	StatusCode int           `json:"status_code"`
}

type ResponseReturnedPayload struct {
	RequestID    ids.RequestID `json:"request_id"`
	StatusCode   int           `json:"status_code"`
	Model        string        `json:"model,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	CostCents    int64         `json:"cost_cents,omitempty"`
	CacheHit     bool          `json:"cache_hit,omitempty"`
}

type LlmRequestParsingFailedPayload struct {
	RequestID ids.RequestID `json:"request_id"`
	Error     string        `json:"error"`
	RawLen    int           `json:"raw_len"`
}

type InvalidStateTransitionPayload struct {
	RequestID    ids.RequestID `json:"request_id"`
	From         string        `json:"from"`
	Attempted    string        `json:"attempted"`
	At           time.Time     `json:"at"`
}

type AuditEventProcessingFailedPayload struct {
	RequestID ids.RequestID `json:"request_id"`
	Reason    string        `json:"reason"`
}

type AnalysisRequestedPayload struct {
	AnalysisID ids.AnalysisID `json:"analysis_id"`
	SessionID  ids.SessionID  `json:"session_id"`
}

type AnalysisStartedPayload struct {
	AnalysisID ids.AnalysisID `json:"analysis_id"`
}

type AnalysisCompletedPayload struct {
	AnalysisID ids.AnalysisID `json:"analysis_id"`
	Summary    string         `json:"summary,omitempty"`
}

type ExtractionStartedPayload struct {
	ExtractionID ids.ExtractionID `json:"extraction_id"`
	SessionID    ids.SessionID    `json:"session_id"`
}

type ExtractionFinishedPayload struct {
	ExtractionID ids.ExtractionID `json:"extraction_id"`
	CaseCount    int              `json:"case_count"`
}

type MetricsRecordedPayload struct {
	ApplicationID ids.ApplicationID `json:"application_id"`
	HourBucket    time.Time         `json:"hour_bucket"`
	LatencyMs     int64             `json:"latency_ms"`
	StatusCode    int               `json:"status_code"`
	CacheHit      bool              `json:"cache_hit"`
	InputTokens   int               `json:"input_tokens"`
	OutputTokens  int               `json:"output_tokens"`
	CostCents     int64             `json:"cost_cents"`
}
