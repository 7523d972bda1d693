package projections

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
)

// isCanonicalLifecycle reports whether env is the canonical copy of a
// lifecycle event this build knows how to fold. Request streams hold the
// canonical copy; session streams carry mirrors of the same events so a
// session replays standalone, and applying both would double count. An
// event stamped with an unknown schema major is skipped rather than
// misread: evolution within a major is additive-fields-only, across
// majors it is not.
func isCanonicalLifecycle(env eventstore.Envelope) bool {
	if eventstore.SchemaMajor(env.SchemaVersion) != eventstore.CurrentSchemaMajor {
		return false
	}
	return strings.HasPrefix(env.StreamID, "request:")
}

// SessionSummaryEntry is the per-session materialized state: start/end
// time, request counts, token/cost totals, the set of models used, and
// last-activity time.
type SessionSummaryEntry struct {
	SessionID        string          `json:"session_id"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time,omitempty"`
	RequestCount     int             `json:"request_count"`
	SuccessCount     int             `json:"success_count"`
	FailureCount     int             `json:"failure_count"`
	TotalInputTokens int             `json:"total_input_tokens"`
	TotalOutputTokens int            `json:"total_output_tokens"`
	TotalCostCents   int64           `json:"total_cost_cents"`
	Models           map[string]bool `json:"models,omitempty"`
	LastActivity     time.Time       `json:"last_activity"`
}

// SessionSummary is the Session Summary projection. Since ResponseReturned
// and failure events carry only a RequestID (only RequestReceived names
// the session), the
// projection keeps a small requestID->sessionID index alongside the
// summaries themselves so a later terminal event can still be attributed
// to the right session. That index is part of the projection's own
// persisted state, not a separate mechanism.
type SessionSummary struct {
	sessions map[string]*SessionSummaryEntry
	pending  map[string]string // requestID -> sessionID, cleared once resolved
	dirty    map[string]bool
}

// NewSessionSummary constructs an empty Session Summary projection.
func NewSessionSummary() *SessionSummary {
	return &SessionSummary{
		sessions: make(map[string]*SessionSummaryEntry),
		pending:  make(map[string]string),
		dirty:    make(map[string]bool),
	}
}

func (s *SessionSummary) Name() string { return "session_summary" }

const pendingKeyPrefix = "pending:"

func (s *SessionSummary) LoadState(states map[string]json.RawMessage) {
	for key, raw := range states {
		if sid, ok := stripPrefix(key, pendingKeyPrefix); ok {
			var reqToSession string
			if err := json.Unmarshal(raw, &reqToSession); err == nil {
				s.pending[sid] = reqToSession
			}
			continue
		}
		var entry SessionSummaryEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			s.sessions[key] = &entry
		}
	}
}

func stripPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

func (s *SessionSummary) Apply(env eventstore.Envelope) {
	if !isCanonicalLifecycle(env) {
		return
	}
	// Times are kept in UTC with no monotonic reading, and Models is only
	// allocated once a model is seen, so the state equals what LoadState
	// decodes from Dirty's JSON.
	at := env.Timestamp.UTC()
	switch env.EventType {
	case eventstore.EventRequestReceived:
		var p eventstore.RequestReceivedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil || p.SessionID == nil {
			return
		}
		sid := p.SessionID.String()
		entry, ok := s.sessions[sid]
		if !ok {
			entry = &SessionSummaryEntry{SessionID: sid, StartTime: at}
			s.sessions[sid] = entry
		}
		entry.RequestCount++
		entry.LastActivity = at
		s.pending[p.RequestID.String()] = sid
		s.markDirty(sid, p.RequestID.String())

	case eventstore.EventResponseReturned:
		var p eventstore.ResponseReturnedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		s.resolve(p.RequestID.String(), at, func(entry *SessionSummaryEntry) {
			if p.StatusCode >= 200 && p.StatusCode < 400 {
				entry.SuccessCount++
			} else {
				entry.FailureCount++
			}
			entry.TotalInputTokens += p.InputTokens
			entry.TotalOutputTokens += p.OutputTokens
			entry.TotalCostCents += p.CostCents
			if p.Model != "" {
				if entry.Models == nil {
					entry.Models = make(map[string]bool)
				}
				entry.Models[p.Model] = true
			}
		})

	case eventstore.EventLlmRequestParsingFailed:
		var p eventstore.LlmRequestParsingFailedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		s.resolve(p.RequestID.String(), at, func(entry *SessionSummaryEntry) {
			entry.FailureCount++
		})

	case eventstore.EventAuditEventProcessingFailed:
		var p eventstore.AuditEventProcessingFailedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		s.resolve(p.RequestID.String(), at, func(entry *SessionSummaryEntry) {
			entry.FailureCount++
		})
	}
}

// resolve looks up the session a request belongs to via the pending
// index, applies fn to that session's entry, and clears the index entry —
// each request resolves its session exactly once, keeping the index from
// growing unbounded.
func (s *SessionSummary) resolve(requestID string, at time.Time, fn func(*SessionSummaryEntry)) {
	sid, ok := s.pending[requestID]
	if !ok {
		return
	}
	delete(s.pending, requestID)
	entry, ok := s.sessions[sid]
	if !ok {
		return
	}
	fn(entry)
	entry.EndTime = at
	entry.LastActivity = at
	s.dirty[sid] = true
}

func (s *SessionSummary) markDirty(sid, requestID string) {
	s.dirty[sid] = true
	s.dirty[pendingKeyPrefix+requestID] = true
}

func (s *SessionSummary) Dirty() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.dirty))
	for key := range s.dirty {
		if requestID, ok := stripPrefix(key, pendingKeyPrefix); ok {
			sid, stillPending := s.pending[requestID]
			if !stillPending {
				// Already resolved within this batch: nothing worth
				// persisting under this key.
				continue
			}
			val, _ := json.Marshal(sid)
			out[key] = val
			continue
		}
		entry, ok := s.sessions[key]
		if !ok {
			continue
		}
		val, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		out[key] = val
	}
	s.dirty = make(map[string]bool)
	return out
}
