package projections

import (
	"encoding/json"
	"time"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
)

// hourKeyLayout buckets a timestamp into its containing hour for the
// (ApplicationID, hour bucket) key.
const hourKeyLayout = "2006-01-02T15"

// HourlyMetricsEntry is the per-(application, hour) materialized state:
// request/error/cache-hit counters, a latency histogram, and token/cost
// sums.
type HourlyMetricsEntry struct {
	ApplicationID string    `json:"application_id"`
	HourBucket    time.Time `json:"hour_bucket"`
	RequestCount  int       `json:"request_count"`
	ErrorCount    int       `json:"error_count"`
	CacheHits     int       `json:"cache_hits"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CostCents     int64     `json:"cost_cents"`
	Latency       Histogram `json:"latency"`
}

// P50, P90 and P99 report latency percentiles from the entry's histogram.
func (e *HourlyMetricsEntry) P50() int64 { return e.Latency.Percentile(0.50) }
func (e *HourlyMetricsEntry) P90() int64 { return e.Latency.Percentile(0.90) }
func (e *HourlyMetricsEntry) P99() int64 { return e.Latency.Percentile(0.99) }
func (e *HourlyMetricsEntry) MaxLatencyMs() int64 { return e.Latency.Max }

// HourlyMetrics is the Hourly Metrics projection. Latency is the gap
// between RequestReceived and ResponseReturned timestamps for the same
// request, and the hour bucket is taken from when the request arrived
// (not when it finished) so a slow request is attributed to the hour its
// caller experienced it in.
type HourlyMetrics struct {
	buckets map[string]*HourlyMetricsEntry
	pending map[string]pendingHourlyRequest
	dirty   map[string]bool
}

type pendingHourlyRequest struct {
	ApplicationID string    `json:"application_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

func NewHourlyMetrics() *HourlyMetrics {
	return &HourlyMetrics{
		buckets: make(map[string]*HourlyMetricsEntry),
		pending: make(map[string]pendingHourlyRequest),
		dirty:   make(map[string]bool),
	}
}

func (h *HourlyMetrics) Name() string { return "hourly_metrics" }

func bucketKey(appID string, hour time.Time) string {
	return appID + "@" + hour.UTC().Format(hourKeyLayout)
}

func (h *HourlyMetrics) LoadState(states map[string]json.RawMessage) {
	for key, raw := range states {
		if reqID, ok := stripPrefix(key, pendingKeyPrefix); ok {
			var pr pendingHourlyRequest
			if err := json.Unmarshal(raw, &pr); err == nil {
				h.pending[reqID] = pr
			}
			continue
		}
		var entry HourlyMetricsEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			h.buckets[key] = &entry
		}
	}
}

func (h *HourlyMetrics) Apply(env eventstore.Envelope) {
	if !isCanonicalLifecycle(env) {
		return
	}
	switch env.EventType {
	case eventstore.EventRequestReceived:
		var p eventstore.RequestReceivedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		reqID := p.RequestID.String()
		h.pending[reqID] = pendingHourlyRequest{ApplicationID: p.ApplicationID.String(), ReceivedAt: env.Timestamp}
		h.dirty[pendingKeyPrefix+reqID] = true

	case eventstore.EventResponseReturned:
		var p eventstore.ResponseReturnedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		h.resolve(p.RequestID.String(), env.Timestamp, func(entry *HourlyMetricsEntry, receivedAt time.Time) {
			entry.RequestCount++
			if p.StatusCode >= 400 {
				entry.ErrorCount++
			}
			if p.CacheHit {
				entry.CacheHits++
			}
			entry.InputTokens += p.InputTokens
			entry.OutputTokens += p.OutputTokens
			entry.CostCents += p.CostCents
			entry.Latency.Record(env.Timestamp.Sub(receivedAt).Milliseconds())
		})

	case eventstore.EventLlmRequestParsingFailed:
		var p eventstore.LlmRequestParsingFailedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		h.resolve(p.RequestID.String(), env.Timestamp, func(entry *HourlyMetricsEntry, receivedAt time.Time) {
			entry.RequestCount++
			entry.ErrorCount++
		})

	case eventstore.EventAuditEventProcessingFailed:
		var p eventstore.AuditEventProcessingFailedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		h.resolve(p.RequestID.String(), env.Timestamp, func(entry *HourlyMetricsEntry, receivedAt time.Time) {
			entry.RequestCount++
			entry.ErrorCount++
		})
	}
}

func (h *HourlyMetrics) resolve(requestID string, at time.Time, fn func(entry *HourlyMetricsEntry, receivedAt time.Time)) {
	pr, ok := h.pending[requestID]
	if !ok {
		return
	}
	delete(h.pending, requestID)

	key := bucketKey(pr.ApplicationID, pr.ReceivedAt)
	entry, ok := h.buckets[key]
	if !ok {
		entry = &HourlyMetricsEntry{ApplicationID: pr.ApplicationID, HourBucket: pr.ReceivedAt.UTC().Truncate(time.Hour)}
		h.buckets[key] = entry
	}
	fn(entry, pr.ReceivedAt)
	h.dirty[key] = true
}

func (h *HourlyMetrics) Dirty() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(h.dirty))
	for key := range h.dirty {
		if reqID, ok := stripPrefix(key, pendingKeyPrefix); ok {
			pr, stillPending := h.pending[reqID]
			if !stillPending {
				continue
			}
			val, _ := json.Marshal(pr)
			out[key] = val
			continue
		}
		entry, ok := h.buckets[key]
		if !ok {
			continue
		}
		val, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		out[key] = val
	}
	h.dirty = make(map[string]bool)
	return out
}
