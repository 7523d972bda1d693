// Package audit implements the audit side of Union Square's pipeline: it
// consumes reassembled request and response payloads off the audit
// assembler, recovers the fields the hot path couldn't know yet (parsed
// model, token usage, cost), and records the final ResponseReturned event
// through the command processor.
//
// The ring buffer mints its own payload_id per Write call (one per
// network-level chunk on the response side), which is unrelated to the
// HTTP-level request_id the audit record needs. internal/hotpath's
// RecordedRequest/RecordedResponseChunk envelopes carry that request_id
// as data inside the reassembled payload; this package is the one place
// that decodes it back out and re-correlates chunks that arrived as
// independent ring-buffer payloads into a single response body.
package audit

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prime-radiant-inc/union-square/internal/assembler"
	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/hotpath"
	"github.com/prime-radiant-inc/union-square/internal/ids"
	"github.com/prime-radiant-inc/union-square/internal/parser"
	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

// pendingRequest is what the Pipeline remembers about a request between
// its RecordedRequest arriving and its response completing.
type pendingRequest struct {
	sessionID   *ids.SessionID
	provider    string
	parsed      parser.ParsedLlmRequest
	firstSeenNs int64
}

// responseAccumulator groups the independent ring-buffer payloads that
// make up one streamed (or unary) response body back together by
// sequence number: the per-network-chunk tee made whole again on the
// audit side.
type responseAccumulator struct {
	chunks     map[int][]byte
	maxSeq     int
	gotLast    bool
	statusCode int
	cacheHit   bool
	lastUpdate time.Time
}

func (a *responseAccumulator) complete() bool {
	if !a.gotLast {
		return false
	}
	for i := 0; i <= a.maxSeq; i++ {
		if _, ok := a.chunks[i]; !ok {
			return false
		}
	}
	return true
}

func (a *responseAccumulator) body() []byte {
	keys := make([]int, 0, len(a.chunks))
	for k := range a.chunks {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var out []byte
	for _, k := range keys {
		out = append(out, a.chunks[k]...)
	}
	return out
}

// Pipeline is the audit consumer: its OnComplete and OnIncomplete methods
// are the callbacks an assembler.Assembler invokes for each direction's
// reassembled (or abandoned) payload.
type Pipeline struct {
	store      *eventstore.Store
	maxRetries int
	staleAfter time.Duration

	mu        sync.Mutex
	requests  map[string]pendingRequest
	responses map[string]*responseAccumulator
}

// NewPipeline constructs a Pipeline backed by store. staleAfter bounds how
// long an incomplete response accumulator is kept before the sweep
// reports it as failed, mirroring the assembler's own incomplete-payload
// timeout one layer up.
func NewPipeline(store *eventstore.Store, maxRetries int, staleAfter time.Duration) *Pipeline {
	return &Pipeline{
		store:      store,
		maxRetries: maxRetries,
		staleAfter: staleAfter,
		requests:   make(map[string]pendingRequest),
		responses:  make(map[string]*responseAccumulator),
	}
}

// OnComplete is the assembler's onComplete callback: it dispatches a fully
// reassembled ring-buffer payload by direction.
func (p *Pipeline) OnComplete(cp assembler.CompletedPayload) {
	switch cp.Direction {
	case ringbuffer.DirectionRequest:
		p.handleRequest(cp)
	case ringbuffer.DirectionResponse:
		p.handleResponseChunk(cp)
	}
}

// OnIncomplete is the assembler's onIncomplete callback: a payload that
// never finished arriving before its timeout. The assembler only knows
// the ring-buffer payload_id, not the application request_id carried
// inside the (incomplete, undecodable) payload bytes, so the loss is
// recorded against a synthetic RequestID derived from the ring-buffer
// payload_id itself. Incomplete payloads are reported, never silently
// dropped.
func (p *Pipeline) OnIncomplete(payloadID uuid.UUID) {
	fallback, err := ids.ParseRequestID(payloadID.String())
	if err != nil {
		log.Printf("audit: incomplete payload %s: could not build fallback request id: %v", payloadID, err)
		return
	}
	p.emit(eventstore.RecordAuditEvent{
		Kind:          eventstore.KindProviderError,
		RequestID:     fallback,
		At:            time.Now(),
		FailureReason: "ring buffer payload incomplete before assembler timeout",
	})
}

func (p *Pipeline) handleRequest(cp assembler.CompletedPayload) {
	rec, err := hotpath.DecodeRecordedRequest(cp.Data)
	if err != nil {
		p.reportUndecodable(cp, err)
		return
	}
	reqID, err := ids.ParseRequestID(rec.RequestID)
	if err != nil {
		p.reportUndecodable(cp, err)
		return
	}

	parsed, parseErr := parser.ParseRequest(rec.Body, rec.Provider)

	var sid *ids.SessionID
	if rec.SessionID != "" {
		if id, err := ids.ParseSessionID(rec.SessionID); err == nil {
			sid = &id
		}
	}

	p.mu.Lock()
	p.requests[reqID.String()] = pendingRequest{
		sessionID:   sid,
		provider:    rec.Provider,
		parsed:      parsed,
		firstSeenNs: cp.FirstSeenNs,
	}
	p.mu.Unlock()

	if parseErr != nil {
		p.emit(eventstore.RecordAuditEvent{
			Kind:          eventstore.KindParsingFailed,
			RequestID:     reqID,
			SessionID:     sid,
			At:            time.Now(),
			FailureReason: parseErr.Error(),
			RawLen:        len(rec.Body),
		})
	}
}

func (p *Pipeline) handleResponseChunk(cp assembler.CompletedPayload) {
	chunk, err := hotpath.DecodeRecordedResponseChunk(cp.Data)
	if err != nil {
		p.reportUndecodable(cp, err)
		return
	}

	p.mu.Lock()
	acc, ok := p.responses[chunk.RequestID]
	if !ok {
		acc = &responseAccumulator{chunks: make(map[int][]byte)}
		p.responses[chunk.RequestID] = acc
	}
	acc.chunks[chunk.Seq] = chunk.Body
	acc.lastUpdate = time.Now()
	if chunk.Seq == 0 {
		acc.statusCode = chunk.StatusCode
	}
	if chunk.CacheHit {
		acc.cacheHit = true
	}
	if chunk.IsLast {
		acc.gotLast = true
		acc.maxSeq = chunk.Seq
	}
	done := acc.complete()
	if done {
		delete(p.responses, chunk.RequestID)
	}
	p.mu.Unlock()

	if done {
		p.finalize(chunk.RequestID, acc)
	}
}

func (p *Pipeline) finalize(requestIDRaw string, acc *responseAccumulator) {
	reqID, err := ids.ParseRequestID(requestIDRaw)
	if err != nil {
		log.Printf("audit: response for unparseable request id %q: %v", requestIDRaw, err)
		return
	}

	p.mu.Lock()
	pending, havePending := p.requests[requestIDRaw]
	delete(p.requests, requestIDRaw)
	p.mu.Unlock()

	body := acc.body()
	parsedResp, parseErr := parser.ParseResponse(body)

	model := parsedResp.Model
	if model == "" && havePending {
		model = pending.parsed.Model
	}
	inTokens := parsedResp.InputTokens
	if inTokens == 0 && havePending {
		inTokens = pending.parsed.InputTokenEstimate
	}
	outTokens := parsedResp.OutputTokens

	providerID := ""
	var sid *ids.SessionID
	if havePending {
		providerID = pending.provider
		sid = pending.sessionID
	}

	if parseErr != nil {
		p.emit(eventstore.RecordAuditEvent{
			Kind:          eventstore.KindParsingFailed,
			RequestID:     reqID,
			SessionID:     sid,
			At:            time.Now(),
			FailureReason: parseErr.Error(),
			RawLen:        len(body),
		})
	}

	cost := parser.CostCents(providerID, model, inTokens, outTokens)
	p.emit(eventstore.RecordAuditEvent{
		Kind:         eventstore.KindResponseReturned,
		RequestID:    reqID,
		SessionID:    sid,
		At:           time.Now(),
		StatusCode:   acc.statusCode,
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostCents:    int64(cost),
		CacheHit:     acc.cacheHit,
	})
}

// reportUndecodable handles a payload that reassembled cleanly at the ring
// buffer level but whose JSON envelope is corrupt: a bug in the hot path
// encoder, not a network or timeout problem. There is no request_id to
// recover here at all, so this falls back to the ring-buffer payload_id
// exactly like OnIncomplete does.
func (p *Pipeline) reportUndecodable(cp assembler.CompletedPayload, decodeErr error) {
	fallback, err := ids.ParseRequestID(cp.PayloadID.String())
	if err != nil {
		log.Printf("audit: undecodable payload %s: %v (decode error: %v)", cp.PayloadID, err, decodeErr)
		return
	}
	p.emit(eventstore.RecordAuditEvent{
		Kind:          eventstore.KindParsingFailed,
		RequestID:     fallback,
		At:            time.Now(),
		FailureReason: decodeErr.Error(),
		RawLen:        len(cp.Data),
	})
}

func (p *Pipeline) emit(cmd eventstore.RecordAuditEvent) {
	if err := eventstore.Execute(context.Background(), p.store, cmd, p.maxRetries); err != nil {
		log.Printf("audit: command %s for request %s failed: %v", cmd.Kind, cmd.RequestID, err)
	}
}

// Run periodically sweeps response accumulators that have been waiting
// past staleAfter for their final chunk. A client disconnect or upstream
// crash mid-stream leaves exactly this kind of orphan, which would
// otherwise sit in memory (and leave its request's lifecycle stuck at
// ResponseReceived) forever.
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.staleAfter / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *Pipeline) sweep(now time.Time) {
	p.mu.Lock()
	var stale []string
	for reqID, acc := range p.responses {
		if now.Sub(acc.lastUpdate) > p.staleAfter {
			stale = append(stale, reqID)
		}
	}
	for _, reqID := range stale {
		delete(p.responses, reqID)
		delete(p.requests, reqID)
	}
	p.mu.Unlock()

	for _, reqID := range stale {
		id, err := ids.ParseRequestID(reqID)
		if err != nil {
			continue
		}
		p.emit(eventstore.RecordAuditEvent{
			Kind:          eventstore.KindProviderError,
			RequestID:     id,
			At:            now,
			FailureReason: "response stream abandoned before completion",
		})
	}
}
