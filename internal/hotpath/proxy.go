package hotpath

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/ids"
	"github.com/prime-radiant-inc/union-square/internal/provider"
	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

// streamChunkSize bounds how much of a streaming response is held in
// memory at once while teeing to the client and the ring buffer.
const streamChunkSize = 32 * 1024

// correlatorTTL bounds how long a conversation state with no follow-up
// stays matchable for fingerprint-based session continuation.
const correlatorTTL = 30 * time.Minute

// Proxy implements the per-request hot path: route, record, forward,
// stream, record, return. It never waits on the ring buffer, the command
// bus, or anything downstream of them.
type Proxy struct {
	Registry   *provider.Registry
	Client     *http.Client
	RB         *ringbuffer.RingBuffer
	Bus        *CommandBus
	Cache      CacheLayer // nil disables the cache bypass entirely
	Correlator *SessionCorrelator

	HonorDoNotRecord bool
}

// createPassthroughClient builds an http.Client tuned for long-lived,
// unbuffered proxying — no response timeout (streaming responses can run
// for minutes), no automatic decompression (preserve the upstream's
// original Content-Encoding byte-for-byte).
func createPassthroughClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			DisableCompression:    true,
			ResponseHeaderTimeout: 0,
			ForceAttemptHTTP2:     true,
		},
	}
}

// NewProxy constructs a Proxy with a fresh passthrough HTTP client and a
// fingerprint-based session correlator for requests that carry no
// session header.
func NewProxy(registry *provider.Registry, rb *ringbuffer.RingBuffer, bus *CommandBus, cache CacheLayer, honorDoNotRecord bool) *Proxy {
	return &Proxy{
		Registry:         registry,
		Client:           createPassthroughClient(),
		RB:               rb,
		Bus:              bus,
		Cache:            cache,
		Correlator:       NewSessionCorrelator(correlatorTTL),
		HonorDoNotRecord: honorDoNotRecord,
	}
}

// correlationID reuses a caller-supplied X-Request-Id if it parses as a
// UUID, otherwise mints a fresh UUIDv7.
func correlationID(r *http.Request) ids.RequestID {
	if raw := r.Header.Get(hdrRequestID); raw != "" {
		if id, err := ids.ParseRequestID(raw); err == nil {
			return id
		}
	}
	return ids.NewRequestID()
}

// sessionID resolves the session a request belongs to, in priority order:
// the X-UnionSquare-Session-Id header (a non-UUID value is mapped
// deterministically so the same value keeps grouping the same requests),
// then conversation-fingerprint correlation over the request body, then
// none — the request is tracked standalone.
func (p *Proxy) sessionID(sessCtx SessionContext, body []byte) *ids.SessionID {
	if sessCtx.SessionIDRaw != "" {
		id, err := ids.ParseSessionID(sessCtx.SessionIDRaw)
		if err != nil {
			id = ids.SessionIDFromRaw(sessCtx.SessionIDRaw)
		}
		return &id
	}
	if p.Correlator != nil {
		if id, ok := p.Correlator.Correlate(body); ok {
			return &id
		}
	}
	return nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reqID := correlationID(r)
	w.Header().Set(hdrRequestID, reqID.String())

	sessCtx := ParseSessionContext(r.Header)
	doNotRecord := p.HonorDoNotRecord && sessCtx.DoNotRecord

	path := r.URL.Path
	adapter, err := p.Registry.Route(path)
	if err != nil {
		p.submitFailure(reqID, nil, eventstore.KindProviderError, "no matching provider for "+path)
		http.Error(w, "no matching provider", http.StatusNotFound)
		return
	}

	upstreamURL, err := adapter.Transform(path)
	if err != nil {
		p.submitFailure(reqID, nil, eventstore.KindProviderError, "bad upstream mapping: "+err.Error())
		http.Error(w, "bad upstream mapping", http.StatusBadGateway)
		return
	}

	if err := adapter.ValidateAuth(r.Header); err != nil {
		p.submitFailure(reqID, nil, eventstore.KindProviderError, "missing authentication for "+adapter.ID())
		http.Error(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusInternalServerError)
			return
		}
	}

	sid := p.sessionID(sessCtx, reqBody)

	var appID ids.ApplicationID
	if key := APIKey(r.Header); key != "" {
		appID = ids.ApplicationIDFromKey(key)
	}
	var uid *ids.UserID
	if sessCtx.UserIDRaw != "" {
		if id, err := ids.ParseUserID(sessCtx.UserIDRaw); err == nil {
			uid = &id
		}
	}

	p.submitRequestReceived(reqID, sid, r.Method, path, adapter.ID(), start, !doNotRecord, appID, uid)

	if !doNotRecord {
		env := RecordedRequest{
			RequestID: reqID.String(),
			Method:    r.Method,
			Path:      path,
			Provider:  adapter.ID(),
			Headers:   r.Header,
			Body:      reqBody,
			Timestamp: start,
		}
		if sid != nil {
			env.SessionID = sid.String()
		}
		if data := encodeRecordedRequest(env); data != nil {
			p.RB.Write(data, ringbuffer.DirectionRequest)
		}
	}

	if p.Cache != nil {
		if cached, ok := p.Cache.Lookup(r.Context(), r.Method, path, r.Header, reqBody); ok {
			p.serveCacheHit(w, reqID, sid, adapter, path, cached, doNotRecord)
			return
		}
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(reqBody))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	copyHeaders(proxyReq.Header, r.Header)
	if host, ok := hostOf(upstreamURL); ok {
		proxyReq.Host = host
	}

	if signer, ok := adapter.(provider.RequestSigner); ok {
		if err := signer.SignRequest(r.Context(), proxyReq, reqBody); err != nil {
			p.submitFailure(reqID, sid, eventstore.KindProviderError, "sign request: "+err.Error())
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
	}

	resp, err := p.Client.Do(proxyReq)
	if err != nil {
		kind := eventstore.KindProviderError
		if errors.Is(r.Context().Err(), context.Canceled) {
			kind = eventstore.KindClientCancelled
		}
		p.submitFailure(reqID, sid, kind, err.Error())
		http.Error(w, "upstream request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.submitRequestForwarded(reqID, sid, upstreamURL)
	p.submitResponseReceived(reqID, sid, resp.StatusCode)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(hdrRequestID, reqID.String())
	if p.Cache != nil {
		w.Header().Set(hdrCache, "MISS")
	}
	w.WriteHeader(resp.StatusCode)

	// Retaining the full body is only worth it when someone downstream of
	// the tee can use it: the cache, or the session correlator (which only
	// understands unary JSON responses, not event streams).
	streaming := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	collect := p.Cache != nil || (p.Correlator != nil && sid != nil && !streaming)

	ttfb := time.Since(start)
	body := p.teeResponse(w, resp, reqID, doNotRecord, collect, resp.StatusCode, ttfb)

	if r.Context().Err() != nil {
		p.submitFailure(reqID, sid, eventstore.KindClientCancelled, "client disconnected mid-response")
		return
	}

	if p.Cache != nil {
		p.Cache.Store(r.Context(), r.Method, path, r.Header, reqBody, CachedResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       body,
		})
	}

	if p.Correlator != nil && sid != nil && !streaming && resp.StatusCode < 300 {
		p.Correlator.Observe(*sid, reqBody, body, adapter.ID())
	}
}

// teeResponse copies resp.Body to w one chunk at a time, writing each
// chunk to the ring buffer as its own RESPONSE payload tagged with its
// sequence number. The returned body is non-nil only when collect is set;
// the tee itself never needs more than the current chunk.
func (p *Proxy) teeResponse(w http.ResponseWriter, resp *http.Response, reqID ids.RequestID, doNotRecord, collect bool, statusCode int, ttfb time.Duration) []byte {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	var full []byte
	seq := 0
	markedLast := false

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			last := readErr != nil
			chunk := append([]byte(nil), buf[:n]...)
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			if collect {
				full = append(full, chunk...)
			}

			if !doNotRecord {
				env := RecordedResponseChunk{
					RequestID: reqID.String(),
					Seq:       seq,
					IsLast:    last,
					Body:      chunk,
					Timestamp: time.Now(),
				}
				if seq == 0 {
					env.StatusCode = statusCode
					env.Headers = resp.Header
					env.TTFBMs = ttfb.Milliseconds()
				}
				if data := encodeRecordedResponseChunk(env); data != nil {
					p.RB.Write(data, ringbuffer.DirectionResponse)
				}
			}
			markedLast = last
			seq++
		}
		if readErr != nil {
			break
		}
	}

	if !markedLast && !doNotRecord {
		// The body ended on a read with no data (the usual clean EOF, or a
		// mid-stream error): close out the chunk sequence so the audit
		// pipeline doesn't wait forever for an IsLast that never comes. A
		// zero-length body (e.g. a 204) lands here too, as its only chunk.
		env := RecordedResponseChunk{RequestID: reqID.String(), Seq: seq, IsLast: true, Timestamp: time.Now()}
		if seq == 0 {
			env.StatusCode = statusCode
			env.Headers = resp.Header
			env.TTFBMs = ttfb.Milliseconds()
		}
		if data := encodeRecordedResponseChunk(env); data != nil {
			p.RB.Write(data, ringbuffer.DirectionResponse)
		}
	}

	return full
}

// serveCacheHit answers from the cache without contacting the upstream,
// producing the same audit recording synthetically with cache_hit set.
func (p *Proxy) serveCacheHit(w http.ResponseWriter, reqID ids.RequestID, sid *ids.SessionID, adapter provider.Adapter, path string, cached CachedResponse, doNotRecord bool) {
	p.submitRequestForwarded(reqID, sid, "cache://"+adapter.ID()+path)
	p.submitResponseReceived(reqID, sid, cached.StatusCode)

	copyHeaders(w.Header(), cached.Headers)
	w.Header().Set(hdrRequestID, reqID.String())
	w.Header().Set(hdrCache, "HIT")
	w.Header().Set(hdrAge, fmt.Sprintf("%d", cached.AgeSeconds))
	w.WriteHeader(cached.StatusCode)
	w.Write(cached.Body)

	if doNotRecord {
		return
	}

	// Synthetic audit record: same shape as a real response, cache_hit
	// set, emitted as a single already-complete chunk.
	env := RecordedResponseChunk{
		RequestID:  reqID.String(),
		Seq:        0,
		IsLast:     true,
		StatusCode: cached.StatusCode,
		Headers:    cached.Headers,
		Body:       cached.Body,
		Timestamp:  time.Now(),
		CacheHit:   true,
	}
	if data := encodeRecordedResponseChunk(env); data != nil {
		p.RB.Write(data, ringbuffer.DirectionResponse)
	}
}

func (p *Proxy) submitRequestReceived(reqID ids.RequestID, sid *ids.SessionID, method, path, providerID string, at time.Time, bodyRecorded bool, appID ids.ApplicationID, uid *ids.UserID) {
	p.Bus.Submit(eventstore.RecordAuditEvent{
		Kind: eventstore.KindRequestReceived, RequestID: reqID, SessionID: sid, At: at,
		Method: method, Path: path, Provider: providerID, BodyRecorded: bodyRecorded,
		ApplicationID: appID, UserID: uid,
	})
}

func (p *Proxy) submitRequestForwarded(reqID ids.RequestID, sid *ids.SessionID, upstreamURL string) {
	p.Bus.Submit(eventstore.RecordAuditEvent{
		Kind: eventstore.KindRequestForwarded, RequestID: reqID, SessionID: sid, At: time.Now(),
		UpstreamURL: upstreamURL,
	})
}

func (p *Proxy) submitResponseReceived(reqID ids.RequestID, sid *ids.SessionID, statusCode int) {
	p.Bus.Submit(eventstore.RecordAuditEvent{
		Kind: eventstore.KindResponseReceived, RequestID: reqID, SessionID: sid, At: time.Now(),
		StatusCode: statusCode,
	})
}

func (p *Proxy) submitFailure(reqID ids.RequestID, sid *ids.SessionID, kind eventstore.CommandKind, reason string) {
	p.Bus.Submit(eventstore.RecordAuditEvent{
		Kind: kind, RequestID: reqID, SessionID: sid, At: time.Now(), FailureReason: reason,
	})
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func hostOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Host, true
}
