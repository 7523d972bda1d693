package hotpath

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/provider"
	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

func testProxy(t *testing.T, upstream string, honorDoNotRecord bool) (*Proxy, *eventstore.Store) {
	t.Helper()
	store := openTestStore(t)
	registry := provider.NewRegistry()
	registry.Register(provider.NewOpenAI(upstream))

	rb := ringbuffer.New(ringbuffer.Config{SlotCount: 64, SlotCapacity: 4096, Strategy: ringbuffer.OverflowDrop, StallTimeout: time.Second})
	bus := NewCommandBus(store, 3, 64)
	go bus.Run(t.Context())

	proxy := NewProxy(registry, rb, bus, nil, honorDoNotRecord)
	return proxy, store
}

func TestProxyForwardsHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	proxy, _ := testProxy(t, upstream.URL, true)

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"ok":true}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(hdrRequestID))
}

func TestProxyReturns404WhenNoProviderMatches(t *testing.T) {
	proxy, _ := testProxy(t, "http://unused.invalid", true)

	req := httptest.NewRequest(http.MethodPost, "/nope/v1/whatever", nil)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyReturns401WhenAuthHeaderMissing(t *testing.T) {
	proxy, _ := testProxy(t, "http://unused.invalid", true)

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxyTeesResponseAndClosesChunkSequence(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: part1\n\n"))
		flusher.Flush()
		w.Write([]byte("data: part2\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	proxy, _ := testProxy(t, upstream.URL, true)

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, "data: part1\n\ndata: part2\n\n", rec.Body.String())

	// Drain the ring buffer: one REQUEST payload plus the RESPONSE chunk
	// sequence, which must end with an IsLast marker so the audit side
	// knows the response is complete.
	var body []byte
	sawLast := false
	for {
		chunk, ok := proxy.RB.Read()
		if !ok {
			break
		}
		if chunk.Direction != ringbuffer.DirectionResponse {
			continue
		}
		env, err := DecodeRecordedResponseChunk(chunk.Data)
		require.NoError(t, err)
		body = append(body, env.Body...)
		if env.IsLast {
			sawLast = true
		}
	}
	require.True(t, sawLast, "response chunk sequence must be closed with IsLast")
	require.Equal(t, "data: part1\n\ndata: part2\n\n", string(body))
}

func TestProxyDoNotRecordStillForwardsButSkipsRingBufferWrites(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	proxy, _ := testProxy(t, upstream.URL, true)

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("X-Unionsquare-Do-Not-Record", "true")
	rec := httptest.NewRecorder()

	before := proxy.RB.Stats()
	proxy.ServeHTTP(rec, req)
	after := proxy.RB.Stats()

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, before.ProducerCursor, after.ProducerCursor, "do-not-record must skip ring buffer writes entirely")
}
