package hotpath

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/ids"
	"github.com/prime-radiant-inc/union-square/internal/projections"
	"github.com/prime-radiant-inc/union-square/internal/provider"
	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

func testServer(t *testing.T) (*Server, *eventstore.Store) {
	t.Helper()
	store := openTestStore(t)
	registry := provider.NewRegistry()
	registry.Register(provider.NewOpenAI("http://unused.invalid"))
	rb := ringbuffer.New(ringbuffer.Config{SlotCount: 64, SlotCapacity: 4096, Strategy: ringbuffer.OverflowDrop, StallTimeout: time.Second})
	bus := NewCommandBus(store, 3, 64)
	proxy := NewProxy(registry, rb, bus, nil, true)
	return NewServer(proxy, rb, bus, store, nil, 0), store
}

func TestServerHealthzAndReadyz(t *testing.T) {
	server, _ := testServer(t)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "ring_buffer")
	require.Contains(t, body, "commands_dropped")
}

func TestServerSessionSummaryNotFoundUntilMaterialized(t *testing.T) {
	server, _ := testServer(t)
	sid := ids.NewSessionID()

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sid.String(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerSessionSummaryReturnsMaterializedEntry(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()

	sid := ids.NewSessionID()
	entry := projections.SessionSummaryEntry{SessionID: sid.String(), RequestCount: 3}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	require.NoError(t, store.SaveProjectionUpdate(ctx, "session_summary", map[string]json.RawMessage{sid.String(): raw}, 1))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sid.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got projections.SessionSummaryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 3, got.RequestCount)
}

func TestServerHourlyMetricsRejectsBadHourParam(t *testing.T) {
	server, _ := testServer(t)
	appID := ids.NewApplicationID()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/"+appID.String()+"?hour=not-a-time", nil)
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerRejectsOversizedHeaders(t *testing.T) {
	server, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	huge := make([]byte, 32*1024)
	for i := range huge {
		huge[i] = 'a'
	}
	req.Header.Set("X-Huge", string(huge))

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestHeaderFieldsTooLarge, rec.Code)
}
