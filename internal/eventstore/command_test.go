package eventstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/ids"
)

func TestExecuteFullLifecycleHappyPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reqID := ids.NewRequestID()
	sessionID := ids.NewSessionID()
	now := time.Now()

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestReceived, RequestID: reqID, SessionID: &sessionID, At: now,
		Method: "POST", Path: "/openai/v1/chat/completions", Provider: "openai",
	}, 3))

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestForwarded, RequestID: reqID, SessionID: &sessionID, At: now.Add(time.Millisecond),
		UpstreamURL: "https://api.openai.com/v1/chat/completions",
	}, 3))

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindResponseReceived, RequestID: reqID, SessionID: &sessionID, At: now.Add(2 * time.Millisecond),
		StatusCode: 200,
	}, 3))

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindResponseReturned, RequestID: reqID, SessionID: &sessionID, At: now.Add(3 * time.Millisecond),
		StatusCode: 200, Model: "gpt-4o", InputTokens: 10, OutputTokens: 20, CostCents: 1,
	}, 3))

	stream := ids.RequestStream(reqID).String()
	events, err := s.Read(ctx, stream, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, EventRequestReceived, events[0].EventType)
	require.Equal(t, EventResponseReturned, events[3].EventType)

	lifecycle := FoldLifecycle(events)
	require.Equal(t, Completed, lifecycle.State)

	// The session stream carries SessionStarted plus a mirror of every
	// lifecycle event, in order, so replaying it alone shows the full
	// request history.
	sessionStream := ids.SessionStream(sessionID).String()
	sessionEvents, err := s.Read(ctx, sessionStream, 0)
	require.NoError(t, err)
	require.Len(t, sessionEvents, 5)
	wantOrder := []EventType{EventSessionStarted, EventRequestReceived, EventRequestForwarded, EventResponseReceived, EventResponseReturned}
	for i, want := range wantOrder {
		require.Equal(t, want, sessionEvents[i].EventType)
		require.Equal(t, uint64(i), sessionEvents[i].StreamVersion)
	}

	// Mirrors are distinct events: no event ID appears in both streams.
	seen := map[string]bool{}
	for _, e := range append(events, sessionEvents...) {
		require.False(t, seen[e.EventID.String()], "event ID %s appears twice", e.EventID)
		seen[e.EventID.String()] = true
	}
}

func TestExecuteRejectsOutOfOrderTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reqID := ids.NewRequestID()
	now := time.Now()

	// Skip straight to Forwarded with no Received first.
	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestForwarded, RequestID: reqID, At: now, UpstreamURL: "https://x",
	}, 3))

	stream := ids.RequestStream(reqID).String()
	events, err := s.Read(ctx, stream, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventInvalidStateTransition, events[0].EventType)

	var payload InvalidStateTransitionPayload
	require.NoError(t, Unmarshal(events[0], &payload))
	require.Equal(t, "NotStarted", payload.From)
}

func TestExecuteFailureTriggerFromAnyState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reqID := ids.NewRequestID()
	now := time.Now()

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestReceived, RequestID: reqID, At: now, Method: "POST", Path: "/x", Provider: "openai",
	}, 3))

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindClientCancelled, RequestID: reqID, At: now.Add(time.Millisecond), FailureReason: "client disconnected",
	}, 3))

	stream := ids.RequestStream(reqID).String()
	events, err := s.Read(ctx, stream, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventAuditEventProcessingFailed, events[1].EventType)

	require.Equal(t, Failed, FoldLifecycle(events).State)

	next, ok := Transition(FoldLifecycle(events[:1]), TriggerClientCancelled, now, "client disconnected")
	require.True(t, ok)
	require.Equal(t, Failed, next.State)
	require.Equal(t, Received, next.PriorState)
}

func TestExecuteFailureOnFailedIsInvalidTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reqID := ids.NewRequestID()
	now := time.Now()

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestReceived, RequestID: reqID, At: now, Method: "POST", Path: "/x", Provider: "openai",
	}, 3))
	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindProviderError, RequestID: reqID, At: now.Add(time.Millisecond), FailureReason: "dns failure",
	}, 3))
	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindClientCancelled, RequestID: reqID, At: now.Add(2 * time.Millisecond), FailureReason: "late cancel",
	}, 3))

	events, err := s.Read(ctx, ids.RequestStream(reqID).String(), 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, EventInvalidStateTransition, events[2].EventType)
}

func TestExecuteOutOfOrderThenCorrectOrderProceeds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reqID := ids.NewRequestID()
	now := time.Now()

	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestReceived, RequestID: reqID, At: now, Method: "POST", Path: "/x", Provider: "openai",
	}, 3))

	// ResponseReceived before RequestForwarded: recorded as invalid, no
	// lifecycle advance.
	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindResponseReceived, RequestID: reqID, At: now.Add(time.Millisecond), StatusCode: 200,
	}, 3))

	// The correctly ordered command still proceeds from Received.
	require.NoError(t, Execute(ctx, s, RecordAuditEvent{
		Kind: KindRequestForwarded, RequestID: reqID, At: now.Add(2 * time.Millisecond), UpstreamURL: "https://x",
	}, 3))

	events, err := s.Read(ctx, ids.RequestStream(reqID).String(), 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, EventInvalidStateTransition, events[1].EventType)
	require.Equal(t, EventRequestForwarded, events[2].EventType)

	var payload InvalidStateTransitionPayload
	require.NoError(t, Unmarshal(events[1], &payload))
	require.Equal(t, "Received", payload.From)
	require.Equal(t, "ResponseReceived", payload.Attempted)

	require.Equal(t, Forwarded, FoldLifecycle(events).State)
}

func TestExecuteConcurrentCommandsOnOneSessionBothCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessionID := ids.NewSessionID()
	now := time.Now()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = Execute(ctx, s, RecordAuditEvent{
				Kind: KindRequestReceived, RequestID: ids.NewRequestID(), SessionID: &sessionID,
				At: now, Method: "POST", Path: "/x", Provider: "openai",
			}, 10)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Exactly one SessionStarted; both requests mirrored; versions gapless.
	events, err := s.Read(ctx, ids.SessionStream(sessionID).String(), 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	started := 0
	for i, e := range events {
		require.Equal(t, uint64(i), e.StreamVersion)
		if e.EventType == EventSessionStarted {
			started++
		}
	}
	require.Equal(t, 1, started)
}

func TestExecuteRejectsCommandWithoutRequestID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := Execute(ctx, s, RecordAuditEvent{Kind: KindRequestReceived}, 3)
	require.ErrorIs(t, err, ErrCommandRejected)
}
