package hotpath

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/ids"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := eventstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommandBusSubmitDropsWhenBacklogFull(t *testing.T) {
	store := openTestStore(t)
	bus := NewCommandBus(store, 3, 1)

	reqID := ids.NewRequestID()
	cmd := eventstore.RecordAuditEvent{Kind: eventstore.KindRequestReceived, RequestID: reqID, At: time.Now(), Method: "POST", Path: "/openai/v1/chat/completions", Provider: "openai"}

	require.True(t, bus.Submit(cmd))
	// The single-slot backlog is now full since nothing is draining it.
	require.False(t, bus.Submit(cmd))
	require.Equal(t, uint64(1), bus.Dropped())
}

func TestCommandBusRunExecutesQueuedCommands(t *testing.T) {
	store := openTestStore(t)
	bus := NewCommandBus(store, 3, 4)

	reqID := ids.NewRequestID()
	cmd := eventstore.RecordAuditEvent{Kind: eventstore.KindRequestReceived, RequestID: reqID, At: time.Now(), Method: "POST", Path: "/openai/v1/chat/completions", Provider: "openai"}
	require.True(t, bus.Submit(cmd))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go bus.Run(ctx)

	require.Eventually(t, func() bool {
		env, err := store.Read(context.Background(), ids.RequestStream(reqID).String(), 0)
		return err == nil && len(env) > 0
	}, 150*time.Millisecond, 5*time.Millisecond)
}
