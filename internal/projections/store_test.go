package projections

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/ids"
)

func openTestEventStore(t *testing.T) *eventstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := eventstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestProjectionStoreReturnsNilForUnknownKeys(t *testing.T) {
	es := openTestEventStore(t)
	store := NewStore(es)
	ctx := context.Background()

	entry, err := store.SessionSummary(ctx, ids.NewSessionID().String())
	require.NoError(t, err)
	require.Nil(t, entry)

	ua, err := store.UserActivity(ctx, ids.NewUserID().String())
	require.NoError(t, err)
	require.Nil(t, ua)

	hm, err := store.HourlyMetrics(ctx, ids.NewApplicationID().String(), time.Now())
	require.NoError(t, err)
	require.Nil(t, hm)
}

func TestProjectionStoreReadsMaterializedSessionSummary(t *testing.T) {
	es := openTestEventStore(t)
	ctx := context.Background()

	sid := ids.NewSessionID()
	entry := SessionSummaryEntry{
		SessionID:    sid.String(),
		RequestCount: 2,
		SuccessCount: 2,
		Models:       map[string]bool{"gpt-4": true},
	}

	updates := map[string]json.RawMessage{sid.String(): mustMarshal(t, entry)}
	require.NoError(t, es.SaveProjectionUpdate(ctx, (&SessionSummary{}).Name(), updates, 1))

	store := NewStore(es)
	got, err := store.SessionSummary(ctx, sid.String())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, got.RequestCount)
	require.True(t, got.Models["gpt-4"])
}

func TestProjectionStoreReadsMaterializedHourlyMetrics(t *testing.T) {
	es := openTestEventStore(t)
	ctx := context.Background()

	appID := ids.NewApplicationID()
	hour := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	key := bucketKey(appID.String(), hour)
	entry := HourlyMetricsEntry{ApplicationID: appID.String(), HourBucket: hour.UTC().Truncate(time.Hour), RequestCount: 5}

	updates := map[string]json.RawMessage{key: mustMarshal(t, entry)}
	require.NoError(t, es.SaveProjectionUpdate(ctx, (&HourlyMetrics{}).Name(), updates, 1))

	store := NewStore(es)
	got, err := store.HourlyMetrics(ctx, appID.String(), hour.Add(20*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 5, got.RequestCount)
}
