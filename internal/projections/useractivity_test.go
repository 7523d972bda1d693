package projections

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
	"github.com/prime-radiant-inc/union-square/internal/ids"
)

func TestUserActivityAggregatesByAppAndModel(t *testing.T) {
	p := NewUserActivity()

	uid := ids.NewUserID()
	appID := ids.NewApplicationID()
	reqID := ids.NewRequestID()
	now := time.Now()

	p.Apply(mustEnvelope(t, ids.RequestStream(reqID).String(), reqID, eventstore.EventRequestReceived, now,
		eventstore.RequestReceivedPayload{RequestID: reqID, UserID: &uid, ApplicationID: appID}))
	p.Apply(mustEnvelope(t, ids.RequestStream(reqID).String(), reqID, eventstore.EventResponseReturned, now,
		eventstore.ResponseReturnedPayload{RequestID: reqID, StatusCode: 200, Model: "claude-3-opus"}))

	entry := p.users[uid.String()]
	require.NotNil(t, entry)
	require.Equal(t, 1, entry.RequestsByApp[appID.String()])
	require.Equal(t, 1, entry.RequestsByModel["claude-3-opus"])
}

func TestUserActivityIgnoresRequestsWithoutUserID(t *testing.T) {
	p := NewUserActivity()
	reqID := ids.NewRequestID()

	p.Apply(mustEnvelope(t, ids.RequestStream(reqID).String(), reqID, eventstore.EventRequestReceived, time.Now(),
		eventstore.RequestReceivedPayload{RequestID: reqID}))
	p.Apply(mustEnvelope(t, ids.RequestStream(reqID).String(), reqID, eventstore.EventResponseReturned, time.Now(),
		eventstore.ResponseReturnedPayload{RequestID: reqID, StatusCode: 200}))

	require.Empty(t, p.users)
}

func TestUserActivityDirtyAndLoadStateRoundTrip(t *testing.T) {
	p := NewUserActivity()
	uid := ids.NewUserID()
	appID := ids.NewApplicationID()
	reqID := ids.NewRequestID()
	now := time.Now()

	p.Apply(mustEnvelope(t, ids.RequestStream(reqID).String(), reqID, eventstore.EventRequestReceived, now,
		eventstore.RequestReceivedPayload{RequestID: reqID, UserID: &uid, ApplicationID: appID}))
	p.Apply(mustEnvelope(t, ids.RequestStream(reqID).String(), reqID, eventstore.EventResponseReturned, now,
		eventstore.ResponseReturnedPayload{RequestID: reqID, StatusCode: 200, Model: "gpt-4o"}))

	dirty := p.Dirty()
	fresh := NewUserActivity()
	fresh.LoadState(dirty)
	require.Equal(t, p.users[uid.String()], fresh.users[uid.String()])
}
