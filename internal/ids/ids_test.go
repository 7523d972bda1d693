package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamNameGrammarRoundTrip(t *testing.T) {
	sid := NewSessionID()
	got, err := ParseStreamName(SessionStream(sid).String())
	require.NoError(t, err)
	require.Equal(t, StreamSession, got.Kind())
	require.Equal(t, "session:"+sid.String(), got.String())

	uid := NewUserID()
	got, err = ParseStreamName(UserSettingsStream(uid).String())
	require.NoError(t, err)
	require.Equal(t, StreamUserSettings, got.Kind())
	require.Equal(t, "user:"+uid.String()+":settings", got.String())

	rid := NewRequestID()
	got, err = ParseStreamName(RequestStream(rid).String())
	require.NoError(t, err)
	require.Equal(t, StreamRequest, got.Kind())
}

func TestParseStreamNameRejectsIllFormedNames(t *testing.T) {
	cases := []string{
		"",
		"session:not-a-uuid",
		"bogus:123",
		"user:" + NewUserID().String(), // missing ":settings" suffix
		"session" + NewSessionID().String(), // missing colon
	}
	for _, c := range cases {
		_, err := ParseStreamName(c)
		require.ErrorIs(t, err, ErrInvalidStreamName, "input: %q", c)
	}
}

func TestParseRequestIDRoundTrip(t *testing.T) {
	id := NewRequestID()
	got, err := ParseRequestID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestParseRequestIDRejectsMalformed(t *testing.T) {
	_, err := ParseRequestID("not-a-uuid")
	require.Error(t, err)
}

func TestZeroValueIsZero(t *testing.T) {
	var id RequestID
	require.True(t, id.IsZero())
	require.False(t, NewRequestID().IsZero())
}

func TestApplicationIDFromKeyIsDeterministic(t *testing.T) {
	a := ApplicationIDFromKey("sk-test-key-1")
	b := ApplicationIDFromKey("sk-test-key-1")
	c := ApplicationIDFromKey("sk-test-key-2")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestSessionIDFromRawIsDeterministic(t *testing.T) {
	a := SessionIDFromRaw("my-session-name")
	b := SessionIDFromRaw("my-session-name")
	c := SessionIDFromRaw("other-session")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.False(t, a.IsZero())
}

func TestDistinctIDTypesAreNotInterchangeable(t *testing.T) {
	// Compile-time only: SessionID and RequestID are distinct struct types
	// even though both wrap a uuid.UUID. This test documents the intent;
	// assigning one to the other's variable would fail to compile.
	sid := NewSessionID()
	rid := NewRequestID()
	require.NotEqual(t, sid.String(), rid.String())
}
