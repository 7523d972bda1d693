// Package ids defines the opaque, time-ordered identifiers used throughout
// Union Square, and the stream-name grammar that ties them to event streams.
package ids

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidStreamName is returned when a stream name fails grammar
// validation.
var ErrInvalidStreamName = errors.New("invalid stream name")

// SessionID, RequestID, AnalysisID, ExtractionID, UserID and ApplicationID
// are opaque newtypes over UUIDv7 values. They are distinct types so the
// compiler catches a SessionID passed where a RequestID is expected.
type (
	SessionID     struct{ v uuid.UUID }
	RequestID     struct{ v uuid.UUID }
	AnalysisID    struct{ v uuid.UUID }
	ExtractionID  struct{ v uuid.UUID }
	UserID        struct{ v uuid.UUID }
	ApplicationID struct{ v uuid.UUID }
)

// NewSessionID, NewRequestID, ... generate a fresh time-ordered identifier.
func NewSessionID() SessionID         { return SessionID{mustV7()} }
func NewRequestID() RequestID         { return RequestID{mustV7()} }
func NewAnalysisID() AnalysisID       { return AnalysisID{mustV7()} }
func NewExtractionID() ExtractionID   { return ExtractionID{mustV7()} }
func NewUserID() UserID               { return UserID{mustV7()} }
func NewApplicationID() ApplicationID { return ApplicationID{mustV7()} }

func mustV7() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system RNG can't be read; that is a
		// fatal platform condition, not something callers can recover from.
		panic(fmt.Sprintf("ids: failed to generate UUIDv7: %v", err))
	}
	return id
}

func (s SessionID) String() string     { return s.v.String() }
func (r RequestID) String() string     { return r.v.String() }
func (a AnalysisID) String() string    { return a.v.String() }
func (e ExtractionID) String() string  { return e.v.String() }
func (u UserID) String() string        { return u.v.String() }
func (a ApplicationID) String() string { return a.v.String() }

// MarshalText/UnmarshalText delegate to the underlying uuid.UUID so every
// ID newtype round-trips through encoding/json (which prefers
// encoding.TextMarshaler over a struct's unexported fields) the same way
// a bare uuid.UUID would — required since every event payload in
// internal/eventstore embeds these types directly.
func (s SessionID) MarshalText() ([]byte, error) { return s.v.MarshalText() }
func (r RequestID) MarshalText() ([]byte, error) { return r.v.MarshalText() }
func (a AnalysisID) MarshalText() ([]byte, error) { return a.v.MarshalText() }
func (e ExtractionID) MarshalText() ([]byte, error) { return e.v.MarshalText() }
func (u UserID) MarshalText() ([]byte, error) { return u.v.MarshalText() }
func (a ApplicationID) MarshalText() ([]byte, error) { return a.v.MarshalText() }

func (s *SessionID) UnmarshalText(b []byte) error { return s.v.UnmarshalText(b) }
func (r *RequestID) UnmarshalText(b []byte) error { return r.v.UnmarshalText(b) }
func (a *AnalysisID) UnmarshalText(b []byte) error { return a.v.UnmarshalText(b) }
func (e *ExtractionID) UnmarshalText(b []byte) error { return e.v.UnmarshalText(b) }
func (u *UserID) UnmarshalText(b []byte) error { return u.v.UnmarshalText(b) }
func (a *ApplicationID) UnmarshalText(b []byte) error { return a.v.UnmarshalText(b) }

func (s SessionID) IsZero() bool     { return s.v == uuid.Nil }
func (r RequestID) IsZero() bool     { return r.v == uuid.Nil }
func (a AnalysisID) IsZero() bool    { return a.v == uuid.Nil }
func (e ExtractionID) IsZero() bool  { return e.v == uuid.Nil }
func (u UserID) IsZero() bool        { return u.v == uuid.Nil }
func (a ApplicationID) IsZero() bool { return a.v == uuid.Nil }

// ParseSessionID parses a canonical UUID string (any version) as a
// SessionID. Client-supplied IDs are not required to be UUIDv7 — only IDs
// Union Square generates itself are.
func ParseSessionID(s string) (SessionID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("ids: parse session id: %w", err)
	}
	return SessionID{v}, nil
}

// ParseRequestID parses a canonical UUID string as a RequestID. Returns an
// error for malformed input; hot-path callers treat that as "absent" and
// generate a fresh UUIDv7 instead of failing the request.
func ParseRequestID(s string) (RequestID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return RequestID{}, fmt.Errorf("ids: parse request id: %w", err)
	}
	return RequestID{v}, nil
}

func ParseUserID(s string) (UserID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("ids: parse user id: %w", err)
	}
	return UserID{v}, nil
}

func ParseApplicationID(s string) (ApplicationID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ApplicationID{}, fmt.Errorf("ids: parse application id: %w", err)
	}
	return ApplicationID{v}, nil
}

// applicationNamespace scopes the deterministic UUIDv5 derivation in
// ApplicationIDFromKey. Any fixed namespace works; this one is arbitrary
// and private to this build.
var applicationNamespace = uuid.MustParse("6f6e6975-6f6e-5175-6172-652d756e6971")

// ApplicationIDFromKey derives a stable ApplicationID from the caller's
// X-API-Key. Unlike the New*ID constructors, this is deterministic rather
// than time-ordered: the same key always maps to the same ApplicationID so
// the User Activity and Hourly Metrics projections can key their
// aggregates by it without a separate registration step.
func ApplicationIDFromKey(apiKey string) ApplicationID {
	return ApplicationID{uuid.NewSHA1(applicationNamespace, []byte(apiKey))}
}

// sessionNamespace scopes SessionIDFromRaw the same way
// applicationNamespace scopes ApplicationIDFromKey.
var sessionNamespace = uuid.MustParse("73657373-696f-5175-6172-652d756e6971")

// SessionIDFromRaw derives a stable SessionID from a client-supplied
// session value that isn't itself a UUID. The same raw value always maps
// to the same SessionID, so requests carrying it still group into one
// session even though the client never minted a proper identifier.
func SessionIDFromRaw(raw string) SessionID {
	return SessionID{uuid.NewSHA1(sessionNamespace, []byte(raw))}
}

// StreamKind identifies the grammar a stream name must satisfy.
type StreamKind int

const (
	StreamSession StreamKind = iota
	StreamAnalysis
	StreamUserSettings
	StreamExtraction
	StreamRequest
)

// StreamName is a validated stream identifier matching one of:
//
//	session:{SessionId}
//	analysis:{AnalysisId}
//	user:{UserId}:settings
//	extraction:{ExtractionId}
//	request:{RequestId}
type StreamName struct {
	kind  StreamKind
	value string
}

func (n StreamName) String() string  { return n.value }
func (n StreamName) Kind() StreamKind { return n.kind }

// SessionStream, AnalysisStream, UserSettingsStream, ExtractionStream and
// RequestStream construct a StreamName of the matching grammar. Construction
// can't fail: the identifier types are already validated UUIDs, so the
// resulting stream name is well-formed by construction.
func SessionStream(id SessionID) StreamName {
	return StreamName{StreamSession, "session:" + id.String()}
}

func AnalysisStream(id AnalysisID) StreamName {
	return StreamName{StreamAnalysis, "analysis:" + id.String()}
}

func UserSettingsStream(id UserID) StreamName {
	return StreamName{StreamUserSettings, "user:" + id.String() + ":settings"}
}

func ExtractionStream(id ExtractionID) StreamName {
	return StreamName{StreamExtraction, "extraction:" + id.String()}
}

func RequestStream(id RequestID) StreamName {
	return StreamName{StreamRequest, "request:" + id.String()}
}

// ParseStreamName validates an arbitrary string against the stream grammar.
// Used when a stream name arrives as data (e.g. loaded from the event
// store) rather than constructed from a typed ID.
func ParseStreamName(s string) (StreamName, error) {
	switch {
	case strings.HasPrefix(s, "session:"):
		id, err := ParseSessionID(strings.TrimPrefix(s, "session:"))
		if err != nil {
			return StreamName{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamName, s, err)
		}
		return SessionStream(id), nil
	case strings.HasPrefix(s, "analysis:"):
		id, err := uuid.Parse(strings.TrimPrefix(s, "analysis:"))
		if err != nil {
			return StreamName{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamName, s, err)
		}
		return AnalysisStream(AnalysisID{id}), nil
	case strings.HasPrefix(s, "user:") && strings.HasSuffix(s, ":settings"):
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "user:"), ":settings")
		id, err := ParseUserID(inner)
		if err != nil {
			return StreamName{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamName, s, err)
		}
		return UserSettingsStream(id), nil
	case strings.HasPrefix(s, "extraction:"):
		id, err := uuid.Parse(strings.TrimPrefix(s, "extraction:"))
		if err != nil {
			return StreamName{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamName, s, err)
		}
		return ExtractionStream(ExtractionID{id}), nil
	case strings.HasPrefix(s, "request:"):
		id, err := ParseRequestID(strings.TrimPrefix(s, "request:"))
		if err != nil {
			return StreamName{}, fmt.Errorf("%w: %q: %v", ErrInvalidStreamName, s, err)
		}
		return RequestStream(id), nil
	default:
		return StreamName{}, fmt.Errorf("%w: %q", ErrInvalidStreamName, s)
	}
}
