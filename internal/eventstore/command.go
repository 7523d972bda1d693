package eventstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/prime-radiant-inc/union-square/internal/ids"
)

// CommandKind is the variant tag a RecordAuditEvent command carries.
type CommandKind string

const (
	KindRequestReceived  CommandKind = "RequestReceived"
	KindRequestForwarded CommandKind = "RequestForwarded"
	KindResponseReceived CommandKind = "ResponseReceived"
	KindResponseReturned CommandKind = "ResponseReturned"
	KindParsingFailed    CommandKind = "ParsingFailed"
	KindProviderError    CommandKind = "ProviderError"
	KindClientCancelled  CommandKind = "ClientCancelled"
)

// ErrCommandRejected is returned for a malformed command; nothing is
// written in that case.
var ErrCommandRejected = errors.New("eventstore: command rejected")

// RecordAuditEvent is the single unified audit command: one variant tag,
// the request it concerns, the session it optionally belongs to, a
// timestamp, and event-specific payload data supplied by the caller (the
// assembler or parser, which already know the shape).
type RecordAuditEvent struct {
	Kind      CommandKind
	RequestID ids.RequestID
	SessionID *ids.SessionID // nil if the request has no session context

	At time.Time

	// Each Kind reads only the fields it needs; the rest are ignored.
	Method, Path, Provider string // KindRequestReceived
	UpstreamURL            string // KindRequestForwarded
	StatusCode             int    // KindResponseReceived, KindResponseReturned
	Model                  string
	InputTokens, OutputTokens int
	CostCents               int64
	CacheHit                 bool
	FailureReason            string // KindParsingFailed, KindProviderError, KindClientCancelled
	RawLen                   int    // KindParsingFailed
	BodyRecorded             bool   // KindRequestReceived; false under X-UnionSquare-Do-Not-Record
	ApplicationID            ids.ApplicationID // KindRequestReceived; derived from the caller's API key
	UserID                   *ids.UserID       // KindRequestReceived; from X-UnionSquare-User-Id
}

// streams returns the command's read/write stream-set.
func (c RecordAuditEvent) streams() []string {
	s := []string{ids.RequestStream(c.RequestID).String()}
	if c.SessionID != nil && !c.SessionID.IsZero() {
		s = append(s, ids.SessionStream(*c.SessionID).String())
	}
	return s
}

func (c RecordAuditEvent) validate() error {
	if c.RequestID.IsZero() {
		return fmt.Errorf("%w: missing request id", ErrCommandRejected)
	}
	switch c.Kind {
	case KindRequestReceived, KindRequestForwarded, KindResponseReceived, KindResponseReturned,
		KindParsingFailed, KindProviderError, KindClientCancelled:
	default:
		return fmt.Errorf("%w: unknown command kind %q", ErrCommandRejected, c.Kind)
	}
	if triggerFor(c.Kind) == "" {
		return fmt.Errorf("%w: command kind %q has no lifecycle trigger", ErrCommandRejected, c.Kind)
	}
	return nil
}

// Execute runs the command's full protocol: read the declared streams,
// fold lifecycle state, validate the transition, build the resulting
// event(s), and atomically append — retrying on ErrConcurrencyConflict up
// to maxRetries times with jittered backoff.
func Execute(ctx context.Context, store *Store, cmd RecordAuditEvent, maxRetries int) error {
	if err := cmd.validate(); err != nil {
		return err
	}

	requestStream := ids.RequestStream(cmd.RequestID).String()

	for attempt := 0; ; attempt++ {
		events, err := store.Read(ctx, requestStream, 0)
		if err != nil {
			return fmt.Errorf("eventstore: read %s: %w", requestStream, err)
		}
		requestVersion := int64(len(events)) - 1 // -1 if stream doesn't exist yet

		var sessionVersion int64 = -1
		var sessionStream string
		if cmd.SessionID != nil && !cmd.SessionID.IsZero() {
			sessionStream = ids.SessionStream(*cmd.SessionID).String()
			sv, err := store.CurrentVersion(ctx, sessionStream)
			if err != nil {
				return fmt.Errorf("eventstore: read %s: %w", sessionStream, err)
			}
			sessionVersion = sv
		}

		current := FoldLifecycle(events)
		trigger := triggerFor(cmd.Kind)
		next, legal := Transition(current, trigger, cmd.At, cmd.FailureReason)

		var requestEvents []Envelope
		if !legal {
			env, err := NewEnvelope(requestStream, cmd.RequestID, EventInvalidStateTransition, cmd.At, InvalidStateTransitionPayload{
				RequestID: cmd.RequestID,
				From:      current.State.String(),
				Attempted: string(trigger),
				At:        cmd.At,
			})
			if err != nil {
				return err
			}
			requestEvents = append(requestEvents, env)
		} else {
			env, err := cmd.buildEvent(requestStream, next)
			if err != nil {
				return err
			}
			requestEvents = append(requestEvents, env)
		}

		for i, e := range requestEvents {
			e.StreamVersion = uint64(requestVersion + 1 + int64(i))
			requestEvents[i] = e
		}

		writes := []StreamWrite{{
			StreamID:        requestStream,
			ExpectedVersion: requestVersion,
			Events:          requestEvents,
		}}

		// A request that belongs to a session also writes that session's
		// stream: SessionStarted on the stream's first-ever write, then a
		// mirror of each lifecycle event (with its own event ID — an event
		// ID appears in at most one stream), so replaying session:{id}
		// alone shows the full ordered lifecycle of every request in it.
		if sessionStream != "" {
			var sessionEvents []Envelope
			if sessionVersion == -1 {
				started, err := NewEnvelope(sessionStream, cmd.RequestID, EventSessionStarted, cmd.At, SessionStartedPayload{
					SessionID: *cmd.SessionID,
				})
				if err != nil {
					return err
				}
				sessionEvents = append(sessionEvents, started)
			}
			for _, re := range requestEvents {
				mirror := re
				mirror.EventID = uuid.Must(uuid.NewV7())
				mirror.StreamID = sessionStream
				sessionEvents = append(sessionEvents, mirror)
			}
			for i, e := range sessionEvents {
				e.StreamVersion = uint64(sessionVersion + 1 + int64(i))
				sessionEvents[i] = e
			}
			writes = append(writes, StreamWrite{
				StreamID:        sessionStream,
				ExpectedVersion: sessionVersion,
				Events:          sessionEvents,
			})
		}

		err = store.Append(ctx, writes)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("eventstore: command exhausted %d retries: %w", maxRetries, err)
		}

		backoff := time.Duration(5+rand.Intn(15)) * time.Millisecond * time.Duration(attempt+1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c RecordAuditEvent) buildEvent(stream string, l Lifecycle) (Envelope, error) {
	switch c.Kind {
	case KindRequestReceived:
		var sid *ids.SessionID
		if c.SessionID != nil {
			sid = c.SessionID
		}
		return NewEnvelope(stream, c.RequestID, EventRequestReceived, c.At, RequestReceivedPayload{
			RequestID: c.RequestID, SessionID: sid, Method: c.Method, Path: c.Path, Provider: c.Provider,
			BodyRecorded: c.BodyRecorded, ApplicationID: c.ApplicationID, UserID: c.UserID,
		})
	case KindRequestForwarded:
		return NewEnvelope(stream, c.RequestID, EventRequestForwarded, c.At, RequestForwardedPayload{
			RequestID: c.RequestID, UpstreamURL: c.UpstreamURL,
		})
	case KindResponseReceived:
		return NewEnvelope(stream, c.RequestID, EventResponseReceived, c.At, ResponseReceivedPayload{
			RequestID: c.RequestID, StatusCode: c.StatusCode,
		})
	case KindResponseReturned:
		return NewEnvelope(stream, c.RequestID, EventResponseReturned, c.At, ResponseReturnedPayload{
			RequestID: c.RequestID, StatusCode: c.StatusCode, Model: c.Model,
			InputTokens: c.InputTokens, OutputTokens: c.OutputTokens, CostCents: c.CostCents, CacheHit: c.CacheHit,
		})
	case KindParsingFailed:
		return NewEnvelope(stream, c.RequestID, EventLlmRequestParsingFailed, c.At, LlmRequestParsingFailedPayload{
			RequestID: c.RequestID, Error: c.FailureReason, RawLen: c.RawLen,
		})
	case KindProviderError, KindClientCancelled:
		return NewEnvelope(stream, c.RequestID, EventAuditEventProcessingFailed, c.At, AuditEventProcessingFailedPayload{
			RequestID: c.RequestID, Reason: c.FailureReason,
		})
	default:
		return Envelope{}, fmt.Errorf("%w: unhandled command kind %q", ErrCommandRejected, c.Kind)
	}
}
