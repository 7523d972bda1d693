package eventstore

import "time"

// LifecycleState enumerates the six states a proxied request moves
// through: NotStarted, Received, Forwarded, ResponseReceived, Completed,
// and the terminal Failed.
type LifecycleState int

const (
	NotStarted LifecycleState = iota
	Received
	Forwarded
	ResponseReceived
	Completed
	Failed
)

func (s LifecycleState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Received:
		return "Received"
	case Forwarded:
		return "Forwarded"
	case ResponseReceived:
		return "ResponseReceived"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Lifecycle is the folded state of one request's events: the timestamp
// tuple grows monotonically (t1<=t2<=t3<=t4) and Failed freezes the prior
// state verbatim.
type Lifecycle struct {
	State      LifecycleState
	PriorState LifecycleState // meaningful only when State == Failed
	FailError  string
	T1, T2, T3, T4 time.Time
}

// Trigger is the variant tag a RecordAuditEvent command carries.
type Trigger string

const (
	TriggerRequestReceived  Trigger = "RequestReceived"
	TriggerRequestForwarded Trigger = "RequestForwarded"
	TriggerResponseReceived Trigger = "ResponseReceived"
	TriggerResponseReturned Trigger = "ResponseReturned"
	TriggerParsingFailed    Trigger = "ParsingFailed"
	TriggerProviderError    Trigger = "ProviderError"
	TriggerClientCancelled  Trigger = "ClientCancelled"
)

func isFailureTrigger(t Trigger) bool {
	return t == TriggerParsingFailed || t == TriggerProviderError || t == TriggerClientCancelled
}

// Transition applies trigger to the current lifecycle at time at. It
// returns the new lifecycle and true if the transition is legal; if not,
// it returns the unchanged lifecycle and false — the caller is responsible
// for persisting InvalidStateTransition in that case.
//
// A failure trigger is legal from any live state; Failed itself is
// terminal, so failing an already-failed request is illegal rather than
// silently re-failing it.
func Transition(current Lifecycle, trigger Trigger, at time.Time, failErr string) (Lifecycle, bool) {
	if isFailureTrigger(trigger) {
		if current.State == Failed {
			return current, false
		}
		return Lifecycle{
			State:      Failed,
			PriorState: current.State,
			FailError:  failErr,
			T1:         current.T1, T2: current.T2, T3: current.T3, T4: current.T4,
		}, true
	}

	switch {
	case current.State == NotStarted && trigger == TriggerRequestReceived:
		next := current
		next.State = Received
		next.T1 = at
		return next, true
	case current.State == Received && trigger == TriggerRequestForwarded:
		next := current
		next.State = Forwarded
		next.T2 = at
		return next, true
	case current.State == Forwarded && trigger == TriggerResponseReceived:
		next := current
		next.State = ResponseReceived
		next.T3 = at
		return next, true
	case current.State == ResponseReceived && trigger == TriggerResponseReturned:
		next := current
		next.State = Completed
		next.T4 = at
		return next, true
	default:
		return current, false
	}
}

// FoldLifecycle replays a request stream's events into a Lifecycle. Events
// not recognized as lifecycle transitions (e.g. InvalidStateTransition
// records themselves) are skipped — they're persisted for audit but don't
// move the state machine.
func FoldLifecycle(events []Envelope) Lifecycle {
	var l Lifecycle
	for _, e := range events {
		switch e.EventType {
		case EventRequestReceived:
			l, _ = Transition(l, TriggerRequestReceived, e.Timestamp, "")
		case EventRequestForwarded:
			l, _ = Transition(l, TriggerRequestForwarded, e.Timestamp, "")
		case EventResponseReceived:
			l, _ = Transition(l, TriggerResponseReceived, e.Timestamp, "")
		case EventResponseReturned:
			l, _ = Transition(l, TriggerResponseReturned, e.Timestamp, "")
		case EventLlmRequestParsingFailed:
			l, _ = Transition(l, TriggerParsingFailed, e.Timestamp, "parsing failed")
		case EventAuditEventProcessingFailed:
			l, _ = Transition(l, TriggerProviderError, e.Timestamp, "audit processing failed")
		}
	}
	return l
}

func triggerFor(k CommandKind) Trigger {
	switch k {
	case KindRequestReceived:
		return TriggerRequestReceived
	case KindRequestForwarded:
		return TriggerRequestForwarded
	case KindResponseReceived:
		return TriggerResponseReceived
	case KindResponseReturned:
		return TriggerResponseReturned
	case KindParsingFailed:
		return TriggerParsingFailed
	case KindProviderError:
		return TriggerProviderError
	case KindClientCancelled:
		return TriggerClientCancelled
	default:
		return ""
	}
}
