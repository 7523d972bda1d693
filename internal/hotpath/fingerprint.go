package hotpath

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/prime-radiant-inc/union-square/internal/ids"
)

// fingerprintExcludeKeys are message fields that vary between otherwise
// identical conversation turns (clients attach cache directives to
// follow-up requests) and must not affect the fingerprint.
var fingerprintExcludeKeys = map[string]bool{
	"cache_control": true,
}

// FingerprintMessages computes a SHA-256 hash of a canonicalized message
// list. Canonical form strips excluded keys recursively and re-marshals;
// encoding/json sorts map keys, so two JSON encodings of the same
// conversation hash identically regardless of original key order.
func FingerprintMessages(messages []any) string {
	canonical := canonicalize(messages)
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if fingerprintExcludeKeys[k] {
				continue
			}
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}

// extractMessages pulls the conversation message list out of a request
// body. OpenAI and Anthropic both use a top-level "messages" array.
func extractMessages(body []byte) []any {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	msgs, ok := req["messages"].([]any)
	if !ok {
		return nil
	}
	return msgs
}

// extractAssistantMessage pulls the assistant's reply out of a response
// body, preserving the content structure the provider uses so it matches
// the shape a follow-up request will echo back.
func extractAssistantMessage(respBody []byte, providerID string) (map[string]any, bool) {
	var resp map[string]any
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, false
	}

	switch providerID {
	case "anthropic", "bedrock":
		content, ok := resp["content"].([]any)
		if !ok || len(content) == 0 {
			return nil, false
		}
		return map[string]any{"role": "assistant", "content": content}, true
	case "openai":
		choices, ok := resp["choices"].([]any)
		if !ok || len(choices) == 0 {
			return nil, false
		}
		choice, ok := choices[0].(map[string]any)
		if !ok {
			return nil, false
		}
		message, ok := choice["message"].(map[string]any)
		if !ok {
			return nil, false
		}
		return message, true
	default:
		return nil, false
	}
}

type correlatedSession struct {
	id       ids.SessionID
	lastSeen time.Time
}

// SessionCorrelator assigns sessions to requests that carry no explicit
// session header, by fingerprinting the conversation state before the
// current turn. A request whose prior messages hash to a previously
// observed conversation state continues that session; anything else
// starts a fresh one — including a request that replays an earlier prefix
// of an existing conversation, which forks into its own session rather
// than corrupting the original's history.
type SessionCorrelator struct {
	ttl time.Duration

	mu            sync.Mutex
	byFingerprint map[string]correlatedSession
	lastSweep     time.Time
}

// NewSessionCorrelator constructs a correlator whose conversation-state
// entries expire ttl after their last match or observation.
func NewSessionCorrelator(ttl time.Duration) *SessionCorrelator {
	return &SessionCorrelator{
		ttl:           ttl,
		byFingerprint: make(map[string]correlatedSession),
		lastSweep:     time.Now(),
	}
}

// Correlate resolves the session for a request body with no session
// header. It returns ok=false only when the body carries no messages
// array to correlate on — such requests stay standalone. A single opening
// message starts a new session.
func (c *SessionCorrelator) Correlate(body []byte) (ids.SessionID, bool) {
	messages := extractMessages(body)
	if len(messages) == 0 {
		return ids.SessionID{}, false
	}
	if len(messages) == 1 {
		// Opening turn: nothing prior to match, start a session now so the
		// follow-up (observed via Observe) lands in it.
		return ids.NewSessionID(), true
	}

	prior := FingerprintMessages(messages[:len(messages)-1])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeSweep()

	if entry, ok := c.byFingerprint[prior]; ok {
		entry.lastSeen = time.Now()
		c.byFingerprint[prior] = entry
		return entry.id, true
	}
	// Unknown prior state: a conversation Union Square never saw the start
	// of (restart, or traffic cut over mid-conversation). Track it from
	// here on under a new session.
	return ids.NewSessionID(), true
}

// Observe records the conversation state after a completed exchange: the
// request's messages plus the assistant's reply. The follow-up request's
// prior messages will hash to exactly this state, continuing sessionID.
func (c *SessionCorrelator) Observe(sessionID ids.SessionID, reqBody, respBody []byte, providerID string) {
	messages := extractMessages(reqBody)
	if len(messages) == 0 {
		return
	}
	assistant, ok := extractAssistantMessage(respBody, providerID)
	if !ok {
		return
	}
	next := FingerprintMessages(append(append([]any{}, messages...), assistant))
	if next == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeSweep()
	c.byFingerprint[next] = correlatedSession{id: sessionID, lastSeen: time.Now()}
}

// maybeSweep drops expired entries. Called with c.mu held, at most once
// per ttl/2 so steady-state traffic doesn't pay a full map scan per
// request.
func (c *SessionCorrelator) maybeSweep() {
	now := time.Now()
	if now.Sub(c.lastSweep) < c.ttl/2 {
		return
	}
	c.lastSweep = now
	for fp, entry := range c.byFingerprint {
		if now.Sub(entry.lastSeen) > c.ttl {
			delete(c.byFingerprint, fp)
		}
	}
}
