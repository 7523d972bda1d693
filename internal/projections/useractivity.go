package projections

import (
	"encoding/json"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
)

// UserActivityEntry is the per-user materialized state: per-application
// usage counts and model counts.
type UserActivityEntry struct {
	UserID          string         `json:"user_id"`
	RequestsByApp   map[string]int `json:"requests_by_app,omitempty"`
	RequestsByModel map[string]int `json:"requests_by_model,omitempty"`
}

// UserActivity is the User Activity projection. Like SessionSummary, it
// needs the request's model (known only once ResponseReturned arrives)
// attributed back to the UserID and ApplicationID named on the originating
// RequestReceived — so it keeps the same kind of small pending index.
type UserActivity struct {
	users   map[string]*UserActivityEntry
	pending map[string]pendingUserRequest // requestID -> (userID, appID)
	dirty   map[string]bool
}

type pendingUserRequest struct {
	UserID        string `json:"user_id"`
	ApplicationID string `json:"application_id"`
}

func NewUserActivity() *UserActivity {
	return &UserActivity{
		users:   make(map[string]*UserActivityEntry),
		pending: make(map[string]pendingUserRequest),
		dirty:   make(map[string]bool),
	}
}

func (u *UserActivity) Name() string { return "user_activity" }

func (u *UserActivity) LoadState(states map[string]json.RawMessage) {
	for key, raw := range states {
		if reqID, ok := stripPrefix(key, pendingKeyPrefix); ok {
			var pr pendingUserRequest
			if err := json.Unmarshal(raw, &pr); err == nil {
				u.pending[reqID] = pr
			}
			continue
		}
		var entry UserActivityEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			u.users[key] = &entry
		}
	}
}

func (u *UserActivity) Apply(env eventstore.Envelope) {
	if !isCanonicalLifecycle(env) {
		return
	}
	switch env.EventType {
	case eventstore.EventRequestReceived:
		var p eventstore.RequestReceivedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil || p.UserID == nil {
			return
		}
		uid := p.UserID.String()
		reqID := p.RequestID.String()
		u.pending[reqID] = pendingUserRequest{UserID: uid, ApplicationID: p.ApplicationID.String()}
		u.dirty[pendingKeyPrefix+reqID] = true

	case eventstore.EventResponseReturned:
		var p eventstore.ResponseReturnedPayload
		if err := eventstore.Unmarshal(env, &p); err != nil {
			return
		}
		reqID := p.RequestID.String()
		pr, ok := u.pending[reqID]
		if !ok {
			return
		}
		delete(u.pending, reqID)

		entry, ok := u.users[pr.UserID]
		if !ok {
			entry = &UserActivityEntry{
				UserID:          pr.UserID,
				RequestsByApp:   make(map[string]int),
				RequestsByModel: make(map[string]int),
			}
			u.users[pr.UserID] = entry
		}
		if pr.ApplicationID != "" {
			entry.RequestsByApp[pr.ApplicationID]++
		}
		if p.Model != "" {
			entry.RequestsByModel[p.Model]++
		}
		u.dirty[pr.UserID] = true
	}
}

func (u *UserActivity) Dirty() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(u.dirty))
	for key := range u.dirty {
		if reqID, ok := stripPrefix(key, pendingKeyPrefix); ok {
			pr, stillPending := u.pending[reqID]
			if !stillPending {
				continue
			}
			val, _ := json.Marshal(pr)
			out[key] = val
			continue
		}
		entry, ok := u.users[key]
		if !ok {
			continue
		}
		val, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		out[key] = val
	}
	u.dirty = make(map[string]bool)
	return out
}
