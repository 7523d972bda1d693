package projections

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
)

// Store is the query-side read API over the three MVP projections'
// persisted state — what an operator-facing endpoint or CLI subcommand
// calls, as distinct from the Runner that keeps that state up to date.
type Store struct {
	es *eventstore.Store
}

// NewStore wraps an eventstore.Store for projection queries.
func NewStore(es *eventstore.Store) *Store {
	return &Store{es: es}
}

// SessionSummary returns the materialized summary for sessionID, or nil
// if no request has been attributed to that session yet.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*SessionSummaryEntry, error) {
	states, err := s.es.LoadProjectionStates(ctx, (&SessionSummary{}).Name())
	if err != nil {
		return nil, fmt.Errorf("projections: load session_summary: %w", err)
	}
	raw, ok := states[sessionID]
	if !ok {
		return nil, nil
	}
	var entry SessionSummaryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("projections: decode session_summary/%s: %w", sessionID, err)
	}
	return &entry, nil
}

// UserActivity returns the materialized activity summary for userID, or
// nil if that user hasn't been observed yet.
func (s *Store) UserActivity(ctx context.Context, userID string) (*UserActivityEntry, error) {
	states, err := s.es.LoadProjectionStates(ctx, (&UserActivity{}).Name())
	if err != nil {
		return nil, fmt.Errorf("projections: load user_activity: %w", err)
	}
	raw, ok := states[userID]
	if !ok {
		return nil, nil
	}
	var entry UserActivityEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("projections: decode user_activity/%s: %w", userID, err)
	}
	return &entry, nil
}

// HourlyMetrics returns the materialized metrics bucket for applicationID
// and the hour containing hour, or nil if that bucket has no data yet.
func (s *Store) HourlyMetrics(ctx context.Context, applicationID string, hour time.Time) (*HourlyMetricsEntry, error) {
	states, err := s.es.LoadProjectionStates(ctx, (&HourlyMetrics{}).Name())
	if err != nil {
		return nil, fmt.Errorf("projections: load hourly_metrics: %w", err)
	}
	raw, ok := states[bucketKey(applicationID, hour)]
	if !ok {
		return nil, nil
	}
	var entry HourlyMetricsEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("projections: decode hourly_metrics/%s: %w", applicationID, err)
	}
	return &entry, nil
}
