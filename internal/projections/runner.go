// Package projections implements the materialized read models built by
// applying the event store's global feed in order, each with its own
// durable checkpoint so it can resume — or rebuild from zero — without
// reprocessing work twice.
package projections

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
)

// Projection is one materialized read model: a name (used as its
// checkpoint/state namespace in the event store), a way to load
// previously persisted state, a way to fold one more event into that
// state, and a way to read back only the keys that changed since the
// last Dirty call.
type Projection interface {
	Name() string
	LoadState(states map[string]json.RawMessage)
	Apply(env eventstore.Envelope)
	Dirty() map[string]json.RawMessage
}

// Runner drives a set of Projections against an eventstore.Store's global
// feed, polling for new events and persisting each projection's state and
// checkpoint together.
type Runner struct {
	store        *eventstore.Store
	projections  []Projection
	pollInterval time.Duration
	batchSize    int
}

// NewRunner constructs a Runner over projections, polling for new events
// every pollInterval and reading up to batchSize events per tick.
func NewRunner(store *eventstore.Store, pollInterval time.Duration, batchSize int, projections ...Projection) *Runner {
	return &Runner{store: store, projections: projections, pollInterval: pollInterval, batchSize: batchSize}
}

// Run loads each projection's persisted state, then polls the global feed
// until ctx is cancelled. Each projection resumes independently from its
// own checkpoint, so one projection being reset and rebuilt never
// disturbs the others.
func (r *Runner) Run(ctx context.Context) {
	for _, p := range r.projections {
		states, err := r.store.LoadProjectionStates(ctx, p.Name())
		if err != nil {
			log.Printf("projections: load state for %s: %v", p.Name(), err)
			continue
		}
		p.LoadState(states)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	for _, p := range r.projections {
		if err := r.advance(ctx, p); err != nil {
			log.Printf("projections: advance %s: %v", p.Name(), err)
		}
	}
}

func (r *Runner) advance(ctx context.Context, p Projection) error {
	pos, err := r.store.Checkpoint(ctx, p.Name())
	if err != nil {
		return err
	}

	for {
		envs, err := r.store.ReadAllSince(ctx, pos, r.batchSize)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return nil
		}

		for _, e := range envs {
			p.Apply(e)
		}
		pos = envs[len(envs)-1].GlobalPosition

		if err := r.store.SaveProjectionUpdate(ctx, p.Name(), p.Dirty(), pos); err != nil {
			return err
		}
		if len(envs) < r.batchSize {
			return nil
		}
	}
}
