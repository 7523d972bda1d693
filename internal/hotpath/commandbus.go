package hotpath

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/prime-radiant-inc/union-square/internal/eventstore"
)

// CommandBus is the hot path's fire-and-forget pipe into the command
// processor: submitting a command never blocks the caller past a channel
// send, mirroring the ring buffer's never-wait contract for the lifecycle
// transitions the hot path itself observes synchronously (request
// received, forwarded, response headers received).
type CommandBus struct {
	store      *eventstore.Store
	maxRetries int
	ch         chan eventstore.RecordAuditEvent
	dropped    atomic.Uint64
}

// NewCommandBus constructs a CommandBus backed by store, retrying each
// command up to maxRetries times on a concurrency conflict, with a
// bounded backlog of bufSize commands.
func NewCommandBus(store *eventstore.Store, maxRetries, bufSize int) *CommandBus {
	return &CommandBus{
		store:      store,
		maxRetries: maxRetries,
		ch:         make(chan eventstore.RecordAuditEvent, bufSize),
	}
}

// Submit enqueues cmd without blocking. If the backlog is full the command
// is dropped and the drop counter increments — the same overflow posture
// the ring buffer applies under OverflowDrop, applied here to the
// lifecycle-command side channel instead of raw bytes.
func (b *CommandBus) Submit(cmd eventstore.RecordAuditEvent) bool {
	select {
	case b.ch <- cmd:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of commands dropped because the backlog was
// full, surfaced on /readyz diagnostics.
func (b *CommandBus) Dropped() uint64 { return b.dropped.Load() }

// Run drains the backlog, executing each command against the store until
// ctx is cancelled. Intended to run on its own goroutine for the process
// lifetime; execution failures are logged, not retried beyond Execute's
// own bounded attempt count.
func (b *CommandBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.ch:
			if err := eventstore.Execute(ctx, b.store, cmd, b.maxRetries); err != nil {
				log.Printf("hotpath: command %s for request %s failed: %v", cmd.Kind, cmd.RequestID, err)
			}
		}
	}
}
