// Package assembler implements the audit assembler: the single consumer
// of the ring buffer, which reassembles fragmented payloads by payload ID
// and chunk sequence and evicts partial payloads that stall past a
// configured timeout. Its consumer loop follows the same discipline the
// ring buffer applies to its consumer cursor: one goroutine owns the
// in-flight state, everyone else only sends to it.
package assembler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

// CompletedPayload is one fully reassembled request or response body,
// handed to the audit pipeline.
type CompletedPayload struct {
	PayloadID   uuid.UUID
	Direction   ringbuffer.Direction
	Data        []byte
	FirstSeenNs int64
}

type assembly struct {
	totalChunks uint32
	received    []bool
	chunks      [][]byte
	receivedN   uint32
	direction   ringbuffer.Direction
	firstSeen   time.Time
	lastSeen    time.Time
}

func (a *assembly) size() int {
	n := 0
	for _, c := range a.chunks {
		n += len(c)
	}
	return n
}

func (a *assembly) assemble() []byte {
	out := make([]byte, 0, a.size())
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out
}

// Assembler consumes ringbuffer.Chunk values from a single RingBuffer and
// reassembles them into complete payloads. All exported methods other than
// Run are safe to call concurrently with Run; in-flight state itself is
// only ever touched from the Run goroutine, matching the ring buffer's own
// single-consumer discipline.
type Assembler struct {
	rb      *ringbuffer.RingBuffer
	timeout time.Duration

	onComplete   func(CompletedPayload)
	onIncomplete func(uuid.UUID)

	mu       sync.Mutex
	inFlight map[uuid.UUID]*assembly

	incompleteCount uint64
	lastProgressNs  atomic.Int64
}

// New constructs an Assembler. onComplete is invoked once per fully
// reassembled payload; onIncomplete is invoked once per payload evicted by
// the sweep, so the caller can record the loss.
func New(rb *ringbuffer.RingBuffer, timeout time.Duration, onComplete func(CompletedPayload), onIncomplete func(uuid.UUID)) *Assembler {
	return &Assembler{
		rb:           rb,
		timeout:      timeout,
		onComplete:   onComplete,
		onIncomplete: onIncomplete,
		inFlight:     make(map[uuid.UUID]*assembly),
	}
}

// sweepInterval derives the periodic-sweep cadence from the configured
// assembly timeout: half the timeout, floored at one second so a very
// small timeout doesn't turn the sweep into a busy loop. See DESIGN.md's
// "Assembler sweep cadence" decision.
func (a *Assembler) sweepInterval() time.Duration {
	half := a.timeout / 2
	if half < time.Second {
		return time.Second
	}
	return half
}

// IncompleteCount returns the number of payloads the sweep has evicted so
// far, for /readyz and diagnostics.
func (a *Assembler) IncompleteCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.incompleteCount
}

// InFlightCount returns the number of payloads currently being assembled.
func (a *Assembler) InFlightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// LastProgress reports when the consumer loop last consumed a chunk or
// completed a sweep — the readiness probe's liveness signal.
func (a *Assembler) LastProgress() time.Time {
	ns := a.lastProgressNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run drives the single-consumer loop: drain the ring buffer as fast as
// chunks are available, sweep stale assemblies on a ticker, and stop when
// ctx is cancelled. Intended to run on its own goroutine for the process
// lifetime.
func (a *Assembler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.sweepInterval())
	defer ticker.Stop()

	a.lastProgressNs.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(time.Now())
		default:
		}

		chunk, ok := a.rb.Read()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sweep(time.Now())
			case <-time.After(time.Millisecond):
			}
			continue
		}
		a.lastProgressNs.Store(time.Now().UnixNano())
		a.process(chunk)
	}
}

func (a *Assembler) process(chunk ringbuffer.Chunk) {
	var completed *CompletedPayload

	a.mu.Lock()
	as, ok := a.inFlight[chunk.PayloadID]
	if !ok {
		as = &assembly{
			totalChunks: chunk.TotalChunks,
			received:    make([]bool, chunk.TotalChunks),
			chunks:      make([][]byte, chunk.TotalChunks),
			direction:   chunk.Direction,
			firstSeen:   time.Now(),
		}
		a.inFlight[chunk.PayloadID] = as
	}

	if int(chunk.ChunkSeq) < len(as.chunks) && !as.received[chunk.ChunkSeq] {
		as.chunks[chunk.ChunkSeq] = chunk.Data
		as.received[chunk.ChunkSeq] = true
		as.receivedN++
	}
	as.lastSeen = time.Now()

	if as.receivedN == as.totalChunks {
		delete(a.inFlight, chunk.PayloadID)
		completed = &CompletedPayload{
			PayloadID:   chunk.PayloadID,
			Direction:   as.direction,
			Data:        as.assemble(),
			FirstSeenNs: as.firstSeen.UnixNano(),
		}
	}
	a.mu.Unlock()

	if completed != nil && a.onComplete != nil {
		a.onComplete(*completed)
	}
}

// sweep evicts assemblies older than the configured timeout.
func (a *Assembler) sweep(now time.Time) {
	a.lastProgressNs.Store(now.UnixNano())
	var evicted []uuid.UUID

	a.mu.Lock()
	for id, as := range a.inFlight {
		if now.Sub(as.firstSeen) > a.timeout {
			evicted = append(evicted, id)
			delete(a.inFlight, id)
			a.incompleteCount++
		}
	}
	a.mu.Unlock()

	for _, id := range evicted {
		if a.onIncomplete != nil {
			a.onIncomplete(id)
		}
	}
}
