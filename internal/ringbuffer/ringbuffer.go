// Package ringbuffer implements the fixed-size, pre-allocated, multi-producer
// single-consumer handoff queue between the proxy and the audit pipeline.
// Producers (hot-path connections) fragment a payload into fixed-size slots
// and publish them with a single CAS-guarded claim plus a release-store per
// slot; the single consumer (the audit assembler) polls slots in index order
// and never blocks a producer.
package ringbuffer

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SlotState is the four-state lifecycle of a single ring buffer slot.
type SlotState uint32

const (
	StateEmpty SlotState = iota
	StateWriting
	StateReady
	StateReading
)

// Direction distinguishes request bytes from response bytes sharing a
// payload ID.
type Direction uint8

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

// Overflow is the configurable policy applied when a producer's claimed
// slots are not all EMPTY.
type Overflow int

const (
	// OverflowDrop increments the dropped counter and returns immediately.
	OverflowDrop Overflow = iota
	// OverflowBackpressure spins/yields up to MaxWait before degrading to Drop.
	OverflowBackpressure
	// OverflowHybrid backpressures up to Threshold, then behaves like Drop.
	OverflowHybrid
)

// Config configures a RingBuffer. SlotCount and SlotCapacity must both be
// powers of two (SlotCount for fast modulo-by-mask, SlotCapacity so a slot
// region is a round, cache-friendly allocation size).
type Config struct {
	SlotCount    uint64
	SlotCapacity int
	Strategy     Overflow
	MaxWait      time.Duration // used by OverflowBackpressure
	Threshold    time.Duration // used by OverflowHybrid
	StallTimeout time.Duration // consumer: how long a WRITING slot may stall before being treated as poisoned (Write never sets WRITING; see Read)
}

// DefaultConfig is 4096 slots of 64 KiB each with a Drop overflow policy.
func DefaultConfig() Config {
	return Config{
		SlotCount:    4096,
		SlotCapacity: 64 * 1024,
		Strategy:     OverflowDrop,
		StallTimeout: 5 * time.Second,
	}
}

func isPowerOfTwo(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// slot holds one chunk and its header. state, length and claimedAt are
// atomics; the other header fields are plain and reach the consumer through
// the release-store of READY. The struct has no padding, so neighbouring
// slots' fields may share a cache line.
type slot struct {
	state       atomic.Uint32
	length      atomic.Uint32
	payloadHi   uint64 // payload_id, high 64 bits
	payloadLo   uint64 // payload_id, low 64 bits
	chunkSeq    uint32
	totalChunks uint32
	isFirst     bool
	isLast      bool
	direction   Direction
	timestampNs int64
	claimedAt   atomic.Int64 // unix nanos when Write began filling the slot; read by Read's WRITING stall check
	data        []byte
}

// RingBuffer is the lock-free MPSC handoff queue. All exported methods are
// safe for concurrent producer calls; Read must only be called from the
// single consumer goroutine.
type RingBuffer struct {
	cfg Config

	mask  uint64
	slots []slot

	// producerCursor is CAS-advanced by every producer claiming slots.
	// consumerCursor only ever advances from the single consumer goroutine.
	// Both are deliberately placed on their own cache lines (via the
	// surrounding padding fields) to avoid false sharing between the
	// many-writer and single-reader sides.
	_              [56]byte
	producerCursor atomic.Uint64
	_              [56]byte
	consumerCursor atomic.Uint64
	_              [56]byte

	dropped  atomic.Uint64
	overflow atomic.Uint64
}

// New constructs a RingBuffer. It panics if SlotCount or SlotCapacity is not
// a power of two — a startup configuration invariant, not a runtime
// condition callers can recover from.
func New(cfg Config) *RingBuffer {
	if !isPowerOfTwo(cfg.SlotCount) {
		panic("ringbuffer: SlotCount must be a power of two")
	}
	if !isPowerOfTwo(uint64(cfg.SlotCapacity)) || cfg.SlotCapacity < 4096 {
		panic("ringbuffer: SlotCapacity must be a power of two >= 4096")
	}
	rb := &RingBuffer{
		cfg:   cfg,
		mask:  cfg.SlotCount - 1,
		slots: make([]slot, cfg.SlotCount),
	}
	for i := range rb.slots {
		rb.slots[i].data = make([]byte, cfg.SlotCapacity)
	}
	return rb
}

// Stats is a snapshot of the buffer's health counters, surfaced on
// GET /readyz.
type Stats struct {
	ProducerCursor uint64
	ConsumerCursor uint64
	Dropped        uint64
	Overflowed     uint64
}

func (rb *RingBuffer) Stats() Stats {
	return Stats{
		ProducerCursor: rb.producerCursor.Load(),
		ConsumerCursor: rb.consumerCursor.Load(),
		Dropped:        rb.dropped.Load(),
		Overflowed:     rb.overflow.Load(),
	}
}

// Write fragments payload into ceil(len(payload)/SlotCapacity) chunks and
// publishes each as its own slot, tagged with a freshly generated payload
// ID and direction. It returns the payload ID for correlation, or ok=false
// if the overflow policy dropped the write.
//
// Write never allocates beyond the one payload-ID UUID, never blocks longer
// than the configured overflow policy allows, and never retries beyond that
// policy.
func (rb *RingBuffer) Write(payload []byte, dir Direction) (uuid.UUID, bool) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	n := len(payload)
	k := (n + rb.cfg.SlotCapacity - 1) / rb.cfg.SlotCapacity
	if k == 0 {
		k = 1 // zero-length payloads still get a single empty chunk
	}

	start, ok := rb.reserve(uint64(k))
	if !ok {
		rb.dropped.Add(1)
		return id, false
	}

	now := time.Now().UnixNano()
	hi, lo := payloadHalves(id)
	for i := 0; i < k; i++ {
		idx := (start + uint64(i)) & rb.mask
		s := &rb.slots[idx]

		s.claimedAt.Store(time.Now().UnixNano())

		lowBound := i * rb.cfg.SlotCapacity
		highBound := lowBound + rb.cfg.SlotCapacity
		if highBound > n {
			highBound = n
		}
		chunkLen := highBound - lowBound
		copy(s.data, payload[lowBound:highBound])

		s.payloadHi = hi
		s.payloadLo = lo
		s.chunkSeq = uint32(i)
		s.totalChunks = uint32(k)
		s.isFirst = i == 0
		s.isLast = i == k-1
		s.direction = dir
		s.timestampNs = now
		s.length.Store(uint32(chunkLen))

		// Release-store READY: everything above must be visible to the
		// consumer before it observes this slot leave WRITING.
		s.state.Store(uint32(StateReady))
	}

	return id, true
}

// reserve CAS-advances the producer cursor by n slots, applying the
// configured overflow policy if the claimed range isn't fully EMPTY yet
// (i.e. the consumer hasn't caught up). Returns the first claimed index.
func (rb *RingBuffer) reserve(n uint64) (uint64, bool) {
	deadline := time.Time{}
	switch rb.cfg.Strategy {
	case OverflowBackpressure:
		deadline = time.Now().Add(rb.cfg.MaxWait)
	case OverflowHybrid:
		deadline = time.Now().Add(rb.cfg.Threshold)
	}

	for {
		cur := rb.producerCursor.Load()
		next := cur + n

		if !rb.rangeEmpty(cur, n) {
			switch rb.cfg.Strategy {
			case OverflowDrop:
				return 0, false
			case OverflowBackpressure, OverflowHybrid:
				if time.Now().After(deadline) {
					rb.overflow.Add(1)
					return 0, false
				}
				// Bounded spin-and-yield; never a blocking syscall.
				runtime.Gosched()
				continue
			}
		}

		if rb.producerCursor.CompareAndSwap(cur, next) {
			return cur, true
		}
		// Lost the race to another producer; retry the claim.
	}
}

func (rb *RingBuffer) rangeEmpty(start, n uint64) bool {
	for i := uint64(0); i < n; i++ {
		idx := (start + i) & rb.mask
		if SlotState(rb.slots[idx].state.Load()) != StateEmpty {
			return false
		}
	}
	return true
}

// Chunk is the consumer-visible view of one slot's data, valid only until
// the next call to Read (the backing slice is reused on the next
// publication of that slot index).
type Chunk struct {
	PayloadID   uuid.UUID
	ChunkSeq    uint32
	TotalChunks uint32
	IsFirst     bool
	IsLast      bool
	Direction   Direction
	TimestampNs int64
	Data        []byte
}

// Read consumes the next READY slot in consumer-cursor order, or returns
// ok=false if the slot at the current cursor isn't ready yet. Write never
// stores WRITING: a slot it has claimed stays EMPTY until it is published
// READY, so Read keeps returning ok=false for it, and the stall-timeout
// skip below never fires for slots that Write fills. Must only be called
// from the single consumer goroutine.
func (rb *RingBuffer) Read() (Chunk, bool) {
	idx := rb.consumerCursor.Load() & rb.mask
	s := &rb.slots[idx]

	state := SlotState(s.state.Load())
	switch state {
	case StateReady:
		if !s.state.CompareAndSwap(uint32(StateReady), uint32(StateReading)) {
			return Chunk{}, false
		}
	case StateWriting:
		claimed := s.claimedAt.Load()
		if claimed == 0 || time.Since(time.Unix(0, claimed)) < rb.cfg.StallTimeout {
			return Chunk{}, false
		}
		// Poisoned: a producer claimed this slot but never reached READY.
		// Skip it and record a drop rather than waiting forever.
		rb.dropped.Add(1)
		s.state.Store(uint32(StateEmpty))
		rb.consumerCursor.Add(1)
		return Chunk{}, false
	default:
		return Chunk{}, false
	}

	out := Chunk{
		PayloadID:   payloadFromHalves(s.payloadHi, s.payloadLo),
		ChunkSeq:    s.chunkSeq,
		TotalChunks: s.totalChunks,
		IsFirst:     s.isFirst,
		IsLast:      s.isLast,
		Direction:   s.direction,
		TimestampNs: s.timestampNs,
		Data:        append([]byte(nil), s.data[:s.length.Load()]...),
	}

	s.state.Store(uint32(StateEmpty))
	rb.consumerCursor.Add(1)
	return out, true
}

func payloadHalves(id uuid.UUID) (hi, lo uint64) {
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(id[i])
	}
	return hi, lo
}

func payloadFromHalves(hi, lo uint64) uuid.UUID {
	var id uuid.UUID
	for i := 7; i >= 0; i-- {
		id[i] = byte(hi)
		hi >>= 8
	}
	for i := 15; i >= 8; i-- {
		id[i] = byte(lo)
		lo >>= 8
	}
	return id
}
