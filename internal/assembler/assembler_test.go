package assembler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/prime-radiant-inc/union-square/internal/ringbuffer"
)

func smallRB() *ringbuffer.RingBuffer {
	return ringbuffer.New(ringbuffer.Config{
		SlotCount:    64,
		SlotCapacity: 4096,
		Strategy:     ringbuffer.OverflowDrop,
	})
}

func TestAssemblerReassemblesMultiChunkPayload(t *testing.T) {
	rb := smallRB()
	payload := make([]byte, 4096*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	id, ok := rb.Write(payload, ringbuffer.DirectionRequest)
	require.True(t, ok)

	var mu sync.Mutex
	var completed []CompletedPayload
	a := New(rb, time.Second, func(cp CompletedPayload) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, cp)
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go a.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	}, 150*time.Millisecond, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, id, completed[0].PayloadID)
	require.Equal(t, payload, completed[0].Data)
}

func TestAssemblerEvictsStalePartialPayload(t *testing.T) {
	rb := smallRB()
	// Write a 2-chunk payload but only let one chunk land by writing
	// directly through Write then reading one chunk manually via a
	// shadow assembler that never sees the second chunk: simulate by
	// writing a payload, reading only the first of its two chunks, and
	// never delivering the second (dropped as if lost in transit).
	payload := make([]byte, 4096+10)
	_, ok := rb.Write(payload, ringbuffer.DirectionRequest)
	require.True(t, ok)

	first, ok := rb.Read()
	require.True(t, ok)

	var mu sync.Mutex
	var incomplete int
	a := New(rb, 10*time.Millisecond, nil, func(id uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		incomplete++
	})
	a.process(first)

	require.Eventually(t, func() bool {
		a.sweep(time.Now().Add(time.Second))
		mu.Lock()
		defer mu.Unlock()
		return incomplete == 1
	}, 200*time.Millisecond, time.Millisecond)
}

func TestAssemblerIgnoresDuplicateChunkDelivery(t *testing.T) {
	rb := smallRB()
	_, ok := rb.Write([]byte("hello"), ringbuffer.DirectionRequest)
	require.True(t, ok)

	chunk, ok := rb.Read()
	require.True(t, ok)

	var completions int
	a := New(rb, time.Second, func(cp CompletedPayload) { completions++ }, nil)
	a.process(chunk)
	a.process(chunk) // duplicate delivery must not double-complete
	require.Equal(t, 1, completions)
}
