package ringbuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{
		SlotCount:    8,
		SlotCapacity: 4096,
		Strategy:     OverflowDrop,
	}
}

func TestWriteReadSingleChunk(t *testing.T) {
	rb := New(smallConfig())

	payload := []byte("hello world")
	id, ok := rb.Write(payload, DirectionRequest)
	require.True(t, ok)

	chunk, ok := rb.Read()
	require.True(t, ok)
	require.Equal(t, id, chunk.PayloadID)
	require.Equal(t, uint32(0), chunk.ChunkSeq)
	require.Equal(t, uint32(1), chunk.TotalChunks)
	require.True(t, chunk.IsFirst)
	require.True(t, chunk.IsLast)
	require.Equal(t, payload, chunk.Data)
}

func TestExactCapacityFitsOneChunk(t *testing.T) {
	rb := New(smallConfig())
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, ok := rb.Write(payload, DirectionRequest)
	require.True(t, ok)

	chunk, ok := rb.Read()
	require.True(t, ok)
	require.Equal(t, uint32(1), chunk.TotalChunks)
	require.True(t, chunk.IsFirst)
	require.True(t, chunk.IsLast)
	require.Len(t, chunk.Data, 4096)
}

func TestCapacityPlusOneProducesTwoChunks(t *testing.T) {
	rb := New(smallConfig())
	payload := make([]byte, 4097)
	for i := range payload {
		payload[i] = byte(i)
	}

	id, ok := rb.Write(payload, DirectionRequest)
	require.True(t, ok)

	first, ok := rb.Read()
	require.True(t, ok)
	require.Equal(t, id, first.PayloadID)
	require.Equal(t, uint32(0), first.ChunkSeq)
	require.Equal(t, uint32(2), first.TotalChunks)
	require.True(t, first.IsFirst)
	require.False(t, first.IsLast)
	require.Len(t, first.Data, 4096)

	second, ok := rb.Read()
	require.True(t, ok)
	require.Equal(t, id, second.PayloadID)
	require.Equal(t, uint32(1), second.ChunkSeq)
	require.False(t, second.IsFirst)
	require.True(t, second.IsLast)
	require.Len(t, second.Data, 1)
}

func TestChunksOfSamePayloadAreContiguous(t *testing.T) {
	rb := New(smallConfig())
	payload := make([]byte, 4096*3)

	id, ok := rb.Write(payload, DirectionRequest)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		chunk, ok := rb.Read()
		require.True(t, ok)
		require.Equal(t, id, chunk.PayloadID)
		require.Equal(t, uint32(i), chunk.ChunkSeq)
	}
}

func TestDropOverflowNeverBlocksOrPartialWrites(t *testing.T) {
	cfg := smallConfig()
	cfg.SlotCount = 2
	rb := New(cfg)

	// Fill both slots without consuming them.
	_, ok := rb.Write(make([]byte, 1), DirectionRequest)
	require.True(t, ok)
	_, ok = rb.Write(make([]byte, 1), DirectionRequest)
	require.True(t, ok)

	before := rb.Stats().Dropped
	_, ok = rb.Write(make([]byte, 1), DirectionRequest)
	require.False(t, ok)
	require.Equal(t, before+1, rb.Stats().Dropped)

	// The two originally written chunks are still intact and readable.
	_, ok = rb.Read()
	require.True(t, ok)
	_, ok = rb.Read()
	require.True(t, ok)
}

func TestReadOnEmptyReturnsFalse(t *testing.T) {
	rb := New(smallConfig())
	_, ok := rb.Read()
	require.False(t, ok)
}

func TestNewPanicsOnNonPowerOfTwoSlotCount(t *testing.T) {
	require.Panics(t, func() {
		New(Config{SlotCount: 3, SlotCapacity: 4096})
	})
}

func TestNewPanicsOnNonPowerOfTwoCapacity(t *testing.T) {
	require.Panics(t, func() {
		New(Config{SlotCount: 8, SlotCapacity: 100})
	})
}

func TestManyProducersSingleConsumerDeliversEveryPayloadIntact(t *testing.T) {
	rb := New(Config{
		SlotCount:    1024,
		SlotCapacity: 4096,
		Strategy:     OverflowBackpressure,
		MaxWait:      5 * time.Second,
	})

	const producers = 8
	const perProducer = 50
	payloadLen := 4096*2 + 123 // three chunks each

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			payload := make([]byte, payloadLen)
			for i := range payload {
				payload[i] = byte(p + 1)
			}
			for i := 0; i < perProducer; i++ {
				if _, ok := rb.Write(payload, DirectionRequest); !ok {
					t.Errorf("producer %d: write dropped under backpressure", p)
					return
				}
			}
		}(p)
	}

	// Single consumer: chunks of one payload must be contiguous, and every
	// reassembled payload must be uniform bytes from a single producer.
	completedCh := make(chan int, 1)
	go func() {
		completed := 0
		var current uuid.UUID
		var got []byte
		deadline := time.Now().Add(10 * time.Second)
		for completed < producers*perProducer && time.Now().Before(deadline) {
			chunk, ok := rb.Read()
			if !ok {
				time.Sleep(time.Microsecond)
				continue
			}
			if chunk.IsFirst {
				current = chunk.PayloadID
				got = got[:0]
			}
			if chunk.PayloadID != current {
				t.Errorf("chunk of payload %s interleaved into %s", chunk.PayloadID, current)
			}
			got = append(got, chunk.Data...)
			if chunk.IsLast {
				if len(got) != payloadLen {
					t.Errorf("reassembled payload is %d bytes, want %d", len(got), payloadLen)
				}
				for _, b := range got {
					if b != got[0] {
						t.Errorf("payload mixes bytes from different producers")
						break
					}
				}
				completed++
			}
		}
		completedCh <- completed
	}()

	wg.Wait()
	require.Equal(t, producers*perProducer, <-completedCh)
}

func TestInterleavedPayloadsPreserveSlotOrder(t *testing.T) {
	rb := New(smallConfig())

	idA, ok := rb.Write([]byte("AAAA"), DirectionRequest)
	require.True(t, ok)
	idB, ok := rb.Write([]byte("BBBB"), DirectionResponse)
	require.True(t, ok)

	first, ok := rb.Read()
	require.True(t, ok)
	require.Equal(t, idA, first.PayloadID)

	second, ok := rb.Read()
	require.True(t, ok)
	require.Equal(t, idB, second.PayloadID)
}
