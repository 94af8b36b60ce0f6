package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkQueueEnqueueAndDrain(t *testing.T) {
	q := NewChunkQueue(nil)
	require.True(t, q.Empty())

	q.Enqueue([]byte("hello"))
	q.Enqueue([]byte("world"))
	require.False(t, q.Empty())
	require.Equal(t, 10, q.Buffered())

	require.Equal(t, "hello", string(q.Front()))
	q.Advance(3)
	require.Equal(t, "lo", string(q.Front()))
	q.Advance(2)
	require.Equal(t, "world", string(q.Front()))
	require.Equal(t, 5, q.Buffered())
}

func TestChunkQueueDrainAllCountsLostBytes(t *testing.T) {
	q := NewChunkQueue(nil)
	q.Enqueue([]byte("abcdef"))
	q.Advance(2)
	lost := q.DrainAll()
	require.Equal(t, 4, lost)
	require.True(t, q.Empty())
	require.Equal(t, 0, q.Buffered())
}

func TestChunkQueueEmptyFrontIsNil(t *testing.T) {
	q := NewChunkQueue(nil)
	require.Nil(t, q.Front())
}

func TestChunkQueueVectorsReturnsEveryChunk(t *testing.T) {
	q := NewChunkQueue(nil)
	require.Nil(t, q.Vectors())

	q.Enqueue([]byte("ab"))
	q.Enqueue([]byte("cde"))
	q.Enqueue([]byte("f"))

	vecs := q.Vectors()
	require.Len(t, vecs, 3)
	require.Equal(t, "ab", string(vecs[0]))
	require.Equal(t, "cde", string(vecs[1]))
	require.Equal(t, "f", string(vecs[2]))
}

func TestChunkQueueAdvanceSpansMultipleChunks(t *testing.T) {
	q := NewChunkQueue(nil)
	q.Enqueue([]byte("ab"))
	q.Enqueue([]byte("cde"))
	q.Enqueue([]byte("f"))
	require.Equal(t, 6, q.Buffered())

	// A single vectored write reporting 4 bytes should consume the whole
	// first chunk and the first two bytes of the second.
	q.Advance(4)
	require.Equal(t, 2, q.Buffered())
	require.Equal(t, "e", string(q.Front()))

	q.Advance(1)
	require.Equal(t, "f", string(q.Front()))
	require.Equal(t, 1, q.Buffered())

	q.Advance(1)
	require.True(t, q.Empty())
}
