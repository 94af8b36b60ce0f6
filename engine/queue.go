// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import "github.com/valyala/bytebufferpool"

// chunk is one owned byte vector awaiting send, with off marking how much
// of it has already been written to the socket.
type chunk struct {
	buf *bytebufferpool.ByteBuffer
	off int
}

// ChunkQueue is the per-connection outbound queue: an ordered sequence of
// byte chunks, front-to-back, with byte-vector ownership pooled via
// bytebufferpool to avoid a fresh allocation per DATA event.
type ChunkQueue struct {
	pool     *bytebufferpool.Pool
	chunks   []*chunk
	buffered int
}

// NewChunkQueue returns an empty queue backed by pool. Passing nil uses the
// package-default pool.
func NewChunkQueue(pool *bytebufferpool.Pool) *ChunkQueue {
	if pool == nil {
		pool = defaultPool
	}
	return &ChunkQueue{pool: pool}
}

var defaultPool = new(bytebufferpool.Pool)

// Enqueue appends p to the back of the queue as a new owned chunk.
func (q *ChunkQueue) Enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	b := q.pool.Get()
	b.Write(p)
	q.chunks = append(q.chunks, &chunk{buf: b})
	q.buffered += len(p)
}

// Empty reports whether the queue has no unsent bytes.
func (q *ChunkQueue) Empty() bool {
	return len(q.chunks) == 0
}

// Buffered is the total unsent byte count across every chunk.
func (q *ChunkQueue) Buffered() int {
	return q.buffered
}

// Front returns the unsent tail of the front chunk, or nil if the queue is
// empty. The caller must call Advance with however many bytes it managed
// to write.
func (q *ChunkQueue) Front() []byte {
	if len(q.chunks) == 0 {
		return nil
	}
	c := q.chunks[0]
	return c.buf.B[c.off:]
}

// Advance records that n bytes were written starting at the front of the
// queue, spanning as many chunks as n covers. Every chunk it fully consumes
// is released back to the pool and dropped.
func (q *ChunkQueue) Advance(n int) {
	for n > 0 && len(q.chunks) > 0 {
		c := q.chunks[0]
		remain := len(c.buf.B) - c.off
		if n < remain {
			c.off += n
			q.buffered -= n
			return
		}
		c.off += remain
		q.buffered -= remain
		n -= remain
		q.pool.Put(c.buf)
		q.chunks = q.chunks[1:]
	}
}

// Vectors returns the unsent tail of every chunk, front-to-back, as a slice
// suitable for netio.Writev. The caller must call Advance with however many
// bytes the vectored write actually accepted.
func (q *ChunkQueue) Vectors() [][]byte {
	if len(q.chunks) == 0 {
		return nil
	}
	bufs := make([][]byte, len(q.chunks))
	for i, c := range q.chunks {
		bufs[i] = c.buf.B[c.off:]
	}
	return bufs
}

// DrainAll releases every chunk without sending it and returns the number
// of bytes discarded, for accounting into the lost counter at forced close.
func (q *ChunkQueue) DrainAll() int {
	lost := q.buffered
	for _, c := range q.chunks {
		q.pool.Put(c.buf)
	}
	q.chunks = nil
	q.buffered = 0
	return lost
}
