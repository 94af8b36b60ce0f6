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

// Package engine implements the CLIENT, SERVER, and WORKER event loops and
// the supervisor that wires their six channels together.
package engine

import (
	"sync/atomic"
	"time"

	"sqlrelay/event"
)

// connIDSeq is the process-wide source of ConnState.ID values: a plain
// monotonic counter, not reset across engines, so a log line's id is never
// ambiguous even when CLIENT and SERVER happen to reuse the same fd number.
var connIDSeq uint64

// ConnState is the per-connection state an engine keeps, keyed by its own
// local socket handle: the peer handle on the other engine (NoSD until
// paired), the outbound queue, the four byte counters, and whether this
// socket is in the pending-close set.
type ConnState struct {
	FD      int32
	ID      uint64 // process-local, monotonic; survives fd reuse in log lines and metrics
	Peer    int32  // event.NoSD until the pairing NEW_CONNECT arrives
	Queue   *ChunkQueue
	Sent    uint64
	Recv    uint64
	Lost    uint64
	Closing bool // in the pending-close set: peer asked us to close, queue not yet drained

	StartedAt time.Time

	// QueuedSince is zero when the outbound queue is empty, otherwise the
	// time the queue last became non-empty; SlowReported guards against
	// re-emitting SLOW on every subsequent flush attempt of the same stall.
	QueuedSince  time.Time
	SlowReported bool

	ClientAddr event.Endpoint
	ProxyAddr  event.Endpoint
	ServerAddr event.Endpoint

	// ConnectingSince is not set by either engine and stays nil; SERVER
	// tracks sockets still awaiting connect in its AwaitConnect set.
	ConnectingSince *time.Time
}

// NewConnState creates connection state for a freshly accepted or opened
// socket, with peer unknown.
func NewConnState(fd int32) *ConnState {
	id := atomic.AddUint64(&connIDSeq, 1)
	return &ConnState{FD: fd, ID: id, Peer: event.NoSD, Queue: NewChunkQueue(nil), StartedAt: time.Now()}
}

// Buffered is the current queued-byte count, kept equal to the queue's own
// accounting by construction (queue_byte_sum invariant).
func (c *ConnState) Buffered() int {
	return c.Queue.Buffered()
}
