// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2021 Andy Pan
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

// Package netpoll wraps poll(2) behind a contiguous, compactable array of
// descriptors, the shape every engine's event loop drives directly: CLIENT
// and SERVER each own one Poller and re-run Wait every tick.
package netpoll

import (
	"os"

	"golang.org/x/sys/unix"
)

// Event is the subset of poll(2) revents an engine acts on.
type Event struct {
	FD       int32
	Readable bool
	Writable bool
	Hup      bool
	Err      bool
	Nval     bool
}

// Poller owns a contiguous slice of unix.PollFd entries. Descriptors are
// appended at Add and removed by swap-with-last at Remove, so the slice
// never carries holes and Wait never scans a dead entry.
type Poller struct {
	fds   []unix.PollFd
	index map[int32]int // fd -> position in fds
}

// OpenPoller instantiates a Poller with room for capacity descriptors
// without reallocating.
func OpenPoller(capacity int) *Poller {
	return &Poller{
		fds:   make([]unix.PollFd, 0, capacity),
		index: make(map[int32]int, capacity),
	}
}

// Len reports how many descriptors are currently registered.
func (p *Poller) Len() int {
	return len(p.fds)
}

// Add registers fd for the given interest (POLLIN, optionally |POLLOUT).
// Re-adding an already-registered fd overwrites its interest mask.
func (p *Poller) Add(fd int32, writable bool) {
	events := int16(unix.POLLIN)
	if writable {
		events |= unix.POLLOUT
	}
	if i, ok := p.index[fd]; ok {
		p.fds[i].Events = events
		return
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: fd, Events: events})
}

// SetWritable flips POLLOUT interest for an already-registered fd. It is a
// no-op if fd is not registered.
func (p *Poller) SetWritable(fd int32, writable bool) {
	i, ok := p.index[fd]
	if !ok {
		return
	}
	if writable {
		p.fds[i].Events |= unix.POLLOUT
	} else {
		p.fds[i].Events &^= unix.POLLOUT
	}
}

// Remove drops fd from the array, compacting by moving the last entry into
// its slot so the live set stays contiguous from index 0.
func (p *Poller) Remove(fd int32) {
	i, ok := p.index[fd]
	if !ok {
		return
	}
	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.index[p.fds[i].Fd] = i
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)
}

// Wait blocks up to timeoutMillis (-1 for forever) and appends every
// descriptor with nonzero revents into dst, returning the extended slice.
// dst is reused across ticks by the caller to avoid per-call allocation.
func (p *Poller) Wait(timeoutMillis int, dst []Event) ([]Event, error) {
	if len(p.fds) == 0 {
		if timeoutMillis < 0 {
			timeoutMillis = 200
		}
		unix.Nanosleep(&unix.Timespec{Nsec: int64(timeoutMillis) * 1e6}, nil)
		return dst[:0], nil
	}

	n, err := unix.Poll(p.fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst[:0], nil
		}
		return dst[:0], os.NewSyscallError("poll", err)
	}

	dst = dst[:0]
	if n == 0 {
		return dst, nil
	}
	for i := range p.fds {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}
		dst = append(dst, Event{
			FD:       p.fds[i].Fd,
			Readable: re&unix.POLLIN != 0,
			Writable: re&unix.POLLOUT != 0,
			Hup:      re&unix.POLLHUP != 0,
			Err:      re&unix.POLLERR != 0,
			Nval:     re&unix.POLLNVAL != 0,
		})
		p.fds[i].Revents = 0
	}
	return dst, nil
}
