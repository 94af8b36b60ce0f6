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

package event

import (
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	sqerrors "sqlrelay/pkg/errors"
)

// DefaultReserveFraction is the share of a channel's record capacity held
// back from DATA events so NEW_CONNECT/DISCONNECT/NOT_CONNECT/
// CONNECT_NOT_FOUND can never be starved, per the channel capacity policy.
const DefaultReserveFraction = 0.5

// NewPipe creates one unidirectional Channel backed by an os.Pipe, with the
// read end and write end wrapped separately for the two owning engines.
// reserveFraction is the share of record capacity reserved for control
// events; 0 selects DefaultReserveFraction.
func NewPipe(reserveFraction float64) (read *Channel, write *Channel, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	rfd := int(r.Fd())
	wfd := int(w.Fd())
	if err = unix.SetNonblock(rfd, true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, nil, err
	}
	if err = unix.SetNonblock(wfd, true); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, nil, err
	}
	capacityBytes, err := unix.FcntlInt(uintptr(rfd), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		capacityBytes = 65536
	}
	read = newChannel(rfd, r, capacityBytes, reserveFraction)
	write = newChannel(wfd, w, capacityBytes, reserveFraction)
	return read, write, nil
}

// Channel is a unidirectional byte stream carrying whole Event records.
// Exactly one engine reads it and exactly one engine writes it; direction
// is fixed for the Channel's lifetime.
type Channel struct {
	fd              int
	file            *os.File
	capacityBytes   int
	reserveFraction float64
}

func newChannel(fd int, file *os.File, capacityBytes int, reserveFraction float64) *Channel {
	if reserveFraction <= 0 {
		reserveFraction = DefaultReserveFraction
	}
	return &Channel{fd: fd, file: file, capacityBytes: capacityBytes, reserveFraction: reserveFraction}
}

// FD returns the raw descriptor, for registration with a Poller.
func (c *Channel) FD() int {
	return c.fd
}

// Close releases the underlying descriptor. Only the supervisor, which owns
// the channel endpoints, is expected to call this.
func (c *Channel) Close() error {
	return c.file.Close()
}

// capacityRecords is how many whole Event records fit in the kernel buffer.
func (c *Channel) capacityRecords() int {
	n := c.capacityBytes / Size
	if n < 1 {
		n = 1
	}
	return n
}

// queuedRecords estimates how many whole records are currently sitting
// unread in the channel, by asking the kernel how many bytes are queued.
func (c *Channel) queuedRecords() (int, error) {
	n, err := unix.IoctlGetInt(c.fd, unix.TIOCINQ)
	if err != nil {
		return 0, os.NewSyscallError("ioctl FIONREAD", err)
	}
	return n / Size, nil
}

// DataHeadroom reports whether at least one record of data-portion headroom
// is available: capacity, minus the reserved control headroom, minus what
// is currently queued.
func (c *Channel) DataHeadroom() (bool, error) {
	queued, err := c.queuedRecords()
	if err != nil {
		return false, err
	}
	capacity := c.capacityRecords()
	reserve := int(float64(capacity) * c.reserveFraction)
	dataCapacity := capacity - reserve
	if dataCapacity < 1 {
		dataCapacity = 1
	}
	return queued < dataCapacity, nil
}

// TotalHeadroom reports whether at least one record of headroom remains in
// the channel at all, counting the reserve. Control events rely on this;
// producing into a channel with no total headroom is fatal to the caller.
func (c *Channel) TotalHeadroom() (bool, error) {
	queued, err := c.queuedRecords()
	if err != nil {
		return false, err
	}
	return queued < c.capacityRecords(), nil
}

// maxRetrySpins bounds how long WriteEvent/ReadEvent will retry across a
// partial record before giving up with ErrShortRecord. The channel fd is
// nonblocking like every other fd the engines touch; the caller has
// already checked headroom before writing and poll(2) readiness before
// reading, so a record that does not complete within this budget indicates
// the channel framing contract itself is broken, not ordinary scheduling
// jitter.
const maxRetrySpins = 10000

// WriteEvent writes one whole Event record. A single write(2) of Size
// bytes is not guaranteed atomic by the kernel once Size exceeds PIPE_BUF,
// so WriteEvent loops internally until every byte lands; from the caller's
// perspective the write is still all-or-nothing.
func (c *Channel) WriteEvent(e *Event) error {
	var buf [Size]byte
	Encode(e, buf[:])
	return c.writeFull(buf[:])
}

func (c *Channel) writeFull(buf []byte) error {
	total := 0
	spins := 0
	for total < len(buf) {
		n, err := unix.Write(c.fd, buf[total:])
		if n > 0 {
			total += n
			spins = 0
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			spins++
			if spins > maxRetrySpins {
				return sqerrors.ErrShortRecord
			}
			if spins < 100 {
				runtime.Gosched()
			} else {
				time.Sleep(time.Microsecond * 50)
			}
			continue
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
	}
	return nil
}

// ReadEvent decodes one whole Event record into e. It assumes the caller
// has already observed poll(2) readability on this fd; if the record
// straddles two producer-side write(2) calls, ReadEvent retries briefly
// until the rest arrives.
func (c *Channel) ReadEvent(e *Event) error {
	var buf [Size]byte
	n, err := c.readFull(buf[:])
	if err != nil {
		return err
	}
	if n != Size {
		return sqerrors.ErrShortRecord
	}
	Decode(buf[:], e)
	return nil
}

func (c *Channel) readFull(buf []byte) (int, error) {
	total := 0
	spins := 0
	for total < len(buf) {
		n, err := unix.Read(c.fd, buf[total:])
		if n > 0 {
			total += n
			spins = 0
			continue
		}
		if n == 0 && err == nil {
			return total, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			spins++
			if spins > maxRetrySpins {
				return total, sqerrors.ErrShortRecord
			}
			if spins < 100 {
				runtime.Gosched()
			} else {
				time.Sleep(time.Microsecond * 50)
			}
			continue
		}
		if err != nil {
			return total, os.NewSyscallError("read", err)
		}
	}
	return total, nil
}

// TryReadEvent attempts to decode one record without blocking on a partial
// first chunk: if the very first read returns EAGAIN (nothing queued at
// all), it reports that plainly instead of spinning. Engines call this
// from their poll dispatch instead of ReadEvent so an inbound channel fd
// that is spuriously still registered readable does not stall the loop.
func (c *Channel) TryReadEvent(e *Event) (ok bool, err error) {
	var buf [Size]byte
	n, rerr := unix.Read(c.fd, buf[:])
	if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
		return false, nil
	}
	if rerr != nil {
		return false, os.NewSyscallError("read", rerr)
	}
	if n == 0 {
		return false, nil
	}
	total := n
	if total < Size {
		rest, rerr2 := c.readFull(buf[total:])
		total += rest
		if rerr2 != nil {
			return false, rerr2
		}
	}
	if total != Size {
		return false, sqerrors.ErrShortRecord
	}
	Decode(buf[:], e)
	return true, nil
}
