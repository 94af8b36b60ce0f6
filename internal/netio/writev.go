// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

// Package netio batches the outbound chunk queue into as few writev(2)
// calls as the kernel's IOV_MAX allows.
package netio

import (
	"os"

	"golang.org/x/sys/unix"
)

// iovMax caps how many buffers a single Writev call will submit, matching
// the ceiling the teacher's connection write path observed in practice
// rather than querying IOV_MAX per call.
const iovMax = 1024

// Writev writes as much of bufs, in order, as fd's send buffer accepts in
// one writev(2) call. n is the number of bytes actually written, which may
// span a partial final buffer; the caller is responsible for tracking how
// much of which buffer was consumed. A socket that is not currently
// writable (EAGAIN) is reported as n == 0 with a nil error, so the caller
// keeps the unsent bytes queued instead of treating it as a failure.
func Writev(fd int, bufs [][]byte) (n int, err error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	if len(bufs) > iovMax {
		bufs = bufs[:iovMax]
	}
	n, err = unix.Writev(fd, bufs)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return n, os.NewSyscallError("writev", err)
	}
	return n, nil
}

// Read reads into buf via read(2); unix.EAGAIN, returned unwrapped so the
// caller can compare against it, means nothing is currently available and
// is not treated as an error by the caller.
func Read(fd int, buf []byte) (n int, err error) {
	n, err = unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return 0, unix.EAGAIN
	}
	if err != nil {
		return n, os.NewSyscallError("read", err)
	}
	return n, nil
}

// Write writes buf via write(2); a socket that is not currently writable
// (EAGAIN) is reported as n == 0 with a nil error, so the caller enqueues
// the whole buffer instead of treating it as a failure.
func Write(fd int, buf []byte) (n int, err error) {
	n, err = unix.Write(fd, buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return n, os.NewSyscallError("write", err)
	}
	return n, nil
}
