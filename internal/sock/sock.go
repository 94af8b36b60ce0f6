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

// Package sock wraps the socket(2)/setsockopt(2) calls the engines need to
// stand up a non-blocking listener, accept non-blocking client sockets, and
// dial non-blocking upstream sockets with the option set spec.md §6 names:
// SO_REUSEADDR on the listener, SO_KEEPALIVE and TCP_NODELAY on every
// accepted and every upstream socket.
package sock

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return os.NewSyscallError("fcntl nonblock", unix.SetNonblock(fd, true))
}

// SetReuseAddr sets SO_REUSEADDR on fd.
func SetReuseAddr(fd int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

// SetNoDelay toggles TCP_NODELAY on fd.
func SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// SetKeepAlive toggles SO_KEEPALIVE on fd.
func SetKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v))
}

// SetSendBuffer sets SO_SNDBUF on fd.
func SetSendBuffer(fd, bytes int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes))
}

// SetRecvBuffer sets SO_RCVBUF on fd.
func SetRecvBuffer(fd, bytes int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes))
}

// SetLinger sets SO_LINGER on fd; sec < 0 restores the OS default.
func SetLinger(fd, sec int) error {
	if sec < 0 {
		return nil
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
		Onoff:  1,
		Linger: int32(sec),
	}))
}

// ListenTCP creates a non-blocking IPv4 listening socket bound to addr
// ("host:port"), with SO_REUSEADDR applied, and returns its fd plus the
// resolved local address.
func ListenTCP(addr string) (fd int, laddr *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, nil, fmt.Errorf("sock: resolve %s: %w", addr, err)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}

	if err = SetReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err = SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("bind", err)
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("listen", err)
	}

	resolved, err := LocalAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	return fd, resolved, nil
}

// Accept accepts one pending connection on the listening fd ln, putting the
// accepted socket in non-blocking mode. It returns unix.EAGAIN, unwrapped,
// when there is nothing to accept.
func Accept(ln int) (fd int, raddr *net.TCPAddr, err error) {
	nfd, sa, err := unix.Accept(ln)
	if err != nil {
		return -1, nil, err
	}
	if err = SetNonblock(nfd); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sockaddrToTCPAddr(sa), nil
}

// DialNonblocking starts a non-blocking TCP connect to addr. If resolving
// addr, creating the socket, or setting it non-blocking fails, fd is -1 and
// nothing is left open. Otherwise the caller owns fd, and err is nil on
// immediate success, unix.EINPROGRESS on an in-progress connect, or the
// wrapped connect(2) error on immediate failure (in which case fd should be
// closed by the caller).
func DialNonblocking(addr string) (fd int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, fmt.Errorf("sock: resolve %s: %w", addr, err)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err = SetNonblock(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	err = unix.Connect(fd, sa)
	if err == nil || err == unix.EINPROGRESS {
		return fd, err
	}
	return fd, os.NewSyscallError("connect", err)
}

// SoError reads and clears SO_ERROR on fd, the standard way to discover the
// outcome of a non-blocking connect once the fd becomes writable.
func SoError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v == 0 {
		return nil
	}
	return unix.Errno(v)
}

// LocalAddr returns fd's local TCP endpoint.
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return sockaddrToTCPAddr(sa), nil
}

// RemoteAddr returns fd's remote TCP endpoint.
func RemoteAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return sockaddrToTCPAddr(sa), nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return &net.TCPAddr{}
	}
}
