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

// Package event defines the fixed-size record the three engines exchange
// over their six channels, and the binary layout used to move it across a
// pipe or socketpair fd one whole record at a time.
package event

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Direction tags which pair of engines an Event flows between. It is
// authoritative for routing: a receiver that sees a direction it does not
// expect on a given channel rejects the record as an internal error.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirClientToServer
	DirServerToClient
	DirClientToWorker
	DirWorkerToClient
	DirServerToWorker
	DirWorkerToServer
)

func (d Direction) String() string {
	switch d {
	case DirClientToServer:
		return "C->S"
	case DirServerToClient:
		return "S->C"
	case DirClientToWorker:
		return "C->W"
	case DirWorkerToClient:
		return "W->C"
	case DirServerToWorker:
		return "S->W"
	case DirWorkerToServer:
		return "W->S"
	default:
		return "UNKNOWN"
	}
}

// Kind discriminates what an Event carries.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNewConnect
	KindDisconnect
	KindData
	KindNotConnect
	KindConnectNotFound
	KindSlow
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNewConnect:
		return "NEW_CONNECT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindData:
		return "DATA"
	case KindNotConnect:
		return "NOT_CONNECT"
	case KindConnectNotFound:
		return "CONNECT_NOT_FOUND"
	case KindSlow:
		return "SLOW"
	case KindOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// BufCap bounds the payload a single Event can carry. It is a compile-time
// constant so the record has a fixed, atomically-writable size. The engines
// read at most Options.ReadBufferSize bytes (8192 by default) into one DATA
// event and do not split larger reads; SetPayload truncates anything longer
// than BufCap.
const BufCap = 16 * 1024

// NoSD is the sentinel "no socket" handle, stored in c_sd or s_sd when the
// peer side of a pairing is not yet known.
const NoSD int32 = -1

// Endpoint is an IPv4 address/port pair, zero-filled when unknown.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// AddrEndpoint converts a resolved TCP address into an Endpoint, zero-filling
// when addr is nil or not IPv4.
func AddrEndpoint(addr *net.TCPAddr) Endpoint {
	var e Endpoint
	if addr == nil {
		return e
	}
	if v4 := addr.IP.To4(); v4 != nil {
		copy(e.IP[:], v4)
	}
	e.Port = uint16(addr.Port)
	return e
}

func (e Endpoint) String() string {
	if e.Port == 0 && e.IP == [4]byte{} {
		return "0.0.0.0:0"
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}

// Event is the fixed-size message record moved across a Channel. Size is a
// compile-time constant (see Size); every channel write transmits exactly
// one record, value-copied, with no pointer aliasing across engines.
type Event struct {
	Direction Direction
	Kind      Kind
	CSD       int32 // client-side socket handle, or NoSD
	SSD       int32 // server-side socket handle, or NoSD
	BufferLen uint16
	Buffer    [BufCap]byte
	ClientAddr Endpoint
	ProxyAddr  Endpoint
	ServerAddr Endpoint
}

// Payload returns the meaningful slice of Buffer.
func (e *Event) Payload() []byte {
	return e.Buffer[:e.BufferLen]
}

// SetPayload copies p into Buffer, truncating to BufCap. It returns the
// number of bytes actually copied.
func (e *Event) SetPayload(p []byte) int {
	n := copy(e.Buffer[:], p)
	e.BufferLen = uint16(n)
	return n
}

// fixed field widths, little-endian, in wire order. Recorded explicitly
// rather than derived via unsafe.Sizeof so the wire layout never silently
// changes shape with struct field reordering.
const (
	offDirection  = 0
	offKind       = 1
	offCSD        = 2
	offSSD        = 6
	offBufferLen  = 10
	offBuffer     = 12
	offClientAddr = offBuffer + BufCap
	offProxyAddr  = offClientAddr + 6
	offServerAddr = offProxyAddr + 6

	// Size is the compile-time constant wire size of one Event record.
	Size = offServerAddr + 6
)

// Encode serializes e into dst, which must be at least Size bytes.
func Encode(e *Event, dst []byte) {
	dst[offDirection] = byte(e.Direction)
	dst[offKind] = byte(e.Kind)
	binary.LittleEndian.PutUint32(dst[offCSD:], uint32(e.CSD))
	binary.LittleEndian.PutUint32(dst[offSSD:], uint32(e.SSD))
	binary.LittleEndian.PutUint16(dst[offBufferLen:], e.BufferLen)
	copy(dst[offBuffer:offBuffer+BufCap], e.Buffer[:])
	encodeEndpoint(dst[offClientAddr:], e.ClientAddr)
	encodeEndpoint(dst[offProxyAddr:], e.ProxyAddr)
	encodeEndpoint(dst[offServerAddr:], e.ServerAddr)
}

// Decode deserializes src (at least Size bytes) into e.
func Decode(src []byte, e *Event) {
	e.Direction = Direction(src[offDirection])
	e.Kind = Kind(src[offKind])
	e.CSD = int32(binary.LittleEndian.Uint32(src[offCSD:]))
	e.SSD = int32(binary.LittleEndian.Uint32(src[offSSD:]))
	e.BufferLen = binary.LittleEndian.Uint16(src[offBufferLen:])
	copy(e.Buffer[:], src[offBuffer:offBuffer+BufCap])
	e.ClientAddr = decodeEndpoint(src[offClientAddr:])
	e.ProxyAddr = decodeEndpoint(src[offProxyAddr:])
	e.ServerAddr = decodeEndpoint(src[offServerAddr:])
}

func encodeEndpoint(dst []byte, e Endpoint) {
	copy(dst[:4], e.IP[:])
	binary.LittleEndian.PutUint16(dst[4:6], e.Port)
}

func decodeEndpoint(src []byte) Endpoint {
	var e Endpoint
	copy(e.IP[:], src[:4])
	e.Port = binary.LittleEndian.Uint16(src[4:6])
	return e
}
