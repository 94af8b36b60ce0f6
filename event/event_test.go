package event

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var e Event
	e.Direction = DirClientToServer
	e.Kind = KindData
	e.CSD = 7
	e.SSD = NoSD
	e.SetPayload([]byte("PING\n"))
	e.ClientAddr = AddrEndpoint(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4880})

	var buf [Size]byte
	Encode(&e, buf[:])

	var out Event
	Decode(buf[:], &out)

	require.Equal(t, e.Direction, out.Direction)
	require.Equal(t, e.Kind, out.Kind)
	require.Equal(t, e.CSD, out.CSD)
	require.Equal(t, e.SSD, out.SSD)
	require.Equal(t, e.BufferLen, out.BufferLen)
	require.Equal(t, "PING\n", string(out.Payload()))
	require.Equal(t, e.ClientAddr, out.ClientAddr)
}

func TestSetPayloadTruncatesToBufCap(t *testing.T) {
	var e Event
	big := make([]byte, BufCap+100)
	n := e.SetPayload(big)
	require.Equal(t, BufCap, n)
	require.Equal(t, uint16(BufCap), e.BufferLen)
}

func TestZeroBufferLenMeansNoPayload(t *testing.T) {
	var e Event
	e.Kind = KindNewConnect
	require.Equal(t, uint16(0), e.BufferLen)
	require.Empty(t, e.Payload())
}

func TestDirectionString(t *testing.T) {
	require.Equal(t, "C->S", DirClientToServer.String())
	require.Equal(t, "UNKNOWN", DirUnknown.String())
}

func TestKindString(t *testing.T) {
	require.Equal(t, "CONNECT_NOT_FOUND", KindConnectNotFound.String())
	require.Equal(t, "UNKNOWN", KindUnknown.String())
}
