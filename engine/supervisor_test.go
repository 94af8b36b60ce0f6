package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sqlrelay/audit"
)

func TestSupervisorHappyPathRelaysBytes(t *testing.T) {
	upstreamLn, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		require.Equal(t, "PING\n", string(buf[:n]))
		_, _ = conn.Write([]byte("PONG\n"))
	}()

	opts := DefaultOptions()
	opts.TimeoutMillis = 20
	sink := audit.NewRingSink(32)

	sup, err := New(opts, "127.0.0.1:0", upstreamLn.Addr().String(), nil, sink)
	require.NoError(t, err)
	require.NoError(t, sup.Prepare())

	go func() {
		_ = sup.Run()
	}()

	proxyAddr := sup.ListenAddr()
	require.NotEmpty(t, proxyAddr)

	conn, err := net.Dial("tcp4", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("PING\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "PONG\n", string(buf[:n]))

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	recent := sink.Recent()
	require.NotEmpty(t, recent)
}
