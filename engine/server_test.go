package engine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sqlrelay/event"
)

func newTestServerEngine(t *testing.T, upstream string) (*ServerEngine, *event.Channel, *event.Channel, *event.Channel, *event.Channel) {
	t.Helper()
	toClientR, toClientW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	toWorkerR, toWorkerW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	fromClientR, fromClientW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	fromWorkerR, fromWorkerW, err := event.NewPipe(0.5)
	require.NoError(t, err)

	opts := DefaultOptions()
	s := NewServerEngine(opts, upstream, toClientW, toWorkerW, fromClientR, fromWorkerR, &EndFlag{}, nil)
	require.NoError(t, s.Prepare())

	t.Cleanup(func() {
		toClientR.Close()
		toClientW.Close()
		toWorkerR.Close()
		toWorkerW.Close()
		fromClientR.Close()
		fromClientW.Close()
		fromWorkerR.Close()
		fromWorkerW.Close()
	})

	return s, toClientR, toWorkerR, fromClientW, fromWorkerW
}

func TestServerStartConnectSucceedsAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	s, toClientR, toWorkerR, _, _ := newTestServerEngine(t, ln.Addr().String())

	s.startConnect(7, event.Endpoint{}, event.Endpoint{})

	deadline := time.Now().Add(time.Second)
	for s.awaitConnect.Len() > 0 && time.Now().Before(deadline) {
		events, err := s.poller.Wait(50, nil)
		require.NoError(t, err)
		for _, ev := range events {
			s.dispatch(ev)
		}
	}
	require.Zero(t, s.awaitConnect.Len())
	require.Len(t, s.conns, 1)

	var toClient event.Event
	ok, err := toClientR.TryReadEvent(&toClient)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindNewConnect, toClient.Kind)
	require.Equal(t, int32(7), toClient.CSD)

	var toWorker event.Event
	ok, err = toWorkerR.TryReadEvent(&toWorker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindNewConnect, toWorker.Kind)
}

func TestServerStartConnectFailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s, toClientR, toWorkerR, _, _ := newTestServerEngine(t, addr)

	s.startConnect(11, event.Endpoint{}, event.Endpoint{})

	// A refused loopback connect resolves synchronously (ECONNREFUSED from
	// connect(2) itself), so no poll cycle is needed before NOT_CONNECT is
	// published; if the platform instead reports EINPROGRESS, drive the
	// poll/dispatch loop so completeConnect resolves the socket from its
	// POLLOUT/POLLERR readiness.
	if s.awaitConnect.Len() > 0 {
		deadline := time.Now().Add(time.Second)
		for s.awaitConnect.Len() > 0 && time.Now().Before(deadline) {
			events, err := s.poller.Wait(50, nil)
			require.NoError(t, err)
			for _, ev := range events {
				s.dispatch(ev)
			}
		}
	}

	var toClient event.Event
	ok, err := toClientR.TryReadEvent(&toClient)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindNotConnect, toClient.Kind)

	var toWorker event.Event
	ok, err = toWorkerR.TryReadEvent(&toWorker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindNotConnect, toWorker.Kind)
}

func TestServerReplyConnectNotFoundForUnknownCSD(t *testing.T) {
	s, toClientR, _, _, _ := newTestServerEngine(t, "127.0.0.1:1")

	s.replyConnectNotFound(55)

	var reply event.Event
	ok, err := toClientR.TryReadEvent(&reply)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindConnectNotFound, reply.Kind)
	require.Equal(t, int32(55), reply.CSD)
}
