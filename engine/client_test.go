package engine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sqlrelay/event"
)

func newTestClientEngine(t *testing.T) (*ClientEngine, *event.Channel, *event.Channel, *event.Channel, *event.Channel) {
	t.Helper()
	toServerR, toServerW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	toWorkerR, toWorkerW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	fromServerR, fromServerW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	fromWorkerR, fromWorkerW, err := event.NewPipe(0.5)
	require.NoError(t, err)

	opts := DefaultOptions()
	c := NewClientEngine(opts, toServerW, toWorkerW, fromServerR, fromWorkerR, &EndFlag{}, nil)
	require.NoError(t, c.Prepare("127.0.0.1:0"))

	t.Cleanup(func() {
		toServerR.Close()
		toServerW.Close()
		toWorkerR.Close()
		toWorkerW.Close()
		fromServerR.Close()
		fromServerW.Close()
		fromWorkerR.Close()
		fromWorkerW.Close()
	})

	return c, toServerR, toWorkerR, fromServerW, fromWorkerW
}

func TestClientAcceptEmitsNewConnectToServerAndWorker(t *testing.T) {
	c, toServerR, toWorkerR, _, _ := newTestClientEngine(t)

	conn, err := net.Dial("tcp", c.ListenAddr())
	require.NoError(t, err)
	defer conn.Close()

	events, err := c.poller.Wait(200, nil)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	c.dispatch(events[0])

	var toServer event.Event
	ok, err := toServerR.TryReadEvent(&toServer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindNewConnect, toServer.Kind)
	require.Equal(t, event.DirClientToServer, toServer.Direction)

	var toWorker event.Event
	ok, err = toWorkerR.TryReadEvent(&toWorker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindNewConnect, toWorker.Kind)
	require.Equal(t, event.DirClientToWorker, toWorker.Direction)

	require.Len(t, c.conns, 1)
}

func TestClientRepliesConnectNotFoundForUnknownCSD(t *testing.T) {
	c, toServerR, _, _, _ := newTestClientEngine(t)

	c.replyConnectNotFound(999)

	var reply event.Event
	ok, err := toServerR.TryReadEvent(&reply)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindConnectNotFound, reply.Kind)
	require.Equal(t, int32(999), reply.CSD)
}

func TestClientCheckSlowReportsPastThreshold(t *testing.T) {
	c, _, toWorkerR, _, _ := newTestClientEngine(t)
	c.opts.SlowLogMS = 1

	cs := NewConnState(123)
	cs.Queue.Enqueue([]byte("still queued"))

	c.checkSlow(cs)
	require.False(t, cs.QueuedSince.IsZero())
	require.False(t, cs.SlowReported)

	cs.QueuedSince = time.Now().Add(-10 * time.Millisecond)
	c.checkSlow(cs)
	require.True(t, cs.SlowReported)

	var e event.Event
	ok, err := toWorkerR.TryReadEvent(&e)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindSlow, e.Kind)
	require.Equal(t, event.DirClientToWorker, e.Direction)

	// Already reported: a second call before the queue drains must not
	// re-emit.
	c.checkSlow(cs)
	_, ok, err = tryRead(toWorkerR)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientCheckSlowResetsWhenQueueDrains(t *testing.T) {
	c, _, _, _, _ := newTestClientEngine(t)
	cs := NewConnState(124)
	cs.QueuedSince = time.Now()
	cs.SlowReported = true

	c.checkSlow(cs)
	require.True(t, cs.QueuedSince.IsZero())
	require.False(t, cs.SlowReported)
}

func tryRead(ch *event.Channel) (event.Event, bool, error) {
	var e event.Event
	ok, err := ch.TryReadEvent(&e)
	return e, ok, err
}

func TestClientHandleServerEventDataForUnknownConnReportsNotFound(t *testing.T) {
	c, toServerR, _, _, _ := newTestClientEngine(t)

	e := &event.Event{Kind: event.KindData, CSD: 42, Direction: event.DirServerToClient}
	c.handleServerEvent(e)

	var reply event.Event
	ok, err := toServerR.TryReadEvent(&reply)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, event.KindConnectNotFound, reply.Kind)
	require.Equal(t, int32(42), reply.CSD)
}
