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

package engine

import (
	"time"

	"golang.org/x/sys/unix"

	"sqlrelay/event"
	"sqlrelay/internal/netio"
	"sqlrelay/internal/netpoll"
	"sqlrelay/internal/sock"
	sqerrors "sqlrelay/pkg/errors"
	"sqlrelay/pkg/logging"
	"sqlrelay/stats"
)

// ClientEngine owns the listening socket and every accepted downstream
// connection. It forwards client bytes to SERVER, delivers SERVER's
// replies back to the client, and mirrors every event to WORKER.
type ClientEngine struct {
	opts Options

	poller   *netpoll.Poller
	listenFD int32
	proxyAddr event.Endpoint

	toServer   *event.Channel
	toWorker   *event.Channel
	fromServer *event.Channel
	fromWorker *event.Channel

	conns        map[int32]*ConnState
	mayWriteServer bool
	mayWriteWorker bool

	end     *EndFlag
	metrics *stats.Relay
	readBuf []byte
	lastErr error
}

// NewClientEngine builds a CLIENT engine. toServer/toWorker are the write
// ends of the C->S and C->W channels; fromServer/fromWorker are the read
// ends of S->C and W->C.
func NewClientEngine(opts Options, toServer, toWorker, fromServer, fromWorker *event.Channel, end *EndFlag, metrics *stats.Relay) *ClientEngine {
	return &ClientEngine{
		opts:           opts,
		listenFD:       -1,
		toServer:       toServer,
		toWorker:       toWorker,
		fromServer:     fromServer,
		fromWorker:     fromWorker,
		conns:          make(map[int32]*ConnState),
		mayWriteServer: true,
		mayWriteWorker: true,
		end:            end,
		metrics:        metrics,
		readBuf:        make([]byte, opts.ReadBufferSize),
	}
}

// Prepare binds and listens the public port and registers the engine's
// three initial poll fds: listen, server-channel-in, worker-channel-in.
func (c *ClientEngine) Prepare(addr string) error {
	fd, laddr, err := sock.ListenTCP(addr)
	if err != nil {
		return err
	}
	c.listenFD = int32(fd)
	c.proxyAddr = event.AddrEndpoint(laddr)

	c.poller = netpoll.OpenPoller(c.opts.MaxPollFDs)
	c.poller.Add(c.listenFD, false)
	c.poller.Add(int32(c.fromServer.FD()), false)
	c.poller.Add(int32(c.fromWorker.FD()), false)
	return nil
}

// ListenAddr returns the address actually bound by Prepare, useful when
// the configured port was 0.
func (c *ClientEngine) ListenAddr() string {
	return c.proxyAddr.String()
}

// Run loops until the shared end-flag is set, returning the last fatal
// error observed, if any.
func (c *ClientEngine) Run() error {
	events := make([]netpoll.Event, 0, 64)
	var err error
	for !c.end.IsSet() {
		events, err = c.poller.Wait(c.opts.TimeoutMillis, events)
		if err != nil {
			c.fatal(err)
			break
		}
		for _, ev := range events {
			c.dispatch(ev)
			if c.end.IsSet() {
				break
			}
		}
	}
	return c.lastErr
}

// Done closes every still-open socket this engine owns and raises the
// end-flag.
func (c *ClientEngine) Done() {
	for fd, cs := range c.conns {
		lost := cs.Queue.DrainAll()
		c.metrics.Lost("client", lost)
		_ = unix.Close(int(fd))
		c.metrics.ClosedConnection("client")
	}
	c.conns = make(map[int32]*ConnState)
	if c.listenFD >= 0 {
		_ = unix.Close(int(c.listenFD))
		c.listenFD = -1
	}
	c.end.Set()
}

func (c *ClientEngine) fatal(err error) {
	if c.lastErr == nil {
		c.lastErr = err
	}
	logging.Errorf("client engine fatal: %v", err)
	c.end.Set()
}

func (c *ClientEngine) dispatch(ev netpoll.Event) {
	switch {
	case ev.FD == c.listenFD:
		if ev.Hup || ev.Err || ev.Nval {
			c.fatal(sqerrors.ErrAcceptSocket)
			return
		}
		c.acceptAll()
	case ev.FD == int32(c.fromServer.FD()):
		if ev.Hup || ev.Err || ev.Nval {
			c.fatal(sqerrors.ErrEngineShutdown)
			return
		}
		c.drainFromServer()
	case ev.FD == int32(c.fromWorker.FD()):
		if ev.Hup || ev.Err || ev.Nval {
			c.fatal(sqerrors.ErrEngineShutdown)
			return
		}
		c.drainAndDiscard(c.fromWorker)
	case ev.FD == int32(c.toServer.FD()):
		if ev.Writable {
			if ok, err := c.toServer.DataHeadroom(); err == nil {
				c.mayWriteServer = ok
			}
		}
	case ev.FD == int32(c.toWorker.FD()):
		if ev.Writable {
			if ok, err := c.toWorker.DataHeadroom(); err == nil {
				c.mayWriteWorker = ok
			}
		}
	default:
		c.handleDownstream(ev)
	}
}

func (c *ClientEngine) acceptAll() {
	for {
		fd, raddr, err := sock.Accept(int(c.listenFD))
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			logging.Warnf("accept failed: %v", err)
			return
		}
		_ = sock.SetKeepAlive(fd, c.opts.ClientKeepAlive)
		_ = sock.SetNoDelay(fd, c.opts.NoDelay)

		cs := NewConnState(int32(fd))
		cs.ClientAddr = event.AddrEndpoint(raddr)
		cs.ProxyAddr = c.proxyAddr
		wasEmpty := len(c.conns) == 0
		c.conns[int32(fd)] = cs
		if wasEmpty {
			c.poller.Add(int32(c.toServer.FD()), true)
			c.poller.Add(int32(c.toWorker.FD()), true)
		}
		c.poller.Add(int32(fd), true)
		c.metrics.AcceptedConnection("client")

		base := event.Event{
			Kind:       event.KindNewConnect,
			CSD:        int32(fd),
			SSD:        event.NoSD,
			ClientAddr: cs.ClientAddr,
			ProxyAddr:  cs.ProxyAddr,
		}
		toServer := base
		toServer.Direction = event.DirClientToServer
		toWorker := base
		toWorker.Direction = event.DirClientToWorker
		c.emit(c.toServer, &toServer, "client_to_server")
		c.emit(c.toWorker, &toWorker, "client_to_worker")
	}
}

// emit writes e to ch, checking total-channel headroom first. A full
// total channel is fatal to the engine.
func (c *ClientEngine) emit(ch *event.Channel, e *event.Event, name string) {
	if c.end.IsSet() {
		return
	}
	ok, err := ch.TotalHeadroom()
	if err != nil {
		c.fatal(err)
		return
	}
	if !ok {
		c.metrics.ChannelFullFatal(name)
		c.fatal(sqerrors.ErrChannelFull)
		return
	}
	if err := ch.WriteEvent(e); err != nil {
		c.fatal(err)
	}
}

func (c *ClientEngine) drainAndDiscard(ch *event.Channel) {
	var e event.Event
	for {
		ok, err := ch.TryReadEvent(&e)
		if err != nil {
			c.fatal(err)
			return
		}
		if !ok {
			return
		}
	}
}

func (c *ClientEngine) drainFromServer() {
	var e event.Event
	for {
		ok, err := c.fromServer.TryReadEvent(&e)
		if err != nil {
			c.fatal(err)
			return
		}
		if !ok {
			return
		}
		if e.Direction != event.DirServerToClient {
			logging.Warnf("client: dropping event with unexpected direction %v", e.Direction)
			continue
		}
		c.handleServerEvent(&e)
	}
}

func (c *ClientEngine) handleServerEvent(e *event.Event) {
	cs, ok := c.conns[e.CSD]
	switch e.Kind {
	case event.KindNewConnect:
		if !ok {
			c.replyConnectNotFound(e.CSD)
			return
		}
		cs.Peer = e.SSD
	case event.KindData:
		if !ok {
			c.replyConnectNotFound(e.CSD)
			return
		}
		c.sendOrEnqueue(cs, e.Payload())
	case event.KindNotConnect, event.KindDisconnect:
		if !ok {
			logging.Infof("client: disconnect for unknown c_sd=%d, already closed", e.CSD)
			return
		}
		c.orderlyClose(cs)
	case event.KindConnectNotFound:
		logging.Infof("client: server reports CONNECT_NOT_FOUND for c_sd=%d", e.CSD)
	default:
		logging.Warnf("client: unknown event kind %v", e.Kind)
	}
}

func (c *ClientEngine) replyConnectNotFound(csd int32) {
	logging.Warnf("client: unknown c_sd=%d in inbound event", csd)
	reply := event.Event{Direction: event.DirClientToServer, Kind: event.KindConnectNotFound, CSD: csd, SSD: event.NoSD}
	c.emit(c.toServer, &reply, "client_to_server")
}

func (c *ClientEngine) sendOrEnqueue(cs *ConnState, payload []byte) {
	if cs.Queue.Empty() {
		n, err := netio.Write(int(cs.FD), payload)
		if err != nil {
			c.disconnect(cs)
			return
		}
		cs.Sent += uint64(n)
		c.metrics.Sent("client", n)
		if n < len(payload) {
			cs.Queue.Enqueue(payload[n:])
			c.checkSlow(cs)
		}
		return
	}
	cs.Queue.Enqueue(payload)
	c.tryFlush(cs)
}

// tryFlush drains as much of cs's outbound queue as the socket will take in
// one Writev call, batching every still-queued chunk instead of the single
// head chunk a plain Write would see.
func (c *ClientEngine) tryFlush(cs *ConnState) {
	if vecs := cs.Queue.Vectors(); len(vecs) > 0 {
		n, err := netio.Writev(int(cs.FD), vecs)
		if err != nil {
			c.disconnect(cs)
			return
		}
		if n > 0 {
			cs.Sent += uint64(n)
			c.metrics.Sent("client", n)
			cs.Queue.Advance(n)
		}
	}
	c.checkSlow(cs)
	if cs.Closing && cs.Queue.Empty() {
		c.closeConn(cs.FD)
	}
}

// checkSlow reports a connection whose outbound queue has stayed
// continuously non-empty past opts.SlowLogMS, once per stall.
func (c *ClientEngine) checkSlow(cs *ConnState) {
	if cs.Queue.Empty() {
		cs.QueuedSince = time.Time{}
		cs.SlowReported = false
		return
	}
	if cs.QueuedSince.IsZero() {
		cs.QueuedSince = time.Now()
		return
	}
	if cs.SlowReported {
		return
	}
	if c.opts.SlowLogMS <= 0 || time.Since(cs.QueuedSince) < time.Duration(c.opts.SlowLogMS)*time.Millisecond {
		return
	}
	cs.SlowReported = true
	c.metrics.SlowDetected("client")
	logging.Warnf("client: slow c_sd=%d id=%d buffered=%d queued_ms=%d", cs.FD, cs.ID, cs.Queue.Buffered(), time.Since(cs.QueuedSince).Milliseconds())
	e := event.Event{Direction: event.DirClientToWorker, Kind: event.KindSlow, CSD: cs.FD, SSD: cs.Peer}
	c.emit(c.toWorker, &e, "client_to_worker")
}

// orderlyClose implements the drain-then-close rule for a peer-requested
// disconnect: close now if nothing is queued, otherwise defer to POLLOUT.
func (c *ClientEngine) orderlyClose(cs *ConnState) {
	if cs.Queue.Empty() {
		c.closeConn(cs.FD)
		return
	}
	cs.Closing = true
}

// disconnect is this engine observing the loss first: it emits DISCONNECT
// to SERVER and WORKER before tearing the connection down.
func (c *ClientEngine) disconnect(cs *ConnState) {
	base := event.Event{CSD: cs.FD, SSD: cs.Peer}
	toServer := base
	toServer.Direction = event.DirClientToServer
	toServer.Kind = event.KindDisconnect
	toWorker := base
	toWorker.Direction = event.DirClientToWorker
	toWorker.Kind = event.KindDisconnect
	c.emit(c.toServer, &toServer, "client_to_server")
	c.emit(c.toWorker, &toWorker, "client_to_worker")
	c.closeConn(cs.FD)
}

func (c *ClientEngine) closeConn(fd int32) {
	cs, ok := c.conns[fd]
	if !ok {
		return
	}
	lost := cs.Queue.DrainAll()
	cs.Lost += uint64(lost)
	logging.Infof("client: closing c_sd=%d sent=%d recv=%d lost=%d", fd, cs.Sent, cs.Recv, cs.Lost)
	c.metrics.Lost("client", lost)
	c.poller.Remove(fd)
	_ = unix.Close(int(fd))
	delete(c.conns, fd)
	c.metrics.ClosedConnection("client")
	if len(c.conns) == 0 {
		c.poller.Remove(int32(c.toServer.FD()))
		c.poller.Remove(int32(c.toWorker.FD()))
	}
}

func (c *ClientEngine) handleDownstream(ev netpoll.Event) {
	cs, ok := c.conns[ev.FD]
	if !ok {
		return
	}
	if ev.Nval {
		c.fatal(unix.EBADF)
		return
	}
	if ev.Hup || ev.Err {
		c.disconnect(cs)
		return
	}
	if ev.Writable {
		c.tryFlush(cs)
		if _, stillOpen := c.conns[ev.FD]; !stillOpen {
			return
		}
	}
	if !ev.Readable {
		return
	}
	if !c.mayWriteServer || !c.mayWriteWorker {
		c.metrics.ChannelStalled("client")
		return
	}
	n, err := netio.Read(int(cs.FD), c.readBuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.disconnect(cs)
		return
	}
	if n == 0 {
		c.disconnect(cs)
		return
	}
	cs.Recv += uint64(n)
	c.metrics.Recv("client", n)

	base := event.Event{
		CSD:        cs.FD,
		SSD:        cs.Peer,
		ClientAddr: cs.ClientAddr,
		ProxyAddr:  cs.ProxyAddr,
		Kind:       event.KindData,
	}
	base.SetPayload(c.readBuf[:n])
	toServer := base
	toServer.Direction = event.DirClientToServer
	toWorker := base
	toWorker.Direction = event.DirClientToWorker
	c.emit(c.toServer, &toServer, "client_to_server")
	c.emit(c.toWorker, &toWorker, "client_to_worker")
}
