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

// ServerEngine translates CLIENT-originated NEW_CONNECT control into real
// non-blocking upstream TCP connections, streams bytes in both directions,
// and prunes connects that never resolve within the configured deadline.
type ServerEngine struct {
	opts       Options
	upstream   string
	serverAddr event.Endpoint

	poller *netpoll.Poller

	toClient   *event.Channel
	toWorker   *event.Channel
	fromClient *event.Channel
	fromWorker *event.Channel

	conns        map[int32]*ConnState // keyed by local upstream sd
	peerIndex    map[int32]int32      // c_sd -> local upstream sd
	awaitConnect *AwaitConnect

	mayWriteClient bool
	mayWriteWorker bool

	end     *EndFlag
	metrics *stats.Relay
	readBuf []byte
	lastErr error
}

// NewServerEngine builds a SERVER engine dialing upstream. toClient/toWorker
// are the write ends of S->C and S->W; fromClient/fromWorker are the read
// ends of C->S and W->S.
func NewServerEngine(opts Options, upstream string, toClient, toWorker, fromClient, fromWorker *event.Channel, end *EndFlag, metrics *stats.Relay) *ServerEngine {
	return &ServerEngine{
		opts:           opts,
		upstream:       upstream,
		toClient:       toClient,
		toWorker:       toWorker,
		fromClient:     fromClient,
		fromWorker:     fromWorker,
		conns:          make(map[int32]*ConnState),
		peerIndex:      make(map[int32]int32),
		awaitConnect:   NewAwaitConnect(),
		mayWriteClient: true,
		mayWriteWorker: true,
		end:            end,
		metrics:        metrics,
		readBuf:        make([]byte, opts.ReadBufferSize),
	}
}

// Prepare registers the engine's two initial poll fds: client-channel-in
// and worker-channel-in. SERVER owns no listening socket.
func (s *ServerEngine) Prepare() error {
	s.poller = netpoll.OpenPoller(s.opts.MaxPollFDs)
	s.poller.Add(int32(s.fromClient.FD()), false)
	s.poller.Add(int32(s.fromWorker.FD()), false)
	return nil
}

// Run loops until the shared end-flag is set.
func (s *ServerEngine) Run() error {
	events := make([]netpoll.Event, 0, 64)
	var err error
	for !s.end.IsSet() {
		s.sweepConnectTimeouts()
		events, err = s.poller.Wait(s.opts.TimeoutMillis, events)
		if err != nil {
			s.fatal(err)
			break
		}
		for _, ev := range events {
			s.dispatch(ev)
			if s.end.IsSet() {
				break
			}
		}
	}
	return s.lastErr
}

// Done closes every upstream socket this engine owns and raises the
// end-flag.
func (s *ServerEngine) Done() {
	for fd, cs := range s.conns {
		lost := cs.Queue.DrainAll()
		s.metrics.Lost("server", lost)
		_ = unix.Close(int(fd))
		s.metrics.ClosedConnection("server")
	}
	s.conns = make(map[int32]*ConnState)
	s.peerIndex = make(map[int32]int32)
	s.end.Set()
}

func (s *ServerEngine) fatal(err error) {
	if s.lastErr == nil {
		s.lastErr = err
	}
	logging.Errorf("server engine fatal: %v", err)
	s.end.Set()
}

func (s *ServerEngine) sweepConnectTimeouts() {
	deadline := time.Now()
	for _, sd := range s.awaitConnect.Sweep(deadline) {
		s.failConnect(sd)
	}
	s.metrics.SetAwaitingConnect(s.awaitConnect.Len())
}

func (s *ServerEngine) failConnect(sd int32) {
	cs, ok := s.conns[sd]
	if !ok {
		return
	}
	s.metrics.ConnectTimedOut()
	s.publishNotConnect(cs.Peer, sd)
	s.dropConn(sd)
}

func (s *ServerEngine) dispatch(ev netpoll.Event) {
	switch {
	case ev.FD == int32(s.fromClient.FD()):
		if ev.Hup || ev.Err || ev.Nval {
			s.fatal(sqerrors.ErrEngineShutdown)
			return
		}
		s.drainFromClient()
	case ev.FD == int32(s.fromWorker.FD()):
		if ev.Hup || ev.Err || ev.Nval {
			s.fatal(sqerrors.ErrEngineShutdown)
			return
		}
		s.drainAndDiscard(s.fromWorker)
	case ev.FD == int32(s.toClient.FD()):
		if ev.Writable {
			if ok, err := s.toClient.DataHeadroom(); err == nil {
				s.mayWriteClient = ok
			}
		}
	case ev.FD == int32(s.toWorker.FD()):
		if ev.Writable {
			if ok, err := s.toWorker.DataHeadroom(); err == nil {
				s.mayWriteWorker = ok
			}
		}
	default:
		s.handleUpstream(ev)
	}
}

func (s *ServerEngine) drainAndDiscard(ch *event.Channel) {
	var e event.Event
	for {
		ok, err := ch.TryReadEvent(&e)
		if err != nil {
			s.fatal(err)
			return
		}
		if !ok {
			return
		}
	}
}

func (s *ServerEngine) drainFromClient() {
	var e event.Event
	for {
		ok, err := s.fromClient.TryReadEvent(&e)
		if err != nil {
			s.fatal(err)
			return
		}
		if !ok {
			return
		}
		if e.Direction != event.DirClientToServer {
			logging.Warnf("server: dropping event with unexpected direction %v", e.Direction)
			continue
		}
		s.handleClientEvent(&e)
	}
}

func (s *ServerEngine) handleClientEvent(e *event.Event) {
	switch e.Kind {
	case event.KindNewConnect:
		s.startConnect(e.CSD, e.ClientAddr, e.ProxyAddr)
	case event.KindData:
		sd, ok := s.peerIndex[e.CSD]
		if !ok {
			s.replyConnectNotFound(e.CSD)
			return
		}
		s.sendOrEnqueue(s.conns[sd], e.Payload())
	case event.KindDisconnect, event.KindConnectNotFound:
		sd, ok := s.peerIndex[e.CSD]
		if !ok {
			logging.Infof("server: disconnect for unknown c_sd=%d, already closed", e.CSD)
			return
		}
		s.orderlyClose(s.conns[sd])
	default:
		logging.Warnf("server: unknown event kind %v", e.Kind)
	}
}

func (s *ServerEngine) replyConnectNotFound(csd int32) {
	logging.Warnf("server: unknown c_sd=%d in inbound event", csd)
	reply := event.Event{Direction: event.DirServerToClient, Kind: event.KindConnectNotFound, CSD: csd, SSD: event.NoSD}
	s.emit(s.toClient, &reply, "server_to_client")
}

func (s *ServerEngine) startConnect(csd int32, clientAddr, proxyAddr event.Endpoint) {
	fd, err := sock.DialNonblocking(s.upstream)
	switch err {
	case nil:
		s.finishConnectSetup(fd, csd, clientAddr, proxyAddr)
		s.publishNewConnect(csd, int32(fd))
		s.metrics.ConnectOutcome(true)
	case unix.EINPROGRESS:
		s.finishConnectSetup(fd, csd, clientAddr, proxyAddr)
		s.awaitConnect.Add(int32(fd), time.Now().Add(time.Duration(s.opts.ConnectTimeoutMS)*time.Millisecond))
	default:
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		logging.Warnf("server: connect to %s failed: %v", s.upstream, err)
		s.publishNotConnect(csd, event.NoSD)
		s.metrics.ConnectOutcome(false)
	}
}

func (s *ServerEngine) finishConnectSetup(fd int, csd int32, clientAddr, proxyAddr event.Endpoint) {
	_ = sock.SetKeepAlive(fd, s.opts.ServerKeepAlive)
	_ = sock.SetNoDelay(fd, s.opts.NoDelay)
	cs := NewConnState(int32(fd))
	cs.Peer = csd
	cs.ClientAddr = clientAddr
	cs.ProxyAddr = proxyAddr
	s.conns[int32(fd)] = cs
	s.peerIndex[csd] = int32(fd)
	s.poller.Add(int32(fd), true)
	s.metrics.AcceptedConnection("server")
	if len(s.conns) == 1 {
		s.poller.Add(int32(s.toClient.FD()), true)
		s.poller.Add(int32(s.toWorker.FD()), true)
	}
}

func (s *ServerEngine) publishNewConnect(csd, sd int32) {
	base := event.Event{Kind: event.KindNewConnect, CSD: csd, SSD: sd}
	toClient := base
	toClient.Direction = event.DirServerToClient
	toWorker := base
	toWorker.Direction = event.DirServerToWorker
	s.emit(s.toClient, &toClient, "server_to_client")
	s.emit(s.toWorker, &toWorker, "server_to_worker")
}

func (s *ServerEngine) publishNotConnect(csd, sd int32) {
	base := event.Event{Kind: event.KindNotConnect, CSD: csd, SSD: sd}
	toClient := base
	toClient.Direction = event.DirServerToClient
	toWorker := base
	toWorker.Direction = event.DirServerToWorker
	s.emit(s.toClient, &toClient, "server_to_client")
	s.emit(s.toWorker, &toWorker, "server_to_worker")
}

func (s *ServerEngine) emit(ch *event.Channel, e *event.Event, name string) {
	if s.end.IsSet() {
		return
	}
	ok, err := ch.TotalHeadroom()
	if err != nil {
		s.fatal(err)
		return
	}
	if !ok {
		s.metrics.ChannelFullFatal(name)
		s.fatal(sqerrors.ErrChannelFull)
		return
	}
	if err := ch.WriteEvent(e); err != nil {
		s.fatal(err)
	}
}

func (s *ServerEngine) sendOrEnqueue(cs *ConnState, payload []byte) {
	if cs == nil {
		return
	}
	if cs.Queue.Empty() {
		n, err := netio.Write(int(cs.FD), payload)
		if err != nil {
			s.disconnect(cs)
			return
		}
		cs.Sent += uint64(n)
		s.metrics.Sent("server", n)
		if n < len(payload) {
			cs.Queue.Enqueue(payload[n:])
			s.checkSlow(cs)
		}
		return
	}
	cs.Queue.Enqueue(payload)
	s.tryFlush(cs)
}

// tryFlush drains as much of cs's outbound queue as the socket will take in
// one Writev call, batching every still-queued chunk instead of the single
// head chunk a plain Write would see.
func (s *ServerEngine) tryFlush(cs *ConnState) {
	if vecs := cs.Queue.Vectors(); len(vecs) > 0 {
		n, err := netio.Writev(int(cs.FD), vecs)
		if err != nil {
			s.disconnect(cs)
			return
		}
		if n > 0 {
			cs.Sent += uint64(n)
			s.metrics.Sent("server", n)
			cs.Queue.Advance(n)
		}
	}
	s.checkSlow(cs)
	if cs.Closing && cs.Queue.Empty() {
		s.dropConn(cs.FD)
	}
}

// checkSlow reports a connection whose outbound queue has stayed
// continuously non-empty past opts.SlowLogMS, once per stall.
func (s *ServerEngine) checkSlow(cs *ConnState) {
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
	if s.opts.SlowLogMS <= 0 || time.Since(cs.QueuedSince) < time.Duration(s.opts.SlowLogMS)*time.Millisecond {
		return
	}
	cs.SlowReported = true
	s.metrics.SlowDetected("server")
	logging.Warnf("server: slow s_sd=%d id=%d buffered=%d queued_ms=%d", cs.FD, cs.ID, cs.Queue.Buffered(), time.Since(cs.QueuedSince).Milliseconds())
	e := event.Event{Direction: event.DirServerToWorker, Kind: event.KindSlow, CSD: cs.Peer, SSD: cs.FD}
	s.emit(s.toWorker, &e, "server_to_worker")
}

func (s *ServerEngine) orderlyClose(cs *ConnState) {
	if cs == nil {
		return
	}
	if cs.Queue.Empty() {
		s.dropConn(cs.FD)
		return
	}
	cs.Closing = true
}

// disconnect is SERVER observing the loss first: emit DISCONNECT to CLIENT
// and WORKER, then tear down.
func (s *ServerEngine) disconnect(cs *ConnState) {
	base := event.Event{CSD: cs.Peer, SSD: cs.FD, Kind: event.KindDisconnect}
	toClient := base
	toClient.Direction = event.DirServerToClient
	toWorker := base
	toWorker.Direction = event.DirServerToWorker
	s.emit(s.toClient, &toClient, "server_to_client")
	s.emit(s.toWorker, &toWorker, "server_to_worker")
	s.dropConn(cs.FD)
}

func (s *ServerEngine) dropConn(sd int32) {
	cs, ok := s.conns[sd]
	if !ok {
		return
	}
	lost := cs.Queue.DrainAll()
	cs.Lost += uint64(lost)
	logging.Infof("server: closing s_sd=%d sent=%d recv=%d lost=%d", sd, cs.Sent, cs.Recv, cs.Lost)
	s.metrics.Lost("server", lost)
	s.awaitConnect.Remove(sd)
	s.poller.Remove(sd)
	_ = unix.Close(int(sd))
	delete(s.conns, sd)
	delete(s.peerIndex, cs.Peer)
	s.metrics.ClosedConnection("server")
	if len(s.conns) == 0 {
		s.poller.Remove(int32(s.toClient.FD()))
		s.poller.Remove(int32(s.toWorker.FD()))
	}
}

func (s *ServerEngine) handleUpstream(ev netpoll.Event) {
	cs, ok := s.conns[ev.FD]
	if !ok {
		return
	}
	if ev.Nval {
		s.fatal(unix.EBADF)
		return
	}

	connecting := false
	if _, awaiting := s.awaitConnectPeek(ev.FD); awaiting {
		connecting = true
	}

	if connecting {
		if ev.Writable || ev.Hup || ev.Err {
			s.completeConnect(cs, ev)
		}
		return
	}

	if ev.Hup || ev.Err {
		s.disconnect(cs)
		return
	}
	if ev.Writable {
		s.tryFlush(cs)
		if _, stillOpen := s.conns[ev.FD]; !stillOpen {
			return
		}
	}
	if !ev.Readable {
		return
	}
	if !s.mayWriteClient || !s.mayWriteWorker {
		s.metrics.ChannelStalled("server")
		return
	}
	n, err := netio.Read(int(cs.FD), s.readBuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		s.disconnect(cs)
		return
	}
	if n == 0 {
		s.disconnect(cs)
		return
	}
	cs.Recv += uint64(n)
	s.metrics.Recv("server", n)

	base := event.Event{CSD: cs.Peer, SSD: cs.FD, Kind: event.KindData}
	base.SetPayload(s.readBuf[:n])
	toClient := base
	toClient.Direction = event.DirServerToClient
	toWorker := base
	toWorker.Direction = event.DirServerToWorker
	s.emit(s.toClient, &toClient, "server_to_client")
	s.emit(s.toWorker, &toWorker, "server_to_worker")
}

func (s *ServerEngine) awaitConnectPeek(sd int32) (time.Time, bool) {
	item, ok := s.awaitConnect.bySD[sd]
	if !ok {
		return time.Time{}, false
	}
	return item.deadline, true
}

// completeConnect resolves a socket that was in the awaiting-connect map,
// either because POLLOUT fired (the standard completion signal) or because
// POLLHUP/POLLERR arrived instead (an immediate refusal surfacing late).
func (s *ServerEngine) completeConnect(cs *ConnState, ev netpoll.Event) {
	s.awaitConnect.Remove(cs.FD)
	var connErr error
	if ev.Hup || ev.Err {
		connErr = unix.ECONNREFUSED
	} else {
		connErr = sock.SoError(int(cs.FD))
	}
	if connErr == nil {
		s.publishNewConnect(cs.Peer, cs.FD)
		s.metrics.ConnectOutcome(true)
		return
	}
	logging.Infof("server: upstream connect failed for c_sd=%d: %v", cs.Peer, connErr)
	s.publishNotConnect(cs.Peer, cs.FD)
	s.metrics.ConnectOutcome(false)
	s.dropConn(cs.FD)
}
