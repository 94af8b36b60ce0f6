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
	"sqlrelay/audit"
	"sqlrelay/event"
	"sqlrelay/internal/netpoll"
	sqerrors "sqlrelay/pkg/errors"
	"sqlrelay/pkg/logging"
)

// WorkerEngine drains its two inbound channels and hands every Event to an
// audit.Sink. Every Event emitted to a WORKER channel is eventually read
// from it. Sink.Record is called synchronously from the drain loop, with no
// intermediate buffer and no dropping: a sink that blocks delays the
// channel reads, which the CLIENT and SERVER engines then see as channel
// backpressure. A Record error is logged and the event is not retried.
type WorkerEngine struct {
	opts Options

	poller *netpoll.Poller

	fromClient *event.Channel
	fromServer *event.Channel

	sink audit.Sink

	end     *EndFlag
	lastErr error
}

// NewWorkerEngine builds a WORKER engine draining the read ends of C->W
// and S->W into sink.
func NewWorkerEngine(opts Options, fromClient, fromServer *event.Channel, sink audit.Sink, end *EndFlag) *WorkerEngine {
	if sink == nil {
		sink = audit.NullSink{}
	}
	return &WorkerEngine{opts: opts, fromClient: fromClient, fromServer: fromServer, sink: sink, end: end}
}

// Prepare registers the two inbound channel fds.
func (w *WorkerEngine) Prepare() error {
	w.poller = netpoll.OpenPoller(4)
	w.poller.Add(int32(w.fromClient.FD()), false)
	w.poller.Add(int32(w.fromServer.FD()), false)
	return nil
}

// Run loops until the shared end-flag is set.
func (w *WorkerEngine) Run() error {
	events := make([]netpoll.Event, 0, 4)
	var err error
	for !w.end.IsSet() {
		events, err = w.poller.Wait(w.opts.TimeoutMillis, events)
		if err != nil {
			w.fatal(err)
			break
		}
		for _, ev := range events {
			w.dispatch(ev)
			if w.end.IsSet() {
				break
			}
		}
	}
	return w.lastErr
}

// Done releases the audit sink and raises the end-flag.
func (w *WorkerEngine) Done() {
	if err := w.sink.Close(); err != nil {
		logging.Warnf("worker: closing audit sink: %v", err)
	}
	w.end.Set()
}

func (w *WorkerEngine) fatal(err error) {
	if w.lastErr == nil {
		w.lastErr = err
	}
	logging.Errorf("worker engine fatal: %v", err)
	w.end.Set()
}

func (w *WorkerEngine) dispatch(ev netpoll.Event) {
	switch ev.FD {
	case int32(w.fromClient.FD()):
		if ev.Hup || ev.Err || ev.Nval {
			w.fatal(sqerrors.ErrEngineShutdown)
			return
		}
		w.drain(w.fromClient)
	case int32(w.fromServer.FD()):
		if ev.Hup || ev.Err || ev.Nval {
			w.fatal(sqerrors.ErrEngineShutdown)
			return
		}
		w.drain(w.fromServer)
	}
}

func (w *WorkerEngine) drain(ch *event.Channel) {
	var e event.Event
	for {
		ok, err := ch.TryReadEvent(&e)
		if err != nil {
			w.fatal(err)
			return
		}
		if !ok {
			return
		}
		if err := w.sink.Record(&e); err != nil {
			logging.Warnf("worker: audit sink rejected event: %v", err)
		}
	}
}
