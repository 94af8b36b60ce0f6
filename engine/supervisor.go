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
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"sqlrelay/audit"
	"sqlrelay/event"
	"sqlrelay/pkg/logging"
	"sqlrelay/stats"
)

// Supervisor creates the six channels, spawns CLIENT/SERVER/WORKER each on
// its own locked OS thread, and owns the shared end-flag and every channel
// endpoint. It is the sole component authorized to close the channels.
type Supervisor struct {
	opts       Options
	listenAddr string
	upstream   string
	metrics    *stats.Relay
	sink       audit.Sink

	end *EndFlag

	client *ClientEngine
	server *ServerEngine
	worker *WorkerEngine

	channels []*event.Channel // every endpoint this supervisor owns, for Shutdown

	wg      sync.WaitGroup
	results chan error
	once    sync.Once
}

// New builds a Supervisor. listenAddr is the public TCP endpoint; upstream
// is the single backend address SERVER dials.
func New(opts Options, listenAddr, upstream string, metrics *stats.Relay, sink audit.Sink) (*Supervisor, error) {
	sup := &Supervisor{
		opts:       opts,
		listenAddr: listenAddr,
		upstream:   upstream,
		metrics:    metrics,
		sink:       sink,
		end:        &EndFlag{},
		results:    make(chan error, 3),
	}

	cToS_r, cToS_w, err := event.NewPipe(opts.ChannelReserveFrac)
	if err != nil {
		return nil, fmt.Errorf("supervisor: C->S channel: %w", err)
	}
	sToC_r, sToC_w, err := event.NewPipe(opts.ChannelReserveFrac)
	if err != nil {
		return nil, fmt.Errorf("supervisor: S->C channel: %w", err)
	}
	cToW_r, cToW_w, err := event.NewPipe(opts.ChannelReserveFrac)
	if err != nil {
		return nil, fmt.Errorf("supervisor: C->W channel: %w", err)
	}
	wToC_r, wToC_w, err := event.NewPipe(opts.ChannelReserveFrac)
	if err != nil {
		return nil, fmt.Errorf("supervisor: W->C channel: %w", err)
	}
	sToW_r, sToW_w, err := event.NewPipe(opts.ChannelReserveFrac)
	if err != nil {
		return nil, fmt.Errorf("supervisor: S->W channel: %w", err)
	}
	wToS_r, wToS_w, err := event.NewPipe(opts.ChannelReserveFrac)
	if err != nil {
		return nil, fmt.Errorf("supervisor: W->S channel: %w", err)
	}

	sup.channels = []*event.Channel{
		cToS_r, cToS_w, sToC_r, sToC_w, cToW_r, cToW_w,
		wToC_r, wToC_w, sToW_r, sToW_w, wToS_r, wToS_w,
	}

	sup.client = NewClientEngine(opts, cToS_w, cToW_w, sToC_r, wToC_r, sup.end, metrics)
	sup.server = NewServerEngine(opts, upstream, sToC_w, sToW_w, cToS_r, wToS_r, sup.end, metrics)
	sup.worker = NewWorkerEngine(opts, cToW_r, sToW_r, sink, sup.end)

	return sup, nil
}

// Prepare binds the public listener and registers every engine's initial
// poll fds. It must complete before Run starts the engine goroutines, so
// callers that need the bound address (e.g. when the configured port is 0)
// can call Prepare and then ListenAddr before starting Run in the
// background.
func (s *Supervisor) Prepare() error {
	if err := s.client.Prepare(s.listenAddr); err != nil {
		return fmt.Errorf("supervisor: client prepare: %w", err)
	}
	if err := s.server.Prepare(); err != nil {
		return fmt.Errorf("supervisor: server prepare: %w", err)
	}
	if err := s.worker.Prepare(); err != nil {
		return fmt.Errorf("supervisor: worker prepare: %w", err)
	}
	return nil
}

// Run starts the three engines, each on its own locked OS thread, and
// blocks until all three have exited (normally because the end-flag was
// raised). It calls Prepare first if that has not already been done. It
// returns the first non-nil per-engine error.
func (s *Supervisor) Run() error {
	if s.client.poller == nil {
		if err := s.Prepare(); err != nil {
			return err
		}
	}

	s.wg.Add(3)
	go s.runLocked("client", func() error {
		defer s.client.Done()
		return s.client.Run()
	})
	go s.runLocked("server", func() error {
		defer s.server.Done()
		return s.server.Run()
	})
	go s.runLocked("worker", func() error {
		defer s.worker.Done()
		return s.worker.Run()
	})

	s.wg.Wait()
	close(s.results)

	var first error
	for err := range s.results {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Supervisor) runLocked(name string, fn func() error) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := fn(); err != nil {
		logging.Errorf("%s engine exited with error: %v", name, err)
		s.results <- err
		return
	}
	s.results <- nil
}

// Shutdown raises the end-flag so every engine winds down on its next poll
// tick, then waits (bounded by ctx) for Run to return before closing every
// channel endpoint this supervisor owns.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.end.Set()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logging.Warnf("supervisor: shutdown deadline exceeded, forcing channel close")
	}

	s.once.Do(func() {
		for _, ch := range s.channels {
			_ = ch.Close()
		}
	})
	return ctx.Err()
}

// DefaultShutdownTimeout is used by callers that don't need a custom
// deadline for draining the three engines.
const DefaultShutdownTimeout = 5 * time.Second

// ListenAddr returns the CLIENT engine's bound address, useful when the
// configured port was 0.
func (s *Supervisor) ListenAddr() string {
	return s.client.ListenAddr()
}
