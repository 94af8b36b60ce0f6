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

// Package audit defines what the WORKER engine does with the Events it
// drains; the core contract only fixes that every Event is read off its
// channel, never how it is persisted. Sink implementations must never
// block: a slow external system is the sink's problem to shed, not the
// WORKER's problem to propagate upstream.
package audit

import (
	"fmt"
	"sync"

	"sqlrelay/event"
	"sqlrelay/pkg/logging"
)

// Sink receives every Event the WORKER engine drains from either inbound
// channel. Record must not block on external I/O for longer than the
// caller is willing to stall the WORKER's channel reads.
type Sink interface {
	Record(e *event.Event) error
	Close() error
}

// NullSink discards every event. Useful when audit persistence is disabled.
type NullSink struct{}

func (NullSink) Record(*event.Event) error { return nil }
func (NullSink) Close() error              { return nil }

// RotatingFileSink writes one line per event to a file that rotates on the
// same schedule as the process's own logs, via logging.NewRotatingWriter.
type RotatingFileSink struct {
	mu sync.Mutex
	w  interface {
		Write([]byte) (int, error)
		Close() error
	}
}

// NewRotatingFileSink opens (or creates) the audit log under dir/name,
// rotating hourly and expiring after expireDay days.
func NewRotatingFileSink(dir, name string, expireDay int) (*RotatingFileSink, error) {
	w, err := logging.NewRotatingWriter(dir, name, expireDay)
	if err != nil {
		return nil, err
	}
	return &RotatingFileSink{w: w}, nil
}

func (s *RotatingFileSink) Record(e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("%s %s c_sd=%d s_sd=%d len=%d client=%s server=%s\n",
		e.Direction, e.Kind, e.CSD, e.SSD, e.BufferLen, e.ClientAddr, e.ServerAddr)
	_, err := s.w.Write([]byte(line))
	return err
}

func (s *RotatingFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// Tee fans a single Record out to every sink in the list, returning the
// first error (if any) but still calling every sink regardless.
type Tee []Sink

func (t Tee) Record(e *event.Event) error {
	var first error
	for _, s := range t {
		if err := s.Record(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RingSink keeps the last N events in memory, overwriting the oldest. It
// never blocks and never errors, making it the default sink for tests and
// for the debug web server's recent-events view.
type RingSink struct {
	mu     sync.Mutex
	buf    []event.Event
	cap    int
	next   int
	filled bool
}

// NewRingSink allocates a RingSink holding at most capacity events.
func NewRingSink(capacity int) *RingSink {
	if capacity < 1 {
		capacity = 1
	}
	return &RingSink{buf: make([]event.Event, capacity), cap: capacity}
}

func (s *RingSink) Record(e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = *e
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.filled = true
	}
	return nil
}

func (s *RingSink) Close() error { return nil }

// Recent returns a copy of the events currently held, oldest first.
func (s *RingSink) Recent() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled {
		out := make([]event.Event, s.next)
		copy(out, s.buf[:s.next])
		return out
	}
	out := make([]event.Event, s.cap)
	copy(out, s.buf[s.next:])
	copy(out[s.cap-s.next:], s.buf[:s.next])
	return out
}
