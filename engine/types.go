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

import "sync/atomic"

// EndFlag is the single process-wide cancellation flag: any engine raises
// it on a fatal error, the supervisor raises it on external shutdown, and
// every engine tests it once per poll tick.
type EndFlag struct {
	v int32
}

// Set raises the flag. Idempotent.
func (f *EndFlag) Set() {
	atomic.StoreInt32(&f.v, 1)
}

// IsSet reports whether the flag has been raised.
func (f *EndFlag) IsSet() bool {
	return atomic.LoadInt32(&f.v) != 0
}

// Options carries the per-engine tunables the supervisor derives from
// configuration: poll tick, upstream connect deadline, socket option
// defaults, and resource bounds.
type Options struct {
	TimeoutMillis      int
	ConnectTimeoutMS   int
	ClientKeepAlive    bool
	ServerKeepAlive    bool
	NoDelay            bool
	ReadBufferSize     int
	MaxPollFDs         int
	ChannelReserveFrac float64

	// SlowLogMS is how long a connection's outbound queue may stay
	// continuously non-empty before tryFlush reports it with a SLOW event.
	// Zero disables the check.
	SlowLogMS int
}

// ChannelNames lists every channel label used with stats.Relay.ChannelFullFatal,
// in a fixed order, for callers (the debug web server) that need to report
// on all of them without duplicating the label strings.
var ChannelNames = []string{
	"client_to_server", "client_to_worker",
	"server_to_client", "server_to_worker",
}

// DefaultOptions mirrors the CLI/config defaults named in the external
// interface table.
func DefaultOptions() Options {
	return Options{
		TimeoutMillis:      200,
		ConnectTimeoutMS:   3000,
		ClientKeepAlive:    true,
		ServerKeepAlive:    true,
		NoDelay:            true,
		ReadBufferSize:     8192,
		MaxPollFDs:         1000,
		ChannelReserveFrac: 0.5,
		SlowLogMS:          1000,
	}
}
