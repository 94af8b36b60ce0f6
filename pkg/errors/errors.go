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

package errors

import "errors"

var (
	// ErrEngineShutdown occurs when the shared end-flag has been raised and
	// an engine is unwinding its poll loop.
	ErrEngineShutdown = errors.New("engine is shutting down")
	// ErrEngineInShutdown occurs when Shutdown is called more than once.
	ErrEngineInShutdown = errors.New("supervisor is already shutting down")
	// ErrAcceptSocket occurs when the listener fails to accept a fresh connection.
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrUnsupportedProtocol occurs when trying to use a protocol other than tcp/tcp4/tcp6.
	ErrUnsupportedProtocol = errors.New("only tcp/tcp4/tcp6 are supported")
	// ErrUnsupportedOp occurs when calling a method this connection does not implement.
	ErrUnsupportedOp = errors.New("unsupported operation")

	// ErrChannelFull occurs when a total-channel write (including its
	// reserved headroom) would block. It is fatal to the writing engine.
	ErrChannelFull = errors.New("channel has no headroom for this event")
	// ErrShortRecord occurs when a channel read or write did not move a
	// whole Event record. It is fatal: the channel framing contract is broken.
	ErrShortRecord = errors.New("partial Event record observed on channel")

	// ErrConnectTimeout occurs when an upstream connect has not resolved
	// within the configured connect-timeout.
	ErrConnectTimeout = errors.New("upstream connect timed out")
	// ErrUnknownSD occurs when an inbound Event names a socket handle the
	// receiving engine does not own.
	ErrUnknownSD = errors.New("unknown socket handle in inbound event")
	// ErrUnknownDirection occurs when an Event's direction does not match
	// the channel it arrived on.
	ErrUnknownDirection = errors.New("event direction does not match channel")
	// ErrUnknownKind occurs when an Event carries a kind the receiver does
	// not recognize.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrConfigRunning occurs when a configuration loader is asked to
	// change a Config after Freeze has marked it as owned by the running
	// supervisor.
	ErrConfigRunning = errors.New("configuration is frozen while running")

	// ErrPollArrayFull occurs when an engine's poll descriptor array has
	// reached its configured capacity and a new connection cannot be
	// registered.
	ErrPollArrayFull = errors.New("poll descriptor array is at capacity")
)
