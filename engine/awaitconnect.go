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

	"github.com/petar/GoLLRB/llrb"
)

// awaitItem is one entry in the awaiting-connect map, ordered by deadline
// so the sweep can find every expired entry without scanning the whole
// set. sd breaks ties between equal deadlines.
type awaitItem struct {
	sd       int32
	deadline time.Time
}

func (a *awaitItem) Less(other llrb.Item) bool {
	o := other.(*awaitItem)
	if a.deadline.Equal(o.deadline) {
		return a.sd < o.sd
	}
	return a.deadline.Before(o.deadline)
}

// AwaitConnect is the SERVER engine's sd -> connect-deadline map, kept in a
// red-black tree ordered by deadline so sweep_connect_timeouts runs in
// O(log n + k) for k expired entries instead of scanning every pending
// connect every tick.
type AwaitConnect struct {
	tree *llrb.LLRB
	bySD map[int32]*awaitItem
}

// NewAwaitConnect returns an empty awaiting-connect set.
func NewAwaitConnect() *AwaitConnect {
	return &AwaitConnect{tree: llrb.New(), bySD: make(map[int32]*awaitItem)}
}

// Add records sd as awaiting connect until deadline. sd must not already
// be present.
func (a *AwaitConnect) Add(sd int32, deadline time.Time) {
	item := &awaitItem{sd: sd, deadline: deadline}
	a.tree.InsertNoReplace(item)
	a.bySD[sd] = item
}

// Remove erases sd from the set, on successful connect, failure, or
// timeout expiry. It is a no-op if sd is not present.
func (a *AwaitConnect) Remove(sd int32) {
	item, ok := a.bySD[sd]
	if !ok {
		return
	}
	a.tree.Delete(item)
	delete(a.bySD, sd)
}

// Len reports how many sockets are currently awaiting connect.
func (a *AwaitConnect) Len() int {
	return len(a.bySD)
}

// Sweep removes and returns every sd whose deadline is at or before now.
// Iteration order among expired entries is unspecified, matching the
// spec's "ties in the iteration order do not matter."
func (a *AwaitConnect) Sweep(now time.Time) []int32 {
	var expired []*awaitItem
	pivot := &awaitItem{sd: 1<<31 - 1, deadline: now.Add(time.Nanosecond)}
	a.tree.AscendLessThan(pivot, func(i llrb.Item) bool {
		expired = append(expired, i.(*awaitItem))
		return true
	})
	sds := make([]int32, 0, len(expired))
	for _, item := range expired {
		a.tree.Delete(item)
		delete(a.bySD, item.sd)
		sds = append(sds, item.sd)
	}
	return sds
}
