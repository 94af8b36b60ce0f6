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

package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sqlrelay/engine"
)

type handlers struct {
	deps Deps
}

// connections reports the live connection count and buffered-byte gauge
// per engine, read straight off the prometheus vectors so it never touches
// an engine's own connection map from outside its owning goroutine.
func (h *handlers) connections(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Metrics.Connections())
}

// channels reports the awaiting-connect gauge and the per-channel
// full-fatal counters.
func (h *handlers) channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Metrics.Channels(engine.ChannelNames))
}

// recentEvents returns the most recent events WORKER has drained, when the
// process was started with an in-memory RingSink attached.
func (h *handlers) recentEvents(c *gin.Context) {
	if h.deps.Recent == nil {
		c.JSON(http.StatusOK, []string{})
		return
	}
	recent := h.deps.Recent.Recent()
	out := make([]gin.H, 0, len(recent))
	for _, e := range recent {
		out = append(out, gin.H{
			"direction": e.Direction.String(),
			"kind":      e.Kind.String(),
			"c_sd":      e.CSD,
			"s_sd":      e.SSD,
			"len":       e.BufferLen,
		})
	}
	c.JSON(http.StatusOK, out)
}
