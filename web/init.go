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

// Package web wires the debug HTTP surface: pprof, prometheus /metrics, and
// a couple of small relay-shaped JSON endpoints backed by the running
// stats.Relay and audit.RingSink.
package web

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sqlrelay/audit"
	"sqlrelay/stats"
)

// Deps carries everything the debug handlers read from. Any field may be
// nil; handlers degrade to empty results rather than panicking.
type Deps struct {
	Metrics *stats.Relay
	Recent  *audit.RingSink
}

// Init registers pprof, /metrics, and the relay stats endpoints on ginSrv.
func Init(ginSrv *gin.Engine, deps Deps) {
	pprof.Register(ginSrv)
	ginSrv.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{deps: deps}
	ginSrv.GET("/stats/connections", h.connections)
	ginSrv.GET("/stats/channels", h.channels)
	ginSrv.GET("/stats/events", h.recentEvents)
}
