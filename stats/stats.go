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

// Package stats exposes the relay's prometheus metrics: one CounterVec per
// lifecycle event and one GaugeVec per live-resource count, labeled by
// engine ("client"/"server"/"worker") where the spec tracks the count
// per-engine.
package stats

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay is the full metric set. A nil *Relay is valid everywhere it is
// used: every method is a no-op on a nil receiver, so tests and call sites
// that don't care about metrics can pass nil instead of threading a real
// registry through.
type Relay struct {
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec

	BytesSent     *prometheus.CounterVec
	BytesRecv     *prometheus.CounterVec
	BytesBuffered *prometheus.GaugeVec
	BytesLost     *prometheus.CounterVec

	ConnectSuccess *prometheus.CounterVec
	ConnectFailure *prometheus.CounterVec
	ConnectTimeout *prometheus.CounterVec

	ChannelFull   *prometheus.CounterVec
	ChannelStall  *prometheus.CounterVec
	AwaitingConns *prometheus.GaugeVec

	SlowConns *prometheus.CounterVec
}

// NewRelay builds and registers a fresh metric set under namespace. Call
// once per process; registering twice against the same default registry
// panics, matching prometheus's own contract.
func NewRelay(namespace string) *Relay {
	r := &Relay{
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "downstream connections accepted, by engine",
		}, []string{"engine"}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "sockets currently owned by an engine",
		}, []string{"engine"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "bytes written to a socket, by engine",
		}, []string{"engine"}),
		BytesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_recv_total",
			Help:      "bytes read from a socket, by engine",
		}, []string{"engine"}),
		BytesBuffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_buffered",
			Help:      "bytes currently queued for send, by engine",
		}, []string{"engine"}),
		BytesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_lost_total",
			Help:      "queued bytes discarded at forced close, by engine",
		}, []string{"engine"}),
		ConnectSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_success_total",
			Help:      "upstream connects that completed successfully",
		}, nil),
		ConnectFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failure_total",
			Help:      "upstream connects that failed immediately or via SO_ERROR",
		}, nil),
		ConnectTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_timeout_total",
			Help:      "upstream connects pruned by the timeout sweep",
		}, nil),
		ChannelFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_full_total",
			Help:      "fatal total-channel-full events observed, by channel",
		}, []string{"channel"}),
		ChannelStall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_stall_total",
			Help:      "loop iterations where downstream POLLIN was gated by channel backpressure",
		}, []string{"engine"}),
		AwaitingConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awaiting_connect",
			Help:      "upstream sockets currently in the awaiting-connect map",
		}, nil),
		SlowConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_connections_total",
			Help:      "connections whose outbound queue stayed non-empty past the slow-log threshold, by engine",
		}, []string{"engine"}),
	}
	prometheus.MustRegister(
		r.ConnectionsTotal, r.ConnectionsActive,
		r.BytesSent, r.BytesRecv, r.BytesBuffered, r.BytesLost,
		r.ConnectSuccess, r.ConnectFailure, r.ConnectTimeout,
		r.ChannelFull, r.ChannelStall, r.AwaitingConns, r.SlowConns,
	)
	return r
}

func (r *Relay) connTotal(engine string)  { if r != nil { r.ConnectionsTotal.WithLabelValues(engine).Inc() } }
func (r *Relay) connActive(engine string, delta float64) {
	if r != nil {
		r.ConnectionsActive.WithLabelValues(engine).Add(delta)
	}
}

// AcceptedConnection records a freshly accepted or opened socket on engine.
func (r *Relay) AcceptedConnection(engine string) {
	r.connTotal(engine)
	r.connActive(engine, 1)
}

// ClosedConnection records a socket leaving engine's ownership.
func (r *Relay) ClosedConnection(engine string) {
	r.connActive(engine, -1)
}

// Sent records n bytes successfully written on engine.
func (r *Relay) Sent(engine string, n int) {
	if r != nil && n > 0 {
		r.BytesSent.WithLabelValues(engine).Add(float64(n))
	}
}

// Recv records n bytes successfully read on engine.
func (r *Relay) Recv(engine string, n int) {
	if r != nil && n > 0 {
		r.BytesRecv.WithLabelValues(engine).Add(float64(n))
	}
}

// Buffered adjusts the queued-byte gauge for engine by delta. The engines
// do not call it, so bytes_buffered stays at zero.
func (r *Relay) Buffered(engine string, delta float64) {
	if r != nil {
		r.BytesBuffered.WithLabelValues(engine).Add(delta)
	}
}

// Lost records n bytes discarded at forced close on engine.
func (r *Relay) Lost(engine string, n int) {
	if r != nil && n > 0 {
		r.BytesLost.WithLabelValues(engine).Add(float64(n))
	}
}

func (r *Relay) ConnectOutcome(success bool) {
	if r == nil {
		return
	}
	if success {
		r.ConnectSuccess.WithLabelValues().Inc()
	} else {
		r.ConnectFailure.WithLabelValues().Inc()
	}
}

func (r *Relay) ConnectTimedOut() {
	if r != nil {
		r.ConnectTimeout.WithLabelValues().Inc()
	}
}

func (r *Relay) ChannelFullFatal(channel string) {
	if r != nil {
		r.ChannelFull.WithLabelValues(channel).Inc()
	}
}

func (r *Relay) ChannelStalled(engine string) {
	if r != nil {
		r.ChannelStall.WithLabelValues(engine).Inc()
	}
}

func (r *Relay) SetAwaitingConnect(n int) {
	if r != nil {
		r.AwaitingConns.WithLabelValues().Set(float64(n))
	}
}

// SlowDetected records a connection on engine crossing the slow-log
// threshold.
func (r *Relay) SlowDetected(engine string) {
	if r != nil {
		r.SlowConns.WithLabelValues(engine).Inc()
	}
}

// ConnectionSnapshot is a point-in-time read of the per-engine connection
// and byte gauges, for the debug web server's /stats/connections endpoint.
type ConnectionSnapshot struct {
	Engine         string  `json:"engine"`
	ConnectionsActive float64 `json:"connections_active"`
	BytesBuffered  float64 `json:"bytes_buffered"`
}

// Connections reads the current value of ConnectionsActive and
// BytesBuffered for each of the three engines. A nil Relay returns an
// empty slice.
func (r *Relay) Connections() []ConnectionSnapshot {
	if r == nil {
		return []ConnectionSnapshot{}
	}
	out := make([]ConnectionSnapshot, 0, 3)
	for _, engine := range []string{"client", "server", "worker"} {
		out = append(out, ConnectionSnapshot{
			Engine:            engine,
			ConnectionsActive: gaugeValue(r.ConnectionsActive.WithLabelValues(engine)),
			BytesBuffered:     gaugeValue(r.BytesBuffered.WithLabelValues(engine)),
		})
	}
	return out
}

// ChannelSnapshot is a point-in-time read of the channel-pressure counters,
// for the debug web server's /stats/channels endpoint.
type ChannelSnapshot struct {
	AwaitingConnect float64            `json:"awaiting_connect"`
	ChannelFull     map[string]float64 `json:"channel_full_total"`
}

// Channels reads the awaiting-connect gauge and the per-channel full-fatal
// counters. A nil Relay returns a zero-valued snapshot.
func (r *Relay) Channels(channelNames []string) ChannelSnapshot {
	snap := ChannelSnapshot{ChannelFull: make(map[string]float64)}
	if r == nil {
		return snap
	}
	snap.AwaitingConnect = gaugeValue(r.AwaitingConns.WithLabelValues())
	for _, name := range channelNames {
		snap.ChannelFull[name] = counterValue(r.ChannelFull.WithLabelValues(name))
	}
	return snap
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
