// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported prometheus metric.
const Namespace = "mqtt"

// Info contains atomic counters and values for various server statistics
// commonly found in $SYS topics (and others).
// based on https://github.com/mqtt/mqtt.org/wiki/SYS-Topics
type Info struct {
	Version             string `json:"version"`              // the current version of the server
	Started             int64  `json:"started"`              // the time the server started in unix seconds
	Time                int64  `json:"time"`                 // current time on the server
	Uptime              int64  `json:"uptime"`               // the number of seconds the server has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the broker started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the broker started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently connected clients
	ClientsDisconnected int64  `json:"clients_disconnected"` // number of persistent sessions registered at the broker but currently detached
	ClientsMaximum      int64  `json:"clients_maximum"`      // maximum number of active clients that have been connected
	ClientsTotal        int64  `json:"clients_total"`        // total number of sessions, connected or detached
	ClientsRejected     int64  `json:"clients_rejected"`     // total number of connections refused by validation or rate limiting
	SessionsTakenOver   int64  `json:"sessions_taken_over"`  // total number of live connections replaced by a new connection with the same client id
	KeepaliveTimeouts   int64  `json:"keepalive_timeouts"`   // total number of connections closed by the keep-alive monitor
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publish messages dropped by a queue overflow policy
	MessagesUndelivered int64  `json:"messages_undelivered"` // total number of publish messages which matched no subscribers
	MessagesQueued      int64  `json:"messages_queued"`      // number of messages currently waiting in outbound queues
	Retained            int64  `json:"retained"`             // total number of retained messages active on the broker
	Inflight            int64  `json:"inflight"`             // the number of qos exchanges currently awaiting acknowledgement
	QosTimeouts         int64  `json:"qos_timeouts"`         // total number of qos exchanges which timed out and were requeued
	Subscriptions       int64  `json:"subscriptions"`        // total number of subscriptions active on the broker
	PacketsReceived     int64  `json:"packets_received"`     // the total number of packets received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any type sent since the broker started
	MemoryAlloc         int64  `json:"memory_alloc"`         // memory currently allocated
	Threads             int64  `json:"threads"`              // number of active goroutines, named as threads for platform ambiguity
}

type kind byte

const (
	untracked kind = iota // copied by Clone, not exported as a metric
	counter
	gauge
)

// stat describes one of the int64 values in Info.
type stat struct {
	name  string
	help  string
	kind  kind
	field func(*Info) *int64
}

// stats lists every int64 value in Info.
var stats = []stat{
	{"started", "", untracked, func(i *Info) *int64 { return &i.Started }},
	{"time", "", untracked, func(i *Info) *int64 { return &i.Time }},
	{"uptime", "Seconds the broker has been online", gauge, func(i *Info) *int64 { return &i.Uptime }},
	{"bytes_received", "Bytes received since the broker started", counter, func(i *Info) *int64 { return &i.BytesReceived }},
	{"bytes_sent", "Bytes sent since the broker started", counter, func(i *Info) *int64 { return &i.BytesSent }},
	{"clients_connected", "Currently connected clients", gauge, func(i *Info) *int64 { return &i.ClientsConnected }},
	{"clients_disconnected", "Detached persistent sessions", gauge, func(i *Info) *int64 { return &i.ClientsDisconnected }},
	{"clients_maximum", "Most clients connected at once", counter, func(i *Info) *int64 { return &i.ClientsMaximum }},
	{"clients_total", "Connected and detached sessions", gauge, func(i *Info) *int64 { return &i.ClientsTotal }},
	{"clients_rejected", "Connections refused by validation or rate limiting", counter, func(i *Info) *int64 { return &i.ClientsRejected }},
	{"sessions_taken_over", "Connections replaced by a newer connection for the same client id", counter, func(i *Info) *int64 { return &i.SessionsTakenOver }},
	{"keepalive_timeouts", "Connections closed by the keep-alive monitor", counter, func(i *Info) *int64 { return &i.KeepaliveTimeouts }},
	{"messages_received", "Publish messages received", counter, func(i *Info) *int64 { return &i.MessagesReceived }},
	{"messages_sent", "Publish messages sent", counter, func(i *Info) *int64 { return &i.MessagesSent }},
	{"messages_dropped", "Publish messages dropped by a queue overflow policy", counter, func(i *Info) *int64 { return &i.MessagesDropped }},
	{"messages_undelivered", "Publish messages which matched no subscribers", counter, func(i *Info) *int64 { return &i.MessagesUndelivered }},
	{"messages_queued", "Messages waiting in outbound queues", gauge, func(i *Info) *int64 { return &i.MessagesQueued }},
	{"retained", "Retained messages held by the broker", gauge, func(i *Info) *int64 { return &i.Retained }},
	{"inflight", "Qos exchanges awaiting acknowledgement", gauge, func(i *Info) *int64 { return &i.Inflight }},
	{"qos_timeouts", "Qos exchanges which timed out and were requeued", counter, func(i *Info) *int64 { return &i.QosTimeouts }},
	{"subscriptions", "Active subscriptions", gauge, func(i *Info) *int64 { return &i.Subscriptions }},
	{"packets_received", "Packets of any type received", counter, func(i *Info) *int64 { return &i.PacketsReceived }},
	{"packets_sent", "Packets of any type sent", counter, func(i *Info) *int64 { return &i.PacketsSent }},
	{"memory_alloc", "Bytes of heap memory allocated", gauge, func(i *Info) *int64 { return &i.MemoryAlloc }},
	{"threads", "Running goroutines", gauge, func(i *Info) *int64 { return &i.Threads }},
}

// Clone returns a copy of the values, each loaded atomically.
func (i *Info) Clone() *Info {
	c := &Info{Version: i.Version}
	for _, s := range stats {
		*s.field(c) = atomic.LoadInt64(s.field(i))
	}
	return c
}

// RegisterPrometheusMetrics exposes the values as prometheus collectors which
// read the live values on every scrape, along with a build info gauge.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	for _, s := range stats {
		v := s.field(i)
		read := func() float64 {
			return float64(atomic.LoadInt64(v))
		}

		switch s.kind {
		case counter:
			registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      s.name,
				Help:      s.help,
			}, read))
		case gauge:
			registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      s.name,
				Help:      s.help,
			}, read))
		}
	}

	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Build information",
	}, []string{"goversion", "version"})
	registry.MustRegister(build)
	build.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
