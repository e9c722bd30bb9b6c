// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	o := &Info{
		Version:             "version",
		Started:             1,
		Time:                2,
		Uptime:              3,
		BytesReceived:       4,
		BytesSent:           5,
		ClientsConnected:    6,
		ClientsMaximum:      7,
		ClientsTotal:        8,
		ClientsDisconnected: 9,
		ClientsRejected:     21,
		SessionsTakenOver:   22,
		KeepaliveTimeouts:   23,
		MessagesReceived:    10,
		MessagesSent:        11,
		MessagesDropped:     20,
		MessagesUndelivered: 24,
		MessagesQueued:      25,
		Retained:            12,
		Inflight:            13,
		QosTimeouts:         14,
		Subscriptions:       15,
		PacketsReceived:     16,
		PacketsSent:         17,
		MemoryAlloc:         18,
		Threads:             19,
	}

	n := o.Clone()

	require.Equal(t, o, n)
}

func TestRegisterPrometheusMetrics(t *testing.T) {
	info := &Info{Version: "1.0.0", MessagesUndelivered: 3}
	reg := prometheus.NewRegistry()
	info.RegisterPrometheusMetrics(reg)

	expected := `
# HELP mqtt_messages_undelivered Publish messages which matched no subscribers
# TYPE mqtt_messages_undelivered counter
mqtt_messages_undelivered 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mqtt_messages_undelivered"))

	count, err := testutil.GatherAndCount(reg, "mqtt_build_info")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg, "mqtt_started", "mqtt_time")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestMetricsReadLiveValues(t *testing.T) {
	info := new(Info)
	reg := prometheus.NewRegistry()
	info.RegisterPrometheusMetrics(reg)

	atomic.AddInt64(&info.ClientsConnected, 2)
	expected := `
# HELP mqtt_clients_connected Currently connected clients
# TYPE mqtt_clients_connected gauge
mqtt_clients_connected 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mqtt_clients_connected"))
}

func TestStatsCoverEveryValue(t *testing.T) {
	fields := 0
	typ := reflect.TypeOf(Info{})
	for i := 0; i < typ.NumField(); i++ {
		if typ.Field(i).Type.Kind() == reflect.Int64 {
			fields++
		}
	}
	require.Len(t, stats, fields)

	seen := map[string]bool{}
	for _, s := range stats {
		require.False(t, seen[s.name], s.name)
		seen[s.name] = true
	}
}
