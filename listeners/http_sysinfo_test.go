// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mqttkit/engine/system"
)

func TestNewHTTPStats(t *testing.T) {
	l := NewHTTPStats(Config{ID: "stats", Address: testAddr}, new(system.Info))
	require.Equal(t, "stats", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPStatsTLSProtocol(t *testing.T) {
	l := NewHTTPStats(Config{ID: "stats", Address: testAddr, TLSConfig: newTLSConfig(t)}, new(system.Info))
	require.NoError(t, l.Init(logger))
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPStatsJSONHandler(t *testing.T) {
	info := &system.Info{
		Version:          "test",
		ClientsConnected: 3,
		Retained:         2,
	}

	l := NewHTTPStats(Config{ID: "stats", Address: testAddr}, info)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.jsonHandler(w, httptest.NewRequest(http.MethodGet, "/", nil))

	out := new(system.Info)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	require.Equal(t, "test", out.Version)
	require.Equal(t, int64(3), out.ClientsConnected)
	require.Equal(t, int64(2), out.Retained)
}

func TestHTTPStatsServeAndClose(t *testing.T) {
	info := &system.Info{Version: "test"}
	l := NewHTTPStats(Config{ID: "stats", Address: freeAddr(t)}, info)
	require.NoError(t, l.Init(logger))
	done := serve(l, MockEstablisher)

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + l.Address() + "/")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	defer resp.Body.Close()

	out := new(system.Info)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	require.Equal(t, "test", out.Version)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	waitDone(t, done)
}

func TestHTTPStatsFailedToServe(t *testing.T) {
	l := NewHTTPStats(Config{ID: "stats", Address: "wrong_addr"}, new(system.Info))
	require.NoError(t, l.Init(logger))
	done := serve(l, MockEstablisher)
	waitDone(t, done)
}
