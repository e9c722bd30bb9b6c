// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package pebble

import (
	"io"
	"log/slog"
	"testing"

	pebbledb "github.com/cockroachdb/pebble"
	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/hooks/storage/kv"
	"github.com/mqttkit/engine/packets"
	"github.com/mqttkit/engine/system"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHook(t *testing.T, mode string) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: t.TempDir(), Mode: mode}))
	t.Cleanup(func() {
		_ = h.Stop()
	})
	return h
}

func retained(topic, payload string) storage.Message {
	return storage.MessageFromPacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   topic,
		Payload:     []byte(payload),
	})
}

func TestUpperBound(t *testing.T) {
	require.Equal(t, []byte("RET`"), upperBound([]byte("RET_")))
	require.Equal(t, []byte{0x01}, upperBound([]byte{0x00, 0xff}))
	require.Nil(t, upperBound([]byte{0xff, 0xff}))
}

func TestBounds(t *testing.T) {
	lower, upper := bounds(kv.Sessions)
	require.Equal(t, []byte("SES_"), lower)
	require.Equal(t, []byte("SES`"), upper)
	require.Equal(t, []byte("SES_a/b"), key(kv.Sessions, "a/b"))
}

func TestID(t *testing.T) {
	require.Equal(t, "pebble-db", new(Hook).ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.SaveSession))
	require.True(t, h.Provides(mqtt.StoredSysInfo))
	require.False(t, h.Provides(mqtt.OnDisconnect))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestInitMode(t *testing.T) {
	require.Equal(t, pebbledb.Sync, newHook(t, "sync").Store().(*store).mode)
	require.Equal(t, pebbledb.NoSync, newHook(t, "").Store().(*store).mode)
}

func TestSessions(t *testing.T) {
	h := newHook(t, Sync)

	require.NoError(t, h.SaveSession(storage.Session{
		ID:            "zen",
		Subscriptions: []storage.Subscription{{Filter: "$share/g/a", Qos: 2, NoLocal: true}},
	}))
	require.NoError(t, h.SaveSession(storage.Session{ID: "ken"}))

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "ken", v[0].ID)
	require.Equal(t, "zen", v[1].ID)
	require.True(t, v[1].Subscriptions[0].NoLocal)

	require.NoError(t, h.DeleteSession("zen"))
	v, err = h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
}

func TestRetainedMessages(t *testing.T) {
	h := newHook(t, NoSync)

	require.NoError(t, h.SaveRetainedMessages([]storage.Message{retained("a", "1"), retained("b", "2")}))
	require.NoError(t, h.SaveSession(storage.Session{ID: "keep"}))
	h.OnSysInfoTick(&system.Info{Version: "x"})

	require.NoError(t, h.SaveRetainedMessages([]storage.Message{retained("b", "9")}))
	v, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, []byte("9"), v[0].Payload)

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	info, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "x", info.Version)
}

func TestSysInfoEmpty(t *testing.T) {
	h := newHook(t, NoSync)
	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Empty(t, v.ID)

	got, err := h.Store().Get(kv.SysInfo, "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: dir}))
	require.NoError(t, h.SaveSession(storage.Session{ID: "zen"}))
	require.NoError(t, h.Stop())

	h2 := new(Hook)
	h2.SetOpts(logger, nil)
	require.NoError(t, h2.Init(&Options{Path: dir}))
	defer h2.Stop()

	v, err := h2.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "zen", v[0].ID)
}

func TestClosedDB(t *testing.T) {
	h := newHook(t, NoSync)
	require.NoError(t, h.Stop())
	require.Nil(t, h.Store())
	require.ErrorIs(t, h.SaveRetainedMessages(nil), storage.ErrDBFileNotOpen)
	_, err := h.StoredRetainedMessages()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}
