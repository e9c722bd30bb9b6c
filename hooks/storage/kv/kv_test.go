// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package kv

import (
	"errors"
	"io"
	"log/slog"
	"maps"
	"sort"
	"testing"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/packets"
	"github.com/mqttkit/engine/system"
	"github.com/stretchr/testify/require"
)

var (
	logger     = slog.New(slog.NewTextHandler(io.Discard, nil))
	errBackend = errors.New("backend failure")
)

// memStore keeps buckets in maps, failing every call when fail is set.
type memStore struct {
	buckets map[string]map[string][]byte
	fail    bool
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{buckets: map[string]map[string][]byte{}}
}

func (m *memStore) bucket(name string) map[string][]byte {
	if m.buckets[name] == nil {
		m.buckets[name] = map[string][]byte{}
	}
	return m.buckets[name]
}

func (m *memStore) Put(bucket, key string, value []byte) error {
	if m.fail {
		return errBackend
	}
	m.bucket(bucket)[key] = value
	return nil
}

func (m *memStore) Delete(bucket, key string) error {
	if m.fail {
		return errBackend
	}
	delete(m.bucket(bucket), key)
	return nil
}

func (m *memStore) Get(bucket, key string) ([]byte, error) {
	if m.fail {
		return nil, errBackend
	}
	return m.bucket(bucket)[key], nil
}

func (m *memStore) Scan(bucket string, visit func([]byte) error) error {
	if m.fail {
		return errBackend
	}

	keys := make([]string, 0, len(m.bucket(bucket)))
	for k := range m.bucket(bucket) {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := visit(m.bucket(bucket)[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) Replace(bucket string, values map[string][]byte) error {
	if m.fail {
		return errBackend
	}
	m.buckets[bucket] = maps.Clone(values)
	return nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

func newHook() (*Hook, *memStore) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	s := newMemStore()
	h.Attach(s)
	return h, s
}

func retained(topic, payload string) storage.Message {
	return storage.MessageFromPacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   topic,
		Payload:     []byte(payload),
	})
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	for _, b := range []byte{
		mqtt.SaveSession,
		mqtt.DeleteSession,
		mqtt.SaveRetainedMessages,
		mqtt.StoredSessions,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSysInfo,
		mqtt.OnSysInfoTick,
	} {
		require.True(t, h.Provides(b))
	}
	require.False(t, h.Provides(mqtt.OnConnect))
	require.False(t, h.Provides(mqtt.OnPublished))
}

func TestSessions(t *testing.T) {
	h, s := newHook()

	require.NoError(t, h.SaveSession(storage.Session{ID: "zen", ExpiryInterval: 30}))
	require.NoError(t, h.SaveSession(storage.Session{ID: "ken"}))
	require.Contains(t, s.buckets[Sessions], "zen")

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "ken", v[0].ID)
	require.Equal(t, "zen", v[1].ID)
	require.Equal(t, storage.SessionKey, v[1].T)
	require.Equal(t, uint32(30), v[1].ExpiryInterval)

	require.NoError(t, h.DeleteSession("zen"))
	require.NoError(t, h.DeleteSession("missing"))
	v, err = h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
}

func TestStoredSessionsSkipsUnreadable(t *testing.T) {
	h, s := newHook()
	s.bucket(Sessions)["bad"] = []byte("{")
	require.NoError(t, h.SaveSession(storage.Session{ID: "ok"}))

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "ok", v[0].ID)
}

func TestRetainedMessagesReplaced(t *testing.T) {
	h, _ := newHook()

	require.NoError(t, h.SaveRetainedMessages([]storage.Message{retained("a/b", "1"), retained("c", "2")}))
	v, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 2)

	require.NoError(t, h.SaveRetainedMessages([]storage.Message{retained("c", "3")}))
	v, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "c", v[0].ID)
	require.Equal(t, storage.RetainedKey, v[0].T)
	require.Equal(t, []byte("3"), v[0].Payload)
	require.True(t, v[0].ToPacket().FixedHeader.Retain)

	require.NoError(t, h.SaveRetainedMessages(nil))
	v, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestSysInfo(t *testing.T) {
	h, _ := newHook()

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Empty(t, v.Version)

	h.OnSysInfoTick(&system.Info{Version: "1.0.0", MessagesReceived: 4})
	v, err = h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version)
	require.Equal(t, int64(4), v.MessagesReceived)
	require.Equal(t, storage.SysInfoKey, v.ID)
}

func TestBackendFailures(t *testing.T) {
	h, s := newHook()
	s.fail = true

	require.ErrorIs(t, h.SaveSession(storage.Session{ID: "a"}), errBackend)
	require.ErrorIs(t, h.DeleteSession("a"), errBackend)
	require.ErrorIs(t, h.SaveRetainedMessages([]storage.Message{retained("a", "1")}), errBackend)

	_, err := h.StoredSessions()
	require.ErrorIs(t, err, errBackend)
	_, err = h.StoredRetainedMessages()
	require.ErrorIs(t, err, errBackend)
	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, errBackend)

	h.OnSysInfoTick(&system.Info{})
}

func TestDetached(t *testing.T) {
	h, s := newHook()
	require.NoError(t, h.Stop())
	require.True(t, s.closed)
	require.Nil(t, h.Store())
	require.NoError(t, h.Stop())

	require.ErrorIs(t, h.SaveSession(storage.Session{ID: "a"}), storage.ErrDBFileNotOpen)
	require.ErrorIs(t, h.DeleteSession("a"), storage.ErrDBFileNotOpen)
	require.ErrorIs(t, h.SaveRetainedMessages(nil), storage.ErrDBFileNotOpen)

	_, err := h.StoredSessions()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
	_, err = h.StoredRetainedMessages()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	h.OnSysInfoTick(&system.Info{})
}
