// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package kv implements the persistence hook methods over a bucketed
// key-value Store, so that each database backend only provides the store.
package kv

import (
	"bytes"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/system"
)

// Buckets used by the hook. Backends decide how a bucket maps to their keyspace.
const (
	Sessions = storage.SessionKey
	Retained = storage.RetainedKey
	SysInfo  = storage.SysInfoKey
)

// Store is a key-value backend grouped into buckets.
type Store interface {
	// Put writes a value, replacing any existing value for the key.
	Put(bucket, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(bucket, key string) error

	// Get returns the value for a key, or nil if there is none.
	Get(bucket, key string) ([]byte, error)

	// Scan calls visit for the value of every key in the bucket.
	Scan(bucket string, visit func(value []byte) error) error

	// Replace atomically replaces the contents of a bucket.
	Replace(bucket string, values map[string][]byte) error

	// Close releases the store.
	Close() error
}

// Hook persists sessions, retained messages and system info to a Store.
// Backends embed it, open their database in Init and pass it to Attach.
type Hook struct {
	mqtt.HookBase
	store Store
}

// Attach sets the store the hook reads and writes.
func (h *Hook) Attach(s Store) {
	h.store = s
}

// Store returns the attached store, or nil.
func (h *Hook) Store() Store {
	return h.store
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSysInfoTick,
		mqtt.SaveSession,
		mqtt.DeleteSession,
		mqtt.SaveRetainedMessages,
		mqtt.StoredSessions,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// Stop closes the store.
func (h *Hook) Stop() error {
	if h.store == nil {
		return nil
	}

	err := h.store.Close()
	h.store = nil
	return err
}

// SaveSession writes a detached session to the store.
func (h *Hook) SaveSession(v storage.Session) error {
	if h.store == nil {
		return storage.ErrDBFileNotOpen
	}

	v.T = storage.SessionKey
	return h.put(Sessions, v.ID, &v)
}

// DeleteSession removes a session from the store.
func (h *Hook) DeleteSession(id string) error {
	if h.store == nil {
		return storage.ErrDBFileNotOpen
	}

	err := h.store.Delete(Sessions, id)
	if err != nil {
		h.Log.Error("failed to delete session", "error", err, "id", id)
	}
	return err
}

// SaveRetainedMessages replaces the retained messages in the store, keyed on
// topic name.
func (h *Hook) SaveRetainedMessages(v []storage.Message) error {
	if h.store == nil {
		return storage.ErrDBFileNotOpen
	}

	values := make(map[string][]byte, len(v))
	for _, msg := range v {
		msg.T = storage.RetainedKey
		msg.ID = msg.TopicName
		data, err := msg.MarshalBinary()
		if err != nil {
			return err
		}
		values[msg.TopicName] = data
	}

	err := h.store.Replace(Retained, values)
	if err != nil {
		h.Log.Error("failed to save retained messages", "error", err, "count", len(v))
	}
	return err
}

// OnSysInfoTick stores the latest system info.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.store == nil {
		h.Log.Error("failed to save system info", "error", storage.ErrDBFileNotOpen)
		return
	}

	_ = h.put(SysInfo, storage.SysInfoKey, &storage.SystemInfo{
		ID:   storage.SysInfoKey,
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	})
}

// StoredSessions returns all stored sessions. Records which cannot be
// decoded are logged and skipped.
func (h *Hook) StoredSessions() ([]storage.Session, error) {
	return scan[storage.Session](h, Sessions)
}

// StoredRetainedMessages returns all stored retained messages.
func (h *Hook) StoredRetainedMessages() ([]storage.Message, error) {
	return scan[storage.Message](h, Retained)
}

// StoredSysInfo returns the stored system info, or an empty value if none
// has been saved.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.store == nil {
		return v, storage.ErrDBFileNotOpen
	}

	data, err := h.store.Get(SysInfo, storage.SysInfoKey)
	if err != nil || data == nil {
		return v, err
	}

	err = v.UnmarshalBinary(data)
	return v, err
}

func (h *Hook) put(bucket, key string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = h.store.Put(bucket, key, data)
	if err != nil {
		h.Log.Error("failed to put data", "error", err, "bucket", bucket, "key", key)
	}
	return err
}

// record is a pointer to a stored record type.
type record[T any] interface {
	*T
	UnmarshalBinary([]byte) error
}

func scan[T any, P record[T]](h *Hook, bucket string) ([]T, error) {
	if h.store == nil {
		return nil, storage.ErrDBFileNotOpen
	}

	var v []T
	err := h.store.Scan(bucket, func(data []byte) error {
		var d T
		if err := P(&d).UnmarshalBinary(data); err != nil {
			h.Log.Error("skipping unreadable record", "error", err, "bucket", bucket)
			return nil
		}
		v = append(v, d)
		return nil
	})
	if err != nil {
		h.Log.Error("failed to scan data", "error", err, "bucket", bucket)
		return nil, err
	}

	return v, nil
}
