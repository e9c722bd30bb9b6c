// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger persists sessions, retained messages and system info to a
// BadgerDB directory.
package badger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage/kv"
)

const (
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`
	// GcDiscardRatio must be in the range (0.0, 1.0), both endpoints excluded,
	// otherwise it is set to the default value of 0.5.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
	InMemory       bool    `yaml:"in_memory" json:"in_memory"`
}

// Hook is a persistent storage hook using BadgerDB as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
}

// Init opens the badger database and starts value log garbage collection.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = new(Options)
	if config != nil {
		h.config = config.(*Options)
	}

	if h.config.Path == "" && !h.config.InMemory {
		h.config.Path = defaultDbFile
	}

	if h.config.GcInterval == 0 {
		h.config.GcInterval = defaultGcInterval
	}

	if h.config.GcDiscardRatio <= 0.0 || h.config.GcDiscardRatio >= 1.0 {
		h.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if h.config.Options == nil {
		opts := badgerdb.DefaultOptions(h.config.Path)
		if h.config.InMemory {
			opts = badgerdb.DefaultOptions("").WithInMemory(true)
		}
		h.config.Options = &opts
	}
	h.config.Options.Logger = h

	db, err := badgerdb.Open(*h.config.Options)
	if err != nil {
		return err
	}

	s := &store{
		db:   db,
		done: make(chan struct{}),
	}
	go s.collect(time.Duration(h.config.GcInterval)*time.Second, h.config.GcDiscardRatio)

	h.Attach(s)
	return nil
}

// Errorf satisfies the badger interface for an error logger.
func (h *Hook) Errorf(m string, v ...any) {
	h.Log.Error(badgerMessage(m, v))
}

// Warningf satisfies the badger interface for a warning logger.
func (h *Hook) Warningf(m string, v ...any) {
	h.Log.Warn(badgerMessage(m, v))
}

// Infof satisfies the badger interface for an info logger.
func (h *Hook) Infof(m string, v ...any) {
	h.Log.Info(badgerMessage(m, v))
}

// Debugf satisfies the badger interface for a debug logger.
func (h *Hook) Debugf(m string, v ...any) {
	h.Log.Debug(badgerMessage(m, v))
}

func badgerMessage(m string, v []any) string {
	return fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...)
}

// store keeps every record in one keyspace, prefixed with the bucket name.
type store struct {
	db   *badgerdb.DB
	done chan struct{}
}

func key(bucket, k string) []byte {
	return []byte(bucket + "_" + k)
}

// collect reclaims space in the value log files until the store is closed.
// See https://dgraph.io/docs/badger/get-started/#garbage-collection
func (s *store) collect(interval time.Duration, ratio float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

func (s *store) Put(bucket, k string, value []byte) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key(bucket, k), value)
	})
}

func (s *store) Delete(bucket, k string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key(bucket, k))
	})
}

func (s *store) Get(bucket, k string) (value []byte, err error) {
	err = s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(bucket, k))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})
	return
}

func (s *store) Scan(bucket string, visit func([]byte) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = key(bucket, "")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) Replace(bucket string, values map[string][]byte) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = key(bucket, "")

		var stale [][]byte
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		for k, v := range values {
			if err := txn.Set(key(bucket, k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) Close() error {
	close(s.done)
	return s.db.Close()
}
