// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble persists sessions, retained messages and system info to a
// pebble database.
package pebble

import (
	"errors"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"
	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage/kv"
)

const defaultDbFile = ".pebble"

// Write modes.
const (
	NoSync = "NoSync" // writes are not synchronized to disk
	Sync   = "Sync"   // every write is synchronized to disk
)

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using pebble as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Init opens the pebble database.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = new(Options)
	if config != nil {
		h.config = config.(*Options)
	}

	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.Options == nil {
		h.config.Options = new(pebbledb.Options)
	}

	s := &store{mode: pebbledb.NoSync}
	if strings.EqualFold(h.config.Mode, Sync) {
		s.mode = pebbledb.Sync
	}

	var err error
	if s.db, err = pebbledb.Open(h.config.Path, h.config.Options); err != nil {
		return err
	}

	h.Attach(s)
	return nil
}

// store keeps every record in one keyspace, prefixed with the bucket name.
type store struct {
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions
}

func key(bucket, k string) []byte {
	return []byte(bucket + "_" + k)
}

// bounds returns the key range covering every key in a bucket.
func bounds(bucket string) (lower, upper []byte) {
	lower = key(bucket, "")
	return lower, upperBound(lower)
}

// upperBound returns the smallest key greater than every key with the prefix,
// or nil if there is none.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *store) Put(bucket, k string, value []byte) error {
	return s.db.Set(key(bucket, k), value, s.mode)
}

func (s *store) Delete(bucket, k string) error {
	return s.db.Delete(key(bucket, k), s.mode)
}

func (s *store) Get(bucket, k string) ([]byte, error) {
	value, closer, err := s.db.Get(key(bucket, k))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return append([]byte{}, value...), nil
}

func (s *store) Scan(bucket string, visit func([]byte) error) error {
	lower, upper := bounds(bucket)
	iter, err := s.db.NewIter(&pebbledb.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *store) Replace(bucket string, values map[string][]byte) error {
	b := s.db.NewBatch()
	defer b.Close()

	lower, upper := bounds(bucket)
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}

	for k, v := range values {
		if err := b.Set(key(bucket, k), v, nil); err != nil {
			return err
		}
	}
	return b.Commit(s.mode)
}

func (s *store) Close() error {
	return s.db.Close()
}
