// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt persists sessions, retained messages and system info to a
// boltdb file.
package bolt

import (
	"errors"
	"time"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage/kv"
	"go.etcd.io/bbolt"
)

// ErrBucketNotFound indicates the root bucket is missing from the file.
var ErrBucketNotFound = errors.New("bucket not found")

const (
	defaultDbFile  = ".bolt"
	defaultTimeout = 250 * time.Millisecond // how long to wait for the file lock
	defaultBucket  = "mqtt"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a boltdb file as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
}

// Init opens the boltdb file, creating the root bucket and one nested
// bucket for each kind of record.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = new(Options)
	if config != nil {
		h.config = config.(*Options)
	}

	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{Timeout: defaultTimeout}
	}

	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.Bucket == "" {
		h.config.Bucket = defaultBucket
	}

	db, err := bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		if err != nil {
			return err
		}

		for _, name := range []string{kv.Sessions, kv.Retained, kv.SysInfo} {
			if _, err := root.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	h.Attach(&store{db: db, root: []byte(h.config.Bucket)})
	return nil
}

// store keeps each record kind in a bucket nested under the root bucket.
type store struct {
	db   *bbolt.DB
	root []byte
}

func (s *store) bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	root := tx.Bucket(s.root)
	if root == nil {
		return nil, ErrBucketNotFound
	}

	b := root.Bucket([]byte(name))
	if b == nil {
		return nil, ErrBucketNotFound
	}
	return b, nil
}

func (s *store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

func (s *store) Get(bucket, key string) (value []byte, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}

		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte{}, v...) // only valid for the life of the transaction
		}
		return nil
	})
	return
}

func (s *store) Scan(bucket string, visit func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}

		return b.ForEach(func(_, v []byte) error {
			return visit(v)
		})
	})
}

func (s *store) Replace(bucket string, values map[string][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(s.root)
		if root == nil {
			return ErrBucketNotFound
		}

		if err := root.DeleteBucket([]byte(bucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}

		b, err := root.CreateBucket([]byte(bucket))
		if err != nil {
			return err
		}

		for k, v := range values {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) Close() error {
	return s.db.Close()
}
