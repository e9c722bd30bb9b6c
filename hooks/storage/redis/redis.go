// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis persists sessions, retained messages and system info to
// redis hash sets.
package redis

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/go-redis/redis/v8"
	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/storage/kv"
)

const (
	defaultAddr    = "localhost:6379"
	defaultHPrefix = "mqtt-" // prefixes the hash set names created by the broker
)

// Options contains configuration settings for the redis instance.
type Options struct {
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Options  *redis.Options `yaml:"-" json:"-"`
}

// Hook is a persistent storage hook using Redis as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Init connects to the redis service and checks it is reachable.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config = new(Options)
	if config != nil {
		h.config = config.(*Options)
	}

	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	if h.config.Options.Addr == "" {
		h.config.Options.Addr = defaultAddr
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	s := &store{
		ctx:    context.Background(),
		db:     redis.NewClient(h.config.Options),
		prefix: h.config.HPrefix,
	}

	if err := s.db.Ping(s.ctx).Err(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")
	h.Attach(s)
	return nil
}

// store keeps each bucket in a hash set.
type store struct {
	ctx    context.Context
	db     *redis.Client
	prefix string
}

func (s *store) hKey(bucket string) string {
	return s.prefix + bucket
}

func (s *store) Put(bucket, key string, value []byte) error {
	return s.db.HSet(s.ctx, s.hKey(bucket), key, value).Err()
}

func (s *store) Delete(bucket, key string) error {
	return s.db.HDel(s.ctx, s.hKey(bucket), key).Err()
}

func (s *store) Get(bucket, key string) ([]byte, error) {
	v, err := s.db.HGet(s.ctx, s.hKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (s *store) Scan(bucket string, visit func([]byte) error) error {
	rows, err := s.db.HGetAll(s.ctx, s.hKey(bucket)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, row := range rows {
		if err := visit([]byte(row)); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) Replace(bucket string, values map[string][]byte) error {
	key := s.hKey(bucket)
	_, err := s.db.TxPipelined(s.ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(s.ctx, key)
		for k, v := range values {
			pipe.HSet(s.ctx, key, k, v)
		}
		return nil
	})
	return err
}

func (s *store) Close() error {
	return s.db.Close()
}
