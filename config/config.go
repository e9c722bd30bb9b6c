// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/auth"
	"github.com/mqttkit/engine/hooks/debug"
	"github.com/mqttkit/engine/hooks/storage/badger"
	"github.com/mqttkit/engine/hooks/storage/bolt"
	"github.com/mqttkit/engine/hooks/storage/pebble"
	"github.com/mqttkit/engine/hooks/storage/redis"
	"github.com/mqttkit/engine/listeners"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options     mqtt.Options       `yaml:"options" json:"options"`
	Listeners   []listeners.Config `yaml:"listeners" json:"listeners"`
	HookConfigs HookConfigs        `yaml:"hooks" json:"hooks"`
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Auth    *HookAuthConfig    `yaml:"auth" json:"auth"`
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
}

// HookAuthConfig contains configurations for the auth hook. LedgerFile names
// a YAML or JSON ledger to load instead of an inline ledger.
type HookAuthConfig struct {
	Ledger     auth.Ledger `yaml:"ledger" json:"ledger"`
	LedgerFile string      `yaml:"ledger_file" json:"ledger_file"`
	AllowAll   bool        `yaml:"allow_all" json:"allow_all"`
}

// HookStorageConfig contains configurations for the different storage hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// ToHooks converts the hook sections into hooks for the server, in the order
// auth, storage, debug. Auth hooks come first so that they become the server
// validator and interceptors.
func (hc HookConfigs) ToHooks() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig

	switch {
	case hc.Auth == nil:
	case hc.Auth.AllowAll:
		hlc = append(hlc, mqtt.HookLoadConfig{Hook: new(auth.AllowHook)})
	default:
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Users: hc.Auth.Ledger.Users,
					Auth:  hc.Auth.Ledger.Auth,
					ACL:   hc.Auth.Ledger.ACL,
				},
			},
		})
	}

	if st := hc.Storage; st != nil {
		for _, h := range []struct {
			enabled bool
			hook    mqtt.Hook
			config  any
		}{
			{st.Badger != nil, new(badger.Hook), st.Badger},
			{st.Bolt != nil, new(bolt.Hook), st.Bolt},
			{st.Redis != nil, new(redis.Hook), st.Redis},
			{st.Pebble != nil, new(pebble.Hook), st.Pebble},
		} {
			if h.enabled {
				hlc = append(hlc, mqtt.HookLoadConfig{Hook: h.hook, Config: h.config})
			}
		}
	}

	if hc.Debug != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{Hook: new(debug.Hook), Config: hc.Debug})
	}

	return hlc
}

// loadLedgerFile merges the ledger file, if one is named, into the inline ledger.
func (hc HookConfigs) loadLedgerFile() error {
	if hc.Auth == nil || hc.Auth.LedgerFile == "" {
		return nil
	}

	b, err := os.ReadFile(hc.Auth.LedgerFile)
	if err != nil {
		return fmt.Errorf("read ledger file: %w", err)
	}

	ln := new(auth.Ledger)
	if err := ln.Unmarshal(b); err != nil {
		return fmt.Errorf("parse ledger file %s: %w", hc.Auth.LedgerFile, err)
	}

	hc.Auth.Ledger.Update(ln)
	return nil
}

// FromBytes parses JSON or YAML configuration into server options, converting
// the hook sections into hooks. Empty input returns nil options.
func FromBytes(b []byte) (*mqtt.Options, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}

	c := new(config)
	var err error
	if b[0] == '{' {
		err = json.Unmarshal(b, c)
	} else {
		err = yaml.Unmarshal(b, c)
	}
	if err != nil {
		return nil, err
	}

	if err := c.HookConfigs.loadLedgerFile(); err != nil {
		return nil, err
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Listeners = c.Listeners
	return &o, nil
}
