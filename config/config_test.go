// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/hooks/auth"
	"github.com/mqttkit/engine/hooks/debug"
	"github.com/mqttkit/engine/hooks/storage/badger"
	"github.com/mqttkit/engine/hooks/storage/bolt"
	"github.com/mqttkit/engine/hooks/storage/pebble"
	"github.com/mqttkit/engine/hooks/storage/redis"
	"github.com/mqttkit/engine/listeners"
)

var (
	yamlBytes = []byte(`
listeners:
  - type: "tcp"
    id: "file-tcp1"
    address: ":1883"
hooks:
  auth:
    allow_all: true
options:
  max_pending_messages_per_client: 64
  overflow_strategy: DropOldestQueuedMessage
  default_communication_timeout: 5s
  capabilities:
    minimum_protocol_version: 3
    compatibilities:
      restore_sys_info_on_restart: true
`)

	jsonBytes = []byte(`{
   "listeners": [
      {
         "type": "tcp",
         "id": "file-tcp1",
         "address": ":1883"
      }
   ],
   "hooks": {
      "auth": {
         "allow_all": true
      }
   },
   "options": {
      "max_pending_messages_per_client": 64,
      "overflow_strategy": "DropOldestQueuedMessage",
      "default_communication_timeout": 5000000000,
      "capabilities": {
         "minimum_protocol_version": 3,
         "compatibilities": {
            "restore_sys_info_on_restart": true
         }
      }
   }
}
`)

	parsedOptions = mqtt.Options{
		Listeners: []listeners.Config{
			{
				Type:    listeners.TypeTCP,
				ID:      "file-tcp1",
				Address: ":1883",
			},
		},
		Hooks: []mqtt.HookLoadConfig{
			{
				Hook: new(auth.AllowHook),
			},
		},
		MaxPendingMessagesPerClient: 64,
		OverflowStrategy:            mqtt.DropOldestQueuedMessage,
		DefaultCommunicationTimeout: 5 * time.Second,
		Capabilities: &mqtt.Capabilities{
			MinimumProtocolVersion: 3,
			Compatibilities: mqtt.Compatibilities{
				RestoreSysInfoOnRestart: true,
			},
		},
	}
)

func TestFromBytesEmpty(t *testing.T) {
	o, err := FromBytes([]byte{})
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesYAMLError(t *testing.T) {
	_, err := FromBytes(append(yamlBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesJSONError(t *testing.T) {
	_, err := FromBytes(append(jsonBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesHookOrder(t *testing.T) {
	o, err := FromBytes([]byte(`
hooks:
  debug:
    show_pings: true
  storage:
    bolt:
      path: data.bolt
  auth:
    ledger:
      auth:
        - username: peach
          password: password1
          allow: true
`))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 3)
	require.IsType(t, new(auth.Hook), o.Hooks[0].Hook)
	require.IsType(t, new(bolt.Hook), o.Hooks[1].Hook)
	require.IsType(t, new(debug.Hook), o.Hooks[2].Hook)
	require.Equal(t, &debug.Options{ShowPings: true}, o.Hooks[2].Config)
}

func TestFromBytesLedgerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  - remote: 127.0.0.1
    allow: true
acl:
  - filters:
      "$SYS/#": 0
`), 0600))

	o, err := FromBytes([]byte("hooks:\n  auth:\n    ledger_file: " + path + "\n"))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 1)

	opts, ok := o.Hooks[0].Config.(*auth.Options)
	require.True(t, ok)
	require.Len(t, opts.Ledger.Auth, 1)
	require.Equal(t, auth.RString("127.0.0.1"), opts.Ledger.Auth[0].Remote)
	require.Equal(t, auth.Deny, opts.Ledger.ACL[0].Filters["$SYS/#"])
}

func TestFromBytesLedgerFileMissing(t *testing.T) {
	_, err := FromBytes([]byte("hooks:\n  auth:\n    ledger_file: " + filepath.Join(t.TempDir(), "nope.yaml") + "\n"))
	require.Error(t, err)
}

func TestToHooksAuthAllowAll(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			AllowAll: true,
		},
	}

	th := hc.ToHooks()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(auth.AllowHook)},
	}
	require.Equal(t, expect, th)
}

func TestToHooksAuthAllowLedger(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			Ledger: auth.Ledger{
				Auth: auth.AuthRules{
					{Username: "peach", Password: "password1", Allow: true},
				},
			},
		},
	}

	th := hc.ToHooks()
	expect := []mqtt.HookLoadConfig{
		{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Auth: auth.AuthRules{
						{Username: "peach", Password: "password1", Allow: true},
					},
				},
			},
		},
	}
	require.Equal(t, expect, th)
}

func TestToHooksStorage(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Badger: &badger.Options{Path: "badger"},
			Bolt:   &bolt.Options{Path: "bolt"},
			Redis:  &redis.Options{Username: "test"},
			Pebble: &pebble.Options{Path: "pebble"},
		},
	}

	th := hc.ToHooks()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(badger.Hook), Config: hc.Storage.Badger},
		{Hook: new(bolt.Hook), Config: hc.Storage.Bolt},
		{Hook: new(redis.Hook), Config: hc.Storage.Redis},
		{Hook: new(pebble.Hook), Config: hc.Storage.Pebble},
	}

	require.Equal(t, expect, th)
}

func TestToHooksOrder(t *testing.T) {
	hc := HookConfigs{
		Debug:   &debug.Options{},
		Storage: &HookStorageConfig{Bolt: &bolt.Options{Path: "bolt"}},
		Auth:    &HookAuthConfig{AllowAll: true},
	}

	th := hc.ToHooks()
	require.Len(t, th, 3)
	require.IsType(t, new(auth.AllowHook), th[0].Hook)
	require.IsType(t, new(bolt.Hook), th[1].Hook)
	require.IsType(t, new(debug.Hook), th[2].Hook)
}

func TestFromBytesLeadingWhitespace(t *testing.T) {
	o, err := FromBytes([]byte("\n  {\"listeners\": [{\"type\": \"tcp\", \"id\": \"t1\", \"address\": \":1883\"}]}"))
	require.NoError(t, err)
	require.Len(t, o.Listeners, 1)
	require.Equal(t, "t1", o.Listeners[0].ID)

	o, err = FromBytes([]byte("  \n"))
	require.NoError(t, err)
	require.Nil(t, o)
}
