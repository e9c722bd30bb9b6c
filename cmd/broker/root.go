// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/config"
	"github.com/mqttkit/engine/hooks/auth"
	"github.com/mqttkit/engine/listeners"
)

// listenerFlags maps each address flag to the listener type it configures.
var listenerFlags = []struct {
	flag, id, typ, def, usage string
}{
	{"tcp", "t1", listeners.TypeTCP, ":1883", "network address for the tcp listener"},
	{"ws", "ws1", listeners.TypeWS, ":1882", "network address for the websocket listener"},
	{"quic", "q1", listeners.TypeQUIC, "", "network address for the quic listener"},
	{"info", "stats", listeners.TypeSysInfo, ":8080", "network address for the sysinfo http listener"},
	{"metrics", "metrics", listeners.TypeMetrics, "", "network address for the prometheus metrics listener"},
	{"healthcheck", "health", listeners.TypeHealthCheck, "", "network address for the healthcheck listener"},
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "broker",
		Short:         "MQTT session, matching and delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	cmd.Flags().String("config", "", "path to a yaml or json config file")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn or error")
	for _, l := range listenerFlags {
		cmd.Flags().String(l.flag, l.def, l.usage)
	}

	_ = v.BindPFlags(cmd.Flags())
	v.SetEnvPrefix("MQTT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), mqtt.Version)
		},
	})

	return cmd
}

// run starts a server and blocks until it receives an interrupt or term signal.
func run(v *viper.Viper) error {
	opts, err := buildOptions(v)
	if err != nil {
		return err
	}

	server := mqtt.New(opts)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := server.Serve(); err != nil {
		return err
	}

	<-sigs
	server.Log.Warn("caught signal, stopping...")
	return server.Close()
}

// buildOptions returns the server options from the config file, if one is
// given, or the defaults. Listener address flags which were explicitly set
// override the address of the first configured listener of the same type.
func buildOptions(v *viper.Viper) (*mqtt.Options, error) {
	opts := new(mqtt.Options)

	if path := v.GetString("config"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		fo, err := config.FromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}

		if fo != nil {
			opts = fo
		}
	} else {
		opts.Hooks = append(opts.Hooks, mqtt.HookLoadConfig{Hook: new(auth.AllowHook)})
		for _, l := range listenerFlags {
			if addr := v.GetString(l.flag); addr != "" {
				opts.Listeners = append(opts.Listeners, listeners.Config{Type: l.typ, ID: l.id, Address: addr})
			}
		}
	}

	for _, l := range listenerFlags {
		if !v.IsSet(l.flag) || v.GetString(l.flag) == "" {
			continue
		}
		overrideListener(opts, l.id, l.typ, v.GetString(l.flag))
	}

	level, err := parseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	return opts, nil
}

// overrideListener sets the address of the first listener of a type, adding
// a listener if none is configured.
func overrideListener(opts *mqtt.Options, id, typ, addr string) {
	for i := range opts.Listeners {
		if strings.EqualFold(opts.Listeners[i].Type, typ) {
			opts.Listeners[i].Address = addr
			return
		}
	}

	opts.Listeners = append(opts.Listeners, listeners.Config{Type: typ, ID: id, Address: addr})
}

// parseLevel converts a level name to a slog level.
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
