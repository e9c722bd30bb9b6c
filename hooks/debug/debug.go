// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package debug provides a hook which logs low-level broker events.
package debug

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/packets"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include payloads and the decoded packet (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
}

// Hook is a debugging hook which logs additional low-level information from the server.
type Hook struct {
	mqtt.HookBase
	config *Options
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all event methods. Storage
// methods are left to the storage hooks.
func (h *Hook) Provides(b byte) bool {
	return !bytes.Contains([]byte{
		mqtt.SaveRetainedMessages,
		mqtt.SaveSession,
		mqtt.DeleteSession,
		mqtt.StoredSessions,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.HookBase.SetOpts(l, opts)
	h.event("hook options set", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.event("hook stopped", "Stop")
	return nil
}

func (h *Hook) OnStarted() {
	h.event("server started", "OnStarted")
}

func (h *Hook) OnStopped() {
	h.event("server stopped", "OnStopped")
}

func (h *Hook) OnConnect(cl *mqtt.Connection, pk packets.Packet) error {
	h.event("client connected", "OnConnect",
		slog.String("client", cl.ID),
		slog.String("remote", cl.Net.Remote),
		slog.String("listener", cl.Net.Listener))
	return nil
}

func (h *Hook) OnSessionEstablished(cl *mqtt.Connection, pk packets.Packet) {
	h.event("session established", "OnSessionEstablished", slog.String("client", cl.ID))
}

func (h *Hook) OnDisconnect(cl *mqtt.Connection, err error, expire bool) {
	h.event("client disconnected", "OnDisconnect",
		slog.String("client", cl.ID),
		slog.Bool("expire", expire),
		slog.Any("error", err))
}

// OnPacketRead logs each packet received, as TYPE << client.
func (h *Hook) OnPacketRead(cl *mqtt.Connection, pk packets.Packet) (packets.Packet, error) {
	h.traffic(pk, " << ", cl.ID)
	return pk, nil
}

// OnPacketSent logs each packet sent, as TYPE >> client.
func (h *Hook) OnPacketSent(cl *mqtt.Connection, pk packets.Packet, b []byte) {
	h.traffic(pk, " >> ", cl.ID)
}

func (h *Hook) OnSubscribed(sess *mqtt.Session, pk packets.Packet, reasonCodes []byte) {
	h.event("subscribed", "OnSubscribed", slog.String("client", sess.ID), h.packet(pk), slog.Any("reasons", reasonCodes))
}

func (h *Hook) OnUnsubscribed(sess *mqtt.Session, pk packets.Packet) {
	h.event("unsubscribed", "OnUnsubscribed", slog.String("client", sess.ID), h.packet(pk))
}

func (h *Hook) OnPublished(pk packets.Packet) {
	h.event("published", "OnPublished", h.packet(pk))
}

func (h *Hook) OnPublishDropped(sess *mqtt.Session, pk packets.Packet) {
	h.event("message dropped", "OnPublishDropped", slog.String("client", sess.ID), h.packet(pk))
}

func (h *Hook) OnUndelivered(pk packets.Packet) {
	h.event("message undelivered", "OnUndelivered", slog.String("topic", pk.TopicName))
}

func (h *Hook) OnRetainMessage(pk packets.Packet, r int64) {
	h.event("retained message on topic", "OnRetainMessage", h.packet(pk), slog.Int64("r", r))
}

func (h *Hook) OnQosPublish(sess *mqtt.Session, pk packets.Packet, resends int) {
	h.event("inflight out", "OnQosPublish", slog.String("client", sess.ID), slog.Int("resends", resends), h.packet(pk))
}

func (h *Hook) OnQosComplete(sess *mqtt.Session, pk packets.Packet) {
	h.event("inflight complete", "OnQosComplete", slog.String("client", sess.ID), h.packet(pk))
}

func (h *Hook) OnQosTimeout(sess *mqtt.Session, pk packets.Packet) {
	h.event("inflight timed out", "OnQosTimeout", slog.String("client", sess.ID), h.packet(pk))
}

func (h *Hook) OnPacketIDExhausted(sess *mqtt.Session, pk packets.Packet) {
	h.event("packet ids exhausted", "OnPacketIDExhausted", slog.String("client", sess.ID), h.packet(pk))
}

func (h *Hook) OnWillSent(sess *mqtt.Session, pk packets.Packet) {
	h.event("sent will for client", "OnWillSent", slog.String("client", sess.ID), slog.String("topic", pk.TopicName))
}

func (h *Hook) OnSessionExpired(sess *mqtt.Session) {
	h.event("client session expired", "OnSessionExpired", slog.String("client", sess.ID))
}

func (h *Hook) OnRetainedExpired(topic string) {
	h.event("retained message expired", "OnRetainedExpired", slog.String("topic", topic))
}

// event logs at debug level with the name of the hook method.
func (h *Hook) event(msg, method string, attrs ...slog.Attr) {
	h.Log.LogAttrs(context.Background(), slog.LevelDebug, msg, append([]slog.Attr{slog.String("method", method)}, attrs...)...)
}

// traffic logs a packet read or sent. Pings are skipped unless enabled.
func (h *Hook) traffic(pk packets.Packet, dir, client string) {
	t := pk.FixedHeader.Type
	if (t == packets.Pingreq || t == packets.Pingresp) && !h.config.ShowPings {
		return
	}

	h.Log.LogAttrs(context.Background(), slog.LevelDebug, strings.ToUpper(packets.PacketNames[t])+dir+client, h.packet(pk))
}

func (h *Hook) packet(pk packets.Packet) slog.Attr {
	return slog.Attr{Key: "m", Value: slog.GroupValue(h.packetAttrs(pk)...)}
}

// packetAttrs returns the fields worth logging for each packet type.
func (h *Hook) packetAttrs(pk packets.Packet) []slog.Attr {
	var attrs []slog.Attr
	switch pk.FixedHeader.Type {
	case packets.Connect:
		attrs = append(attrs,
			slog.String("id", pk.Connect.ClientIdentifier),
			slog.Bool("clean", pk.Connect.Clean),
			slog.Int("keepalive", int(pk.Connect.Keepalive)),
			slog.Int("version", int(pk.ProtocolVersion)),
			slog.String("username", string(pk.Connect.Username)))
		if h.config.ShowPasswords {
			attrs = append(attrs, slog.String("password", string(pk.Connect.Password)))
		}
		if pk.Connect.WillFlag {
			attrs = append(attrs, slog.String("will_topic", pk.Connect.WillTopic))
			if h.config.ShowPacketData {
				attrs = append(attrs, slog.String("will_payload", string(pk.Connect.WillPayload)))
			}
		}
	case packets.Publish:
		attrs = append(attrs,
			slog.String("topic", pk.TopicName),
			slog.Int("qos", int(pk.FixedHeader.Qos)),
			slog.Int("id", int(pk.PacketID)),
			slog.Bool("dup", pk.FixedHeader.Dup),
			slog.Int("size", len(pk.Payload)))
		if h.config.ShowPacketData {
			attrs = append(attrs, slog.String("payload", string(pk.Payload)))
		}
	case packets.Connack, packets.Disconnect, packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp:
		attrs = append(attrs, slog.Int("id", int(pk.PacketID)), slog.Int("reason", int(pk.ReasonCode)))
		if pk.ReasonCode > packets.CodeSuccess.Code && pk.ProtocolVersion == 5 {
			attrs = append(attrs, slog.String("reason_string", pk.Properties.ReasonString))
		}
	case packets.Subscribe:
		filters := make([]any, 0, len(pk.Filters))
		for _, f := range pk.Filters {
			filters = append(filters, slog.Group(f.Filter, "qos", int(f.Qos), "subid", f.Identifier))
		}
		attrs = append(attrs, slog.Group("filters", filters...))
	case packets.Unsubscribe:
		filters := make([]string, 0, len(pk.Filters))
		for _, f := range pk.Filters {
			filters = append(filters, f.Filter)
		}
		attrs = append(attrs, slog.Any("filters", filters))
	case packets.Suback, packets.Unsuback:
		reasons := make([]int, 0, len(pk.ReasonCodes))
		for _, r := range pk.ReasonCodes {
			reasons = append(reasons, int(r))
		}
		attrs = append(attrs, slog.Any("reasons", reasons))
	}

	if h.config.ShowPacketData {
		attrs = append(attrs, slog.Any("packet", pk))
	}

	return attrs
}
