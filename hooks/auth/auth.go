// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package auth provides a connection validator and subscription and publish
// interceptors which check clients against an auth ledger.
package auth

import (
	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/packets"
)

// Options contains the configuration/rules data for the auth ledger.
type Options struct {
	Data   []byte
	Ledger *Ledger
}

// Hook is an authentication hook which implements an auth ledger. Added to a
// server, it acts as the connection validator and the subscription and
// publish interceptors.
type Hook struct {
	mqtt.HookBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides. The ledger is
// consulted through the validator and interceptor interfaces instead.
func (h *Hook) Provides(b byte) bool {
	return false
}

// Init configures the hook with the auth ledger to be used for checking.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	switch {
	case h.config.Ledger != nil:
		h.ledger = h.config.Ledger
	case len(h.config.Data) > 0:
		h.ledger = new(Ledger)
		if err := h.ledger.Unmarshal(h.config.Data); err != nil {
			return err
		}
	default:
		h.ledger = &Ledger{
			Auth: AuthRules{},
			ACL:  ACLRules{},
		}
	}

	h.Log.Info("loaded auth rules",
		"users", len(h.ledger.Users),
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL))

	return nil
}

// Ledger returns the ledger the hook checks against. Rules may be replaced at
// runtime with Ledger().Update.
func (h *Hook) Ledger() *Ledger {
	return h.ledger
}

// ValidateConnection rejects connections which the ledger does not allow.
func (h *Hook) ValidateConnection(ctx *mqtt.ConnectContext) {
	p := Principal{
		ClientID: ctx.ClientID,
		Username: ctx.Packet.Connect.Username,
		Remote:   ctx.Remote,
	}

	if _, ok := h.ledger.AuthOk(p, ctx.Packet.Connect.Password); ok {
		return
	}

	ctx.ReasonCode = packets.ErrBadUsernameOrPassword
	h.Log.Info("client failed authentication check",
		"username", string(p.Username),
		"remote", p.Remote)
}

// InterceptSubscription refuses subscriptions to filters the client may not read.
func (h *Hook) InterceptSubscription(ctx *mqtt.SubscriptionContext) {
	p := principal(ctx.ClientID, ctx.Items)
	if _, ok := h.ledger.ACLOk(p, ctx.Subscription.Filter, false); ok {
		return
	}

	ctx.ProcessSubscription = false
	ctx.ReasonCode = packets.ErrNotAuthorized
	h.Log.Debug("client failed subscribe ACL check",
		"client", p.ClientID,
		"username", string(p.Username),
		"filter", ctx.Subscription.Filter)
}

// InterceptPublish refuses messages to topics the client may not write.
// Messages published by the broker itself are always accepted.
func (h *Hook) InterceptPublish(ctx *mqtt.PublishContext) {
	if ctx.ClientID == "" {
		return
	}

	p := principal(ctx.ClientID, ctx.Items)
	if _, ok := h.ledger.ACLOk(p, ctx.Packet.TopicName, true); ok {
		return
	}

	ctx.AcceptMessage = false
	ctx.ReasonCode = packets.ErrNotAuthorized
	h.Log.Debug("client failed publish ACL check",
		"client", p.ClientID,
		"username", string(p.Username),
		"topic", ctx.Packet.TopicName)
}

// principal builds a principal from the well-known session items.
func principal(id string, items *mqtt.SessionItems) Principal {
	p := Principal{ClientID: id}
	if items == nil {
		return p
	}

	if v, ok := items.Get(mqtt.ItemUsername); ok {
		p.Username, _ = v.([]byte)
	}
	p.Remote = items.GetString(mqtt.ItemRemote)

	return p
}
