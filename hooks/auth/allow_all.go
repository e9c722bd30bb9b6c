// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/packets"
)

// AllowHook is an authentication hook which allows connection access
// for all users and read and write access to all topics.
type AllowHook struct {
	mqtt.HookBase
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AllowHook) Provides(b byte) bool {
	return false
}

// ValidateConnection accepts every connection.
func (h *AllowHook) ValidateConnection(ctx *mqtt.ConnectContext) {
	ctx.ReasonCode = packets.CodeSuccess
}

// InterceptSubscription accepts every subscription.
func (h *AllowHook) InterceptSubscription(ctx *mqtt.SubscriptionContext) {
	ctx.ProcessSubscription = true
}

// InterceptPublish accepts every message.
func (h *AllowHook) InterceptPublish(ctx *mqtt.PublishContext) {
	ctx.AcceptMessage = true
}
