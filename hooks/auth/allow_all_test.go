// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"testing"

	mqtt "github.com/mqttkit/engine"
	"github.com/mqttkit/engine/packets"
	"github.com/stretchr/testify/require"
)

func TestAllowAllID(t *testing.T) {
	h := new(AllowHook)
	require.Equal(t, "allow-all-auth", h.ID())
}

func TestAllowAllProvides(t *testing.T) {
	h := new(AllowHook)
	require.False(t, h.Provides(mqtt.OnConnect))
	require.False(t, h.Provides(mqtt.OnPublished))
}

func TestAllowAllValidate(t *testing.T) {
	h := new(AllowHook)
	ctx := &mqtt.ConnectContext{ReasonCode: packets.ErrNotAuthorized}
	h.ValidateConnection(ctx)
	require.Equal(t, packets.CodeSuccess, ctx.ReasonCode)
}

func TestAllowAllIntercept(t *testing.T) {
	h := new(AllowHook)

	sub := &mqtt.SubscriptionContext{}
	h.InterceptSubscription(sub)
	require.True(t, sub.ProcessSubscription)

	pub := &mqtt.PublishContext{Packet: &packets.Packet{TopicName: "any"}}
	h.InterceptPublish(pub)
	require.True(t, pub.AcceptMessage)
}

func TestAllowAllRegistersAsValidator(t *testing.T) {
	s := mqtt.New(&mqtt.Options{Logger: logger})
	h := new(AllowHook)
	require.NoError(t, s.AddHook(h, nil))
	require.Same(t, h, s.Options.Validator)
	require.Same(t, h, s.Options.SubscriptionInterceptor)
	require.Same(t, h, s.Options.PublishInterceptor)
	require.Nil(t, s.Options.UnsubscriptionInterceptor)
}
