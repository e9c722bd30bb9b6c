// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqttkit/engine/packets"
	"github.com/stretchr/testify/require"
)

func reconnectV5(t *testing.T, s *Server, id string) (*testClient, packets.Packet) {
	pk := connectPacket(id, 5, false)
	pk.Properties.SessionExpiryInterval = 60
	pk.Properties.SessionExpiryIntervalFlag = true
	return connect(t, s, pk)
}

func TestDeliverQos1TimeoutRequeues(t *testing.T) {
	s := newServer()
	s.Options.DefaultCommunicationTimeout = 200 * time.Millisecond
	h := &qosHook{}
	require.NoError(t, s.AddHook(h, nil))

	c := connectV5(t, s, "c", false, 60)
	c.subscribe(1, packets.Subscription{Filter: "t", Qos: 1})
	require.NoError(t, s.Publish("t", []byte("x"), false, 1))

	first := c.readType(packets.Publish)
	require.False(t, first.FixedHeader.Dup)
	c.expectClosed()

	sess := waitDetached(t, s, "c")
	require.Equal(t, 1, sess.Queue.Count())
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.QosTimeouts))
	require.Equal(t, int64(1), h.timeouts.Load())

	c, ack := reconnectV5(t, s, "c")
	require.True(t, ack.SessionPresent)

	again := c.readType(packets.Publish)
	require.True(t, again.FixedHeader.Dup)
	require.Equal(t, first.PacketID, again.PacketID)
	require.Equal(t, []byte("x"), again.Payload)
	c.ack(packets.Puback, again.PacketID)

	require.Eventually(t, func() bool {
		return sess.PacketIDs.Len() == 0 && h.completed.Load() == 1
	}, testTimeout, 10*time.Millisecond)
}

func TestDeliverQos2ResumesAtPubrel(t *testing.T) {
	s := newServer()
	s.Options.DefaultCommunicationTimeout = 200 * time.Millisecond

	c := connectV5(t, s, "c", false, 60)
	c.subscribe(1, packets.Subscription{Filter: "t", Qos: 2})
	require.NoError(t, s.Publish("t", []byte("x"), false, 2))

	pk := c.readType(packets.Publish)
	c.ack(packets.Pubrec, pk.PacketID)
	rel := c.readType(packets.Pubrel)
	require.Equal(t, pk.PacketID, rel.PacketID)
	c.expectClosed()

	waitDetached(t, s, "c")
	c, _ = reconnectV5(t, s, "c")

	rel = c.readType(packets.Pubrel)
	require.Equal(t, pk.PacketID, rel.PacketID)
	c.ack(packets.Pubcomp, pk.PacketID)
	c.expectNothing(100 * time.Millisecond)
}

func TestDeliverQos2Refused(t *testing.T) {
	s := newServer()
	c := connectV5(t, s, "c", true, 0)
	c.subscribe(1, packets.Subscription{Filter: "t", Qos: 2})
	require.NoError(t, s.Publish("t", []byte("x"), false, 2))

	pk := c.readType(packets.Publish)
	c.send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    pk.PacketID,
		ReasonCode:  packets.ErrNotAuthorized.Code,
	})

	c.expectNothing(100 * time.Millisecond)
}

func TestDeliverOrdered(t *testing.T) {
	s := newServer()
	c := connectV5(t, s, "c", true, 0)
	c.subscribe(1, packets.Subscription{Filter: "o", Qos: 1})

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, s.Publish("o", []byte(p), false, 1))
	}

	for _, want := range []string{"1", "2", "3"} {
		pk := c.readType(packets.Publish)
		require.Equal(t, []byte(want), pk.Payload)
		c.ack(packets.Puback, pk.PacketID)
	}
}

func TestDeliverExpiredMessageDropped(t *testing.T) {
	s := newServer()
	c := connectV5(t, s, "c", false, 60)
	c.subscribe(1, packets.Subscription{Filter: "e", Qos: 1})
	c.disconnect(0)
	sess := waitDetached(t, s, "c")

	s.enqueue(sess, QueuedMessage{
		Packet: packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
			TopicName:   "e",
			Payload:     []byte("old"),
			Expiry:      time.Now().Unix() - 10,
		},
		Qos: 1,
	})

	c, _ = reconnectV5(t, s, "c")
	c.expectNothing(100 * time.Millisecond)
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.MessagesDropped))
}

func TestDeliverPanicStopsOnlyConnection(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddHook(&panicHook{client: "bad"}, nil))

	good := connectV5(t, s, "good", true, 0)
	bad := connectV5(t, s, "bad", true, 0)
	good.subscribe(1, packets.Subscription{Filter: "p", Qos: 1})
	bad.subscribe(1, packets.Subscription{Filter: "p", Qos: 1})

	require.NoError(t, s.Publish("p", []byte("x"), false, 1))

	pk := bad.readType(packets.Publish)
	bad.ack(packets.Puback, pk.PacketID)
	bad.expectClosed()

	pk = good.readType(packets.Publish)
	good.ack(packets.Puback, pk.PacketID)

	require.NoError(t, s.Publish("p", []byte("y"), false, 1))
	pk = good.readType(packets.Publish)
	require.Equal(t, []byte("y"), pk.Payload)
}

func TestDeliverTopicAliasOutbound(t *testing.T) {
	s := newServer()
	pk := connectPacket("c", 5, true)
	pk.Properties.TopicAliasMaximum = 5
	c, _ := connect(t, s, pk)
	c.subscribe(1, packets.Subscription{Filter: "alias/#"})

	require.NoError(t, s.Publish("alias/a", []byte("1"), false, 0))
	require.NoError(t, s.Publish("alias/a", []byte("2"), false, 0))

	first := c.readType(packets.Publish)
	require.Equal(t, "alias/a", first.TopicName)
	require.Equal(t, uint16(1), first.Properties.TopicAlias)

	second := c.readType(packets.Publish)
	require.Empty(t, second.TopicName)
	require.Equal(t, uint16(1), second.Properties.TopicAlias)
}

func TestRequeueMarksDuplicate(t *testing.T) {
	s := newServer()
	sess := NewSession("c", 2, DropNewMessage)
	s.requeue(sess, QueuedMessage{Qos: 1})

	msg, ok := sess.Queue.TryDequeue()
	require.True(t, ok)
	require.True(t, msg.Dup)
}

type qosHook struct {
	HookBase
	timeouts  atomic.Int64
	completed atomic.Int64
}

func (h *qosHook) ID() string {
	return "qos"
}

func (h *qosHook) Provides(b byte) bool {
	return b == OnQosTimeout || b == OnQosComplete
}

func (h *qosHook) OnQosTimeout(sess *Session, pk packets.Packet) {
	h.timeouts.Add(1)
}

func (h *qosHook) OnQosComplete(sess *Session, pk packets.Packet) {
	h.completed.Add(1)
}

type panicHook struct {
	HookBase
	client string
}

func (h *panicHook) ID() string {
	return "panic"
}

func (h *panicHook) Provides(b byte) bool {
	return b == OnQosPublish
}

func (h *panicHook) OnQosPublish(sess *Session, pk packets.Packet, resends int) {
	if sess.ID == h.client {
		panic("delivery hook failure")
	}
}
