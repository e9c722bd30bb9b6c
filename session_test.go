// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/packets"
	"github.com/stretchr/testify/require"
)

func TestSessionsAddGetDelete(t *testing.T) {
	s := NewSessions()
	a := NewSession("a", 4, DropNewMessage)
	s.Add(a)
	s.Add(NewSession("b", 4, DropNewMessage))
	require.Equal(t, 2, s.Len())

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, a, v)
	require.Len(t, s.GetAll(), 2)

	replaced := NewSession("a", 4, DropNewMessage)
	s.Add(replaced)
	require.False(t, s.Delete(a))
	require.True(t, s.Delete(replaced))
	require.Equal(t, 1, s.Len())
}

func TestSessionsConnections(t *testing.T) {
	s := NewSessions()
	a := NewSession("a", 4, DropNewMessage)
	b := NewSession("b", 4, DropNewMessage)
	s.Add(a)
	s.Add(b)

	cl := newTestConnection("a", "t1")
	a.Bind(cl)

	require.Equal(t, []*Connection{cl}, s.Connections())
	require.Len(t, s.GetByListener("t1"), 1)
	require.Len(t, s.GetByListener("t2"), 0)
}

func TestSessionUpdate(t *testing.T) {
	sess := NewSession("a", 4, DropNewMessage)
	pk := packets.Packet{
		ProtocolVersion: 5,
		Connect: packets.ConnectParams{
			Username:    []byte("melon"),
			WillFlag:    true,
			WillTopic:   "will",
			WillPayload: []byte("gone"),
			WillQos:     1,
			WillProperties: packets.Properties{
				WillDelayInterval: 10,
			},
		},
		Properties: packets.Properties{
			SessionExpiryInterval: 120,
		},
	}

	sess.Update(pk, 60)
	props := sess.Properties()
	require.Equal(t, uint32(60), props.ExpiryInterval)
	require.Equal(t, []byte("melon"), props.Username)
	require.Equal(t, byte(5), sess.ProtocolVersion())

	will := sess.Will()
	require.Equal(t, uint32(1), will.Flag)
	require.Equal(t, "will", will.TopicName)
	require.Equal(t, uint32(10), will.WillDelayInterval)

	sess.ClearWill()
	require.Equal(t, uint32(0), sess.Will().Flag)
}

func TestSessionUpdateV3Persistent(t *testing.T) {
	sess := NewSession("a", 4, DropNewMessage)
	sess.Update(packets.Packet{ProtocolVersion: 4}, math.MaxUint32)
	require.Equal(t, uint32(math.MaxUint32), sess.Properties().ExpiryInterval)

	sess.Update(packets.Packet{ProtocolVersion: 4, Connect: packets.ConnectParams{Clean: true}}, math.MaxUint32)
	require.Equal(t, uint32(0), sess.Properties().ExpiryInterval)
}

func TestSessionBindUnbind(t *testing.T) {
	sess := NewSession("a", 4, DropNewMessage)
	require.False(t, sess.IsConnected())

	first := newTestConnection("a", "t1")
	require.Nil(t, sess.Bind(first))
	require.True(t, sess.IsConnected())
	require.Equal(t, int64(0), sess.Disconnected())

	second := newTestConnection("a", "t1")
	require.Equal(t, first, sess.Bind(second))

	require.False(t, sess.Unbind(first))
	require.True(t, sess.IsConnected())

	require.True(t, sess.Unbind(second))
	require.False(t, sess.IsConnected())
	require.NotZero(t, sess.Disconnected())
}

func TestSessionExpired(t *testing.T) {
	sess := NewSession("a", 4, DropNewMessage)
	sess.SetExpiryInterval(10)
	require.False(t, sess.Expired(time.Now().Unix()+100))

	cl := newTestConnection("a", "t1")
	sess.Bind(cl)
	sess.Unbind(cl)

	now := sess.Disconnected()
	require.False(t, sess.Expired(now+9))
	require.True(t, sess.Expired(now+10))
}

func TestSessionStorageRoundTrip(t *testing.T) {
	sess := NewSession("a", 4, DropNewMessage)
	sess.Update(packets.Packet{
		ProtocolVersion: 5,
		Connect: packets.ConnectParams{
			Username:    []byte("melon"),
			WillFlag:    true,
			WillTopic:   "will",
			WillPayload: []byte("gone"),
		},
		Properties: packets.Properties{SessionExpiryInterval: 30},
	}, math.MaxUint32)

	sess.Subscriptions.Add("a/b", packets.Subscription{Filter: "a/b", Qos: 1, NoLocal: true, Identifier: 4})
	sess.Received.Add(7)
	sess.PacketIDs.Reserve(3)
	_, err := sess.Queue.Enqueue(context.Background(), QueuedMessage{
		Packet: packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
			TopicName:   "a/b",
			Payload:     []byte("x"),
			PacketID:    3,
		},
		Qos:   1,
		Stage: StageRelease,
		Dup:   true,
	})
	require.NoError(t, err)

	cl := newTestConnection("a", "t1")
	sess.Bind(cl)
	sess.Unbind(cl)

	d := sess.ToStorage()
	require.Equal(t, storage.SessionKey, d.T)
	require.Equal(t, uint32(30), d.ExpiryInterval)
	require.NotNil(t, d.Will)
	require.Len(t, d.Subscriptions, 1)
	require.True(t, d.Subscriptions[0].NoLocal)
	require.Equal(t, []uint16{7}, d.Received)
	require.Len(t, d.Queue, 1)

	b, err := d.MarshalBinary()
	require.NoError(t, err)
	var decoded storage.Session
	require.NoError(t, decoded.UnmarshalBinary(b))

	restored := SessionFromStorage(decoded, 4, DropNewMessage)
	require.Equal(t, "a", restored.ID)
	require.Equal(t, uint32(30), restored.Properties().ExpiryInterval)
	require.Equal(t, "will", restored.Will().TopicName)
	require.Equal(t, uint32(1), restored.Will().Flag)
	require.True(t, restored.Received.Has(7))
	require.Equal(t, sess.Disconnected(), restored.Disconnected())

	sub, ok := restored.Subscriptions.Get("a/b")
	require.True(t, ok)
	require.Equal(t, 4, sub.Identifier)

	msgs := restored.Queue.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(3), msgs[0].Packet.PacketID)
	require.Equal(t, StageRelease, msgs[0].Stage)
	require.True(t, msgs[0].Dup)

	// the restored packet id is reserved and is not handed out again.
	id, err := restored.PacketIDs.Next()
	require.NoError(t, err)
	require.NotEqual(t, uint16(3), id)
}

func TestSessionItems(t *testing.T) {
	sess := NewSession("a", 5, DropNewMessage)
	require.NotNil(t, sess.Items())

	items := NewSessionItems()
	items.Set("tenant", "acme")
	sess.SetItems(items)
	require.Equal(t, "acme", sess.Items().GetString("tenant"))

	got := make([]string, 8)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			next := NewSessionItems()
			next.Set("tenant", "acme")
			next.Set("n", i)
			sess.SetItems(next)
		}()
		go func() {
			defer wg.Done()
			got[i] = sess.Items().GetString("tenant")
		}()
	}
	wg.Wait()

	for _, v := range got {
		require.Equal(t, "acme", v)
	}
}
