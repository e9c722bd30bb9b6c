// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mqttkit/engine/packets"
)

// drainQueue delivers the messages of a session queue onto a connection, one
// at a time and in order, until the connection stops. A message being
// delivered when the connection stops is returned to the head of the queue
// before the drained channel of the connection is closed.
func (s *Server) drainQueue(cl *Connection, sess *Session) {
	defer close(cl.drained)

	for {
		if cl.Closed() {
			return
		}

		msg, err := sess.Queue.Dequeue(cl.ctx)
		if err != nil {
			return
		}
		atomic.AddInt64(&s.Info.MessagesQueued, -1)

		if err := s.safeDeliver(cl, sess, msg); err != nil {
			s.Log.Debug("delivery failed", "error", err, "client", cl.ID, "listener", cl.Net.Listener)
			cl.Stop(err)
			return
		}
	}
}

// safeDeliver calls deliver, converting a panic into an error which stops
// only the affected connection.
func (s *Server) safeDeliver(cl *Connection, sess *Session, msg QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("recovered from delivery panic", "panic", r, "client", cl.ID, "topic", msg.Packet.TopicName)
			err = fmt.Errorf("%w: delivery panic", packets.ErrUnspecifiedError)
		}
	}()

	return s.deliver(cl, sess, msg)
}

// deliver sends a queued message over a connection and, for qos 1 and 2,
// drives the acknowledgement exchange to completion. If the message cannot be
// delivered it is re-queued at the head of the session queue with the dup flag
// set, and the cause is returned.
func (s *Server) deliver(cl *Connection, sess *Session, msg QueuedMessage) error {
	if !msg.Dup && msg.Stage == StagePublish && msg.Packet.Expiry > 0 && time.Now().Unix() > msg.Packet.Expiry {
		atomic.AddInt64(&s.Info.MessagesDropped, 1)
		s.hooks.OnPublishDropped(sess, msg.Packet) // [MQTT-3.3.2-5]
		return nil
	}

	if msg.Qos == 0 {
		err := cl.WritePacket(s.outboundPublish(cl, msg))
		if err != nil {
			s.requeue(sess, msg)
		}
		return err
	}

	if msg.Packet.PacketID == 0 {
		id, err := sess.PacketIDs.Next()
		if err != nil {
			s.hooks.OnPacketIDExhausted(sess, msg.Packet)
			s.requeue(sess, msg)
			return packets.ErrQuotaExceeded
		}
		msg.Packet.PacketID = id
	}

	err := s.deliverQos(cl, sess, &msg)
	if err != nil {
		s.requeue(sess, msg)
		if err == packets.ErrCommunicationTimeout {
			atomic.AddInt64(&s.Info.QosTimeouts, 1)
			s.hooks.OnQosTimeout(sess, msg.Packet)
		}
		return err
	}

	sess.PacketIDs.Release(msg.Packet.PacketID)
	return nil
}

// deliverQos performs the qos 1 or qos 2 exchange for a message which has a
// packet id. The stage of the message is advanced as the exchange progresses,
// so a retry resumes with a pubrel if a pubrec was already received.
func (s *Server) deliverQos(cl *Connection, sess *Session, msg *QueuedMessage) error {
	id := msg.Packet.PacketID

	atomic.AddInt64(&s.Info.Inflight, 1)
	defer atomic.AddInt64(&s.Info.Inflight, -1)

	if msg.Stage == StagePublish {
		resends := 0
		if msg.Dup {
			resends = 1
		}

		out := s.outboundPublish(cl, *msg)
		ack, err := s.exchange(cl, sess, id, out)
		if err != nil {
			return err
		}
		s.hooks.OnQosPublish(sess, out, resends)

		switch {
		case msg.Qos == 1 && ack.FixedHeader.Type == packets.Puback:
			s.hooks.OnQosComplete(sess, ack)
			return nil
		case msg.Qos == 2 && ack.FixedHeader.Type == packets.Pubrec:
			if ack.ReasonCode >= packets.ErrUnspecifiedError.Code {
				s.hooks.OnPublishDropped(sess, msg.Packet) // [MQTT-4.3.3-4] the receiver refused the message
				return nil
			}
			msg.Stage = StageRelease
		default:
			return packets.ErrProtocolViolationInvalidReason
		}
	}

	rel := s.buildAck(id, packets.Pubrel, 1, packets.Properties{}, packets.CodeSuccess)
	ack, err := s.exchange(cl, sess, id, rel)
	if err != nil {
		return err
	}

	if ack.FixedHeader.Type != packets.Pubcomp {
		return packets.ErrProtocolViolationInvalidReason
	}

	s.hooks.OnQosComplete(sess, ack)
	return nil
}

// exchange writes a packet and waits for the acknowledgement with the same
// packet id, bounded by the communication timeout.
func (s *Server) exchange(cl *Connection, sess *Session, id uint16, pk packets.Packet) (packets.Packet, error) {
	wait := sess.Inflight.Register(id)
	if err := cl.WritePacket(pk); err != nil {
		sess.Inflight.Cancel(id)
		return packets.Packet{}, err
	}

	timer := time.NewTimer(s.Options.DefaultCommunicationTimeout)
	defer timer.Stop()

	select {
	case ack := <-wait:
		return ack, nil
	case <-timer.C:
		sess.Inflight.Cancel(id)
		return packets.Packet{}, packets.ErrCommunicationTimeout
	case <-cl.ctx.Done():
		sess.Inflight.Cancel(id)
		if cause := cl.StopCause(); cause != nil {
			return packets.Packet{}, cause
		}
		return packets.Packet{}, ErrConnectionClosed
	}
}

// requeue returns a message which could not be delivered to the head of the
// session queue, marked as a duplicate.
func (s *Server) requeue(sess *Session, msg QueuedMessage) {
	msg.Dup = true
	if sess.Queue.EnqueueFront(msg) {
		atomic.AddInt64(&s.Info.MessagesQueued, 1)
		return
	}

	if msg.Packet.PacketID > 0 {
		sess.PacketIDs.Release(msg.Packet.PacketID)
	}
}

// outboundPublish builds the publish packet written to a connection for a
// queued message, applying the connection's topic aliases and the remaining
// message expiry.
func (s *Server) outboundPublish(cl *Connection, msg QueuedMessage) packets.Packet {
	out := msg.Packet.Copy(false)
	out.PacketID = msg.Packet.PacketID
	out.FixedHeader.Qos = msg.Qos
	out.FixedHeader.Dup = msg.Dup && msg.Qos > 0 // [MQTT-3.3.1-2]

	if len(out.Properties.SubscriptionIdentifier) > 1 {
		sort.Ints(out.Properties.SubscriptionIdentifier)
	}

	if cl.Properties.ProtocolVersion < 5 {
		return out
	}

	if out.Properties.MessageExpiryInterval > 0 && out.Expiry > 0 {
		remaining := out.Expiry - time.Now().Unix()
		if remaining < 1 {
			remaining = 1
		}
		out.Properties.MessageExpiryInterval = uint32(remaining) // [MQTT-3.3.2-6]
	}

	if alias, exists := cl.TopicAliases.Outbound.Set(out.TopicName); alias > 0 {
		out.Properties.TopicAlias = alias
		out.Properties.TopicAliasFlag = true
		if exists {
			out.TopicName = ""
		}
	}

	return out
}
