// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mqttkit/engine/packets"
)

// processPacket processes an inbound packet for a client. Since the method is
// typically called as a goroutine, errors are primarily for test checking purposes.
func (s *Server) processPacket(cl *Connection, sess *Session, pk packets.Packet) error {
	var err error

	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
	case packets.Disconnect:
		err = s.processDisconnect(cl, sess, pk)
	case packets.Pingreq:
		err = s.processPingreq(cl)
	case packets.Publish:
		code := pk.PublishValidate(s.Options.Capabilities.TopicAliasMaximum)
		if code != packets.CodeSuccess {
			return code
		}
		err = s.processPublish(cl, sess, pk)
	case packets.Puback:
		sess.Inflight.Resolve(pk) // an unknown id is ignored
	case packets.Pubrec:
		err = s.processPubrec(cl, sess, pk)
	case packets.Pubrel:
		err = s.processPubrel(cl, sess, pk)
	case packets.Pubcomp:
		sess.Inflight.Resolve(pk)
	case packets.Subscribe:
		code := pk.SubscribeValidate()
		if code != packets.CodeSuccess {
			return code
		}
		err = s.processSubscribe(cl, sess, pk)
	case packets.Unsubscribe:
		code := pk.UnsubscribeValidate()
		if code != packets.CodeSuccess {
			return code
		}
		err = s.processUnsubscribe(cl, sess, pk)
	case packets.Auth:
		err = packets.ErrBadAuthenticationMethod // enhanced authentication is not supported
	default:
		return fmt.Errorf("no valid packet available; %v", pk.FixedHeader.Type)
	}

	return err
}

// processPingreq processes a Pingreq packet.
func (s *Server) processPingreq(cl *Connection) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}

// processDisconnect processes a Disconnect packet. A normal disconnect removes
// the will message; a disconnect with will message leaves it to be sent.
func (s *Server) processDisconnect(cl *Connection, sess *Session, pk packets.Packet) error {
	if pk.Properties.SessionExpiryIntervalFlag {
		if pk.Properties.SessionExpiryInterval > 0 && cl.Properties.Props.SessionExpiryInterval == 0 {
			return packets.ErrProtocolViolationZeroNonZeroExpiry // [MQTT-3.14.2-2]
		}

		expiry := pk.Properties.SessionExpiryInterval
		if expiry > s.Options.Capabilities.MaximumSessionExpiryInterval {
			expiry = s.Options.Capabilities.MaximumSessionExpiryInterval
		}

		if !s.Options.DisablePersistentSessions {
			sess.SetExpiryInterval(expiry)
		}
	}

	if pk.ReasonCode == packets.CodeDisconnectWillMessage.Code { // [MQTT-3.1.2.5] Non-normative comment
		cl.Stop(packets.CodeDisconnectWillMessage)
		return nil
	}

	cl.cleanDisconnect.Store(true)
	sess.ClearWill()                // [MQTT-3.1.2-10]
	cl.Stop(packets.CodeDisconnect) // [MQTT-3.14.4-2]

	return nil
}

// buildAck builds a standardised ack message for Puback, Pubrec, Pubrel, Pubcomp packets.
func (s *Server) buildAck(packetID uint16, pkt, qos byte, properties packets.Properties, reason packets.Code) packets.Packet {
	if s.Options.Capabilities.Compatibilities.NoInheritedPropertiesOnAck {
		properties = packets.Properties{}
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: pkt,
			Qos:  qos,
		},
		PacketID:   packetID,    // [MQTT-2.2.1-5]
		ReasonCode: reason.Code, // [MQTT-3.4.2-1]
		Properties: packets.Properties{
			User: properties.User,
		},
	}

	if reason.Code >= packets.ErrUnspecifiedError.Code {
		ack.Properties.ReasonString = reason.Reason
	}

	return ack
}

// refusalCode returns the reason code sent for a refused publish or
// subscription. A refusal without a failure code is reported as not authorized.
func (s *Server) refusalCode(code packets.Code) packets.Code {
	if code.Code < packets.ErrUnspecifiedError.Code {
		code = packets.ErrNotAuthorized
	}

	if code == packets.ErrNotAuthorized && s.Options.Capabilities.Compatibilities.ObscureNotAuthorized {
		code = packets.ErrUnspecifiedError
	}

	return code
}

// processPublish processes a Publish packet from a client, routing it to the
// matching sessions and acknowledging it according to its qos.
func (s *Server) processPublish(cl *Connection, sess *Session, pk packets.Packet) error {
	caps := s.Options.Capabilities

	if cl.Properties.ProtocolVersion == 5 && pk.Properties.TopicAlias > 0 {
		pk.TopicName = cl.TopicAliases.Inbound.Set(pk.Properties.TopicAlias, pk.TopicName)
	}

	if pk.TopicName == "" || !IsValidFilter(pk.TopicName, true) {
		return packets.ErrTopicNameInvalid // [MQTT-3.3.2-1]
	}

	qos := pk.FixedHeader.Qos
	if qos > caps.MaximumQos {
		if cl.Properties.ProtocolVersion == 5 {
			return packets.ErrQosNotSupported // [MQTT-3.2.2-11]
		}
		pk.FixedHeader.Qos = caps.MaximumQos
	}

	if pk.FixedHeader.Retain && caps.RetainAvailable == 0 {
		return packets.ErrRetainNotSupported // [MQTT-3.2.2-14]
	}

	if qos == 2 && sess.Received.Has(pk.PacketID) {
		// a resent publish which has already been routed is only acknowledged
		return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubrec, 0, pk.Properties, packets.CodeSuccess)) // [MQTT-4.3.3-9]
	}

	if qos == 2 && sess.Received.Len() >= int(caps.ReceiveMaximum) {
		return packets.ErrReceiveMaximum // [MQTT-3.3.4-7] [MQTT-3.3.4-8]
	}

	pk.Origin = cl.ID
	pk.Created = time.Now().Unix()

	ctx := s.interceptPublish(sess, &pk)
	code := packets.CodeSuccess
	if ctx.AcceptMessage {
		if pk.FixedHeader.Qos > caps.MaximumQos {
			pk.FixedHeader.Qos = caps.MaximumQos
		}

		if qos == 2 {
			sess.Received.Add(pk.PacketID) // [MQTT-4.3.3-10]
		}

		if s.dispatch(pk) == 0 {
			code = packets.CodeNoMatchingSubscribers
		}
	} else {
		code = s.refusalCode(ctx.ReasonCode)
		s.Log.Debug("publish refused", "client", cl.ID, "topic", pk.TopicName, "reason", code)
	}

	var err error
	switch qos {
	case 1:
		err = cl.WritePacket(s.buildAck(pk.PacketID, packets.Puback, 0, pk.Properties, code)) // [MQTT-4.3.2-4]
	case 2:
		err = cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubrec, 0, pk.Properties, code)) // [MQTT-4.3.3-8]
	}

	if err != nil {
		return err
	}

	if ctx.CloseConnection {
		return packets.ErrAdministrativeAction
	}

	return nil
}

// processPubrec processes a Pubrec for a packet id the server is not waiting
// on. Known ids are resolved by the delivery of the message.
func (s *Server) processPubrec(cl *Connection, sess *Session, pk packets.Packet) error {
	if sess.Inflight.Resolve(pk) {
		return nil
	}

	return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubrel, 1, pk.Properties, packets.ErrPacketIdentifierNotFound)) // [MQTT-4.3.3-7]
}

// processPubrel processes a Pubrel packet, ending an inbound qos 2 exchange.
func (s *Server) processPubrel(cl *Connection, sess *Session, pk packets.Packet) error {
	if !sess.Received.Delete(pk.PacketID) {
		return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubcomp, 0, pk.Properties, packets.ErrPacketIdentifierNotFound))
	}

	return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubcomp, 0, pk.Properties, packets.CodeSuccess)) // [MQTT-4.3.3-11]
}

// contain runs fn, which calls user supplied code, and reports whether it
// panicked. A panic is logged and goes no further.
func (s *Server) contain(what, client string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("recovered from panic", "in", what, "client", client, "panic", r)
			panicked = true
		}
	}()

	fn()
	return false
}

// interceptPublish runs the publish interceptor for a message. The session is
// nil for messages published by the broker.
func (s *Server) interceptPublish(sess *Session, pk *packets.Packet) *PublishContext {
	ctx := &PublishContext{
		Packet:        pk,
		ReasonCode:    packets.CodeSuccess,
		AcceptMessage: true,
	}

	if sess != nil {
		ctx.Items = sess.Items()
		ctx.ClientID = sess.ID
	}

	if s.Options.PublishInterceptor != nil {
		if s.contain("publish interceptor", ctx.ClientID, func() {
			s.Options.PublishInterceptor.InterceptPublish(ctx)
		}) {
			ctx.AcceptMessage = false
			ctx.ReasonCode = packets.ErrImplementationSpecificError
		}
	}

	return ctx
}

// publishMessage runs the publish interceptor for a message published on behalf
// of a session or the broker, and routes it if accepted.
func (s *Server) publishMessage(sess *Session, pk packets.Packet) error {
	ctx := s.interceptPublish(sess, &pk)
	if !ctx.AcceptMessage {
		return s.refusalCode(ctx.ReasonCode)
	}

	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		pk.FixedHeader.Qos = s.Options.Capabilities.MaximumQos
	}

	s.dispatch(pk)
	return nil
}

// Publish publishes a message from the broker itself to every matching
// subscription. The message passes the publish interceptor like any other.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if !IsValidFilter(topic, true) || topic == "" {
		return packets.ErrTopicNameInvalid
	}

	if qos > 2 {
		return packets.ErrProtocolViolationQosOutOfRange
	}

	return s.publishMessage(nil, packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	})
}

// dispatch retains (if flagged) and routes an accepted message, returning the
// number of subscribers it was delivered to.
func (s *Server) dispatch(pk packets.Packet) int {
	s.stampExpiry(&pk)

	if pk.FixedHeader.Retain && s.Options.Capabilities.RetainAvailable > 0 {
		s.retainMessage(pk) // [MQTT-3.3.1-5]
	}

	n := s.publishToSubscribers(pk)
	if n == 0 {
		atomic.AddInt64(&s.Info.MessagesUndelivered, 1)
		s.hooks.OnUndelivered(pk)
	}

	s.hooks.OnPublished(pk)

	return n
}

// stampExpiry sets the creation time and the absolute expiry of a message.
// Messages without an expiry interval expire after the maximum message expiry.
func (s *Server) stampExpiry(pk *packets.Packet) {
	if pk.Created == 0 {
		pk.Created = time.Now().Unix()
	}

	limit := s.Options.Capabilities.MaximumMessageExpiryInterval
	interval := int64(pk.Properties.MessageExpiryInterval)
	if interval == 0 || (limit > 0 && interval > limit) {
		interval = limit
	}

	pk.Expiry = 0
	if interval > 0 {
		pk.Expiry = pk.Created + interval
	}
}

// retainMessage adds or removes a message from the retained messages.
func (s *Server) retainMessage(pk packets.Packet) {
	if !s.Retained.Set(pk) {
		return
	}

	r := int64(1)
	if len(pk.Payload) == 0 {
		r = -1
	}

	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
	s.hooks.OnRetainMessage(pk, r)
}

// publishToSubscribers queues a message for every session with a matching
// subscription, selecting one member of each shared group, and calls any
// matching inline subscriptions. It returns the number of recipients.
func (s *Server) publishToSubscribers(pk packets.Packet) int {
	subscribers := s.Topics.Subscribers(pk.TopicName)
	if len(subscribers.Shared) > 0 {
		subscribers = s.hooks.OnSelectSubscribers(subscribers, pk)
		if len(subscribers.SharedSelected) == 0 {
			subscribers.SelectShared()
		}
		subscribers.MergeSharedSelected()
	}

	n := 0
	if s.Options.InlineClient {
		n += s.inline.publish(pk)
	}

	for id, sub := range subscribers.Subscriptions {
		sess, ok := s.Sessions.Get(id)
		if !ok {
			continue
		}

		if sub.NoLocal && pk.Origin == id {
			continue // [MQTT-3.8.3-3]
		}

		qos := s.deliveryQos(sub, pk.FixedHeader.Qos)

		out := pk.Copy(false)
		out.FixedHeader.Qos = qos
		out.FixedHeader.Retain = pk.FixedHeader.Retain && sub.RetainAsPublished // [MQTT-3.3.1-12] [MQTT-3.3.1-13]
		out.Properties.SubscriptionIdentifier = subscriptionIdentifiers(sub) // [MQTT-3.3.4-3] [MQTT-3.3.4-4] [MQTT-3.3.4-5]

		s.enqueue(sess, QueuedMessage{
			Packet: out,
			Sender: pk.Origin,
			Qos:    qos,
		})
		n++
	}

	return n
}

// deliveryQos returns the qos a message published at publishQos is queued
// with for a matched subscription, bounded by the server maximum.
func (s *Server) deliveryQos(sub packets.Subscription, publishQos byte) byte {
	qos := EffectiveQos(sub, publishQos)
	if s.Options.Capabilities.Compatibilities.CapQosToPublish && qos > publishQos {
		qos = publishQos
	}

	if qos > s.Options.Capabilities.MaximumQos {
		qos = s.Options.Capabilities.MaximumQos
	}
	return qos
}

// subscriptionIdentifiers returns the identifiers of a (merged) subscription
// in ascending order.
func subscriptionIdentifiers(sub packets.Subscription) []int {
	var ids []int
	for _, id := range sub.Identifiers {
		if id > 0 {
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 && sub.Identifier > 0 {
		ids = append(ids, sub.Identifier)
	}

	sort.Ints(ids)
	return ids
}

// enqueue adds a message to a session's queue under the session's overflow
// policy. A blocking queue waits for space for up to the communication timeout
// while the session is connected, and not at all while it is detached. It
// returns true if the message was queued.
func (s *Server) enqueue(sess *Session, msg QueuedMessage) bool {
	ctx := context.Background()
	if sess.Queue.Strategy() == Block {
		wait := s.Options.DefaultCommunicationTimeout
		if !sess.IsConnected() {
			wait = 0
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	dropped, err := sess.Queue.Enqueue(ctx, msg)
	if dropped == nil {
		atomic.AddInt64(&s.Info.MessagesQueued, 1)
		return true
	}

	s.dropMessage(sess, *dropped)
	return sess.Queue.Strategy() == DropOldestQueuedMessage && err == nil
}

// dropMessage accounts for a message discarded by a queue overflow policy.
func (s *Server) dropMessage(sess *Session, msg QueuedMessage) {
	if msg.Packet.PacketID > 0 {
		sess.PacketIDs.Release(msg.Packet.PacketID)
	}

	atomic.AddInt64(&s.Info.MessagesDropped, 1)
	s.Log.Debug("message dropped", "client", sess.ID, "topic", msg.Packet.TopicName, "strategy", sess.Queue.Strategy())
	s.hooks.OnPublishDropped(sess, msg.Packet)
}

// interceptSubscription runs the subscription interceptor for a filter,
// returning the (possibly modified) subscription and the reason code if it
// was refused.
func (s *Server) interceptSubscription(sess *Session, sub packets.Subscription) (*SubscriptionContext, packets.Code) {
	ctx := &SubscriptionContext{
		Items:               sess.Items(),
		ClientID:            sess.ID,
		Subscription:        sub,
		ReasonCode:          packets.CodeSuccess,
		ProcessSubscription: true,
	}

	if s.Options.SubscriptionInterceptor != nil {
		if s.contain("subscription interceptor", sess.ID, func() {
			s.Options.SubscriptionInterceptor.InterceptSubscription(ctx)
		}) {
			ctx.ProcessSubscription = false
			ctx.ReasonCode = packets.ErrImplementationSpecificError
		}
	}

	if !ctx.ProcessSubscription {
		return ctx, s.refusalCode(ctx.ReasonCode)
	}

	return ctx, packets.CodeSuccess
}

// subscriptionCode returns the reason a filter cannot be subscribed to under
// the server capabilities, or success.
func (s *Server) subscriptionCode(sub packets.Subscription) packets.Code {
	caps := s.Options.Capabilities
	shared := IsSharedFilter(sub.Filter)

	switch {
	case !IsValidFilter(sub.Filter, false):
		return packets.ErrTopicFilterInvalid // [MQTT-4.7.3-1]
	case sub.NoLocal && shared:
		return packets.ErrProtocolViolationInvalidSharedNoLocal // [MQTT-3.8.3-4]
	case shared && caps.SharedSubAvailable == 0:
		return packets.ErrSharedSubscriptionsNotSupported
	case caps.WildcardSubAvailable == 0 && strings.ContainsAny(sub.Filter, "+#"):
		return packets.ErrWildcardSubscriptionsNotSupported
	case caps.SubIDAvailable == 0 && sub.Identifier > 0:
		return packets.ErrSubscriptionIdentifiersNotSupported
	}

	return packets.CodeSuccess
}

// processSubscribe processes a Subscribe packet, then replays the retained
// messages matching each accepted filter.
func (s *Server) processSubscribe(cl *Connection, sess *Session, pk packets.Packet) error {
	existed := make([]bool, len(pk.Filters))
	accepted := make([]packets.Subscription, len(pk.Filters))
	reasonCodes := make([]byte, len(pk.Filters))
	closeConnection := false

	for i, sub := range pk.Filters {
		code := s.subscriptionCode(sub)
		if code == packets.CodeSuccess {
			var ctx *SubscriptionContext
			ctx, code = s.interceptSubscription(sess, sub)
			closeConnection = closeConnection || ctx.CloseConnection
			sub = ctx.Subscription
			if code == packets.CodeSuccess {
				code = s.subscriptionCode(sub)
			}
		}

		if code != packets.CodeSuccess {
			reasonCodes[i] = code.Code
		} else {
			if sub.Qos > s.Options.Capabilities.MaximumQos {
				sub.Qos = s.Options.Capabilities.MaximumQos // [MQTT-3.2.2-9]
			}

			isNew := s.Topics.Subscribe(sess.ID, sub) // [MQTT-3.8.4-3]
			if isNew {
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
			sess.Subscriptions.Add(sub.Filter, sub) // [MQTT-3.2.2-10]

			existed[i] = !isNew
			accepted[i] = sub
			reasonCodes[i] = sub.Qos // [MQTT-3.9.3-1] [MQTT-3.8.4-7]
		}

		if reasonCodes[i] > packets.CodeGrantedQos2.Code && cl.Properties.ProtocolVersion < 5 { // MQTT3
			reasonCodes[i] = packets.ErrUnspecifiedError.Code
		}
	}

	ack := packets.Packet{ // [MQTT-3.8.4-1] [MQTT-3.8.4-5]
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.2.1-6] [MQTT-3.8.4-2]
		ReasonCodes: reasonCodes, // [MQTT-3.8.4-6]
		Properties: packets.Properties{
			User: pk.Properties.User,
		},
	}

	s.hooks.OnSubscribed(sess, pk, reasonCodes)
	if err := cl.WritePacket(ack); err != nil {
		return err
	}

	for i, sub := range accepted { // [MQTT-3.3.1-9]
		if reasonCodes[i] >= packets.ErrUnspecifiedError.Code {
			continue
		}

		s.publishRetainedToSession(sess, sub, existed[i])
	}

	if closeConnection {
		return packets.ErrAdministrativeAction
	}

	return nil
}

// publishRetainedToSession queues the retained messages matching a new
// subscription, according to its retain handling option. Shared subscriptions
// never receive retained messages.
func (s *Server) publishRetainedToSession(sess *Session, sub packets.Subscription, existed bool) {
	if IsSharedFilter(sub.Filter) {
		return // 4.8.2 Non-normative - Shared Subscriptions - No Retained Messages are sent to the Session when it first subscribes.
	}

	if sub.RetainHandling == 1 && existed || sub.RetainHandling == 2 { // [MQTT-3.3.1-10] [MQTT-3.3.1-11]
		return
	}

	now := time.Now().Unix()
	for _, pk := range s.Retained.GetMatching(sub.Filter) {
		if pk.Expiry > 0 && pk.Expiry < now {
			continue
		}

		qos := s.deliveryQos(sub, pk.FixedHeader.Qos)
		pk.FixedHeader.Qos = qos
		pk.FixedHeader.Retain = true // [MQTT-3.3.1-8]
		pk.Properties.SubscriptionIdentifier = nil
		if sub.Identifier > 0 {
			pk.Properties.SubscriptionIdentifier = []int{sub.Identifier}
		}

		s.enqueue(sess, QueuedMessage{
			Packet:   pk,
			Sender:   pk.Origin,
			Qos:      qos,
			Retained: true,
		})
	}
}

// interceptUnsubscription runs the unsubscription interceptor for a filter.
func (s *Server) interceptUnsubscription(sess *Session, filter string) *UnsubscriptionContext {
	ctx := &UnsubscriptionContext{
		Items:                 sess.Items(),
		ClientID:              sess.ID,
		Filter:                filter,
		ReasonCode:            packets.CodeSuccess,
		ProcessUnsubscription: true,
	}

	if s.Options.UnsubscriptionInterceptor != nil {
		if s.contain("unsubscription interceptor", sess.ID, func() {
			s.Options.UnsubscriptionInterceptor.InterceptUnsubscription(ctx)
		}) {
			ctx.ProcessUnsubscription = false
			ctx.ReasonCode = packets.ErrImplementationSpecificError
		}
	}

	return ctx
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Connection, sess *Session, pk packets.Packet) error {
	reasonCodes := make([]byte, len(pk.Filters))
	closeConnection := false

	for i, sub := range pk.Filters { // [MQTT-3.10.4-6] [MQTT-3.11.3-1]
		ctx := s.interceptUnsubscription(sess, sub.Filter)
		closeConnection = closeConnection || ctx.CloseConnection
		if !ctx.ProcessUnsubscription {
			reasonCodes[i] = s.refusalCode(ctx.ReasonCode).Code
			continue
		}

		if s.Topics.Unsubscribe(ctx.Filter, sess.ID) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
			reasonCodes[i] = packets.CodeSuccess.Code
		} else {
			reasonCodes[i] = packets.CodeNoSubscriptionExisted.Code
		}

		sess.Subscriptions.Delete(ctx.Filter) // [MQTT-3.10.4-2] ~[MQTT-3.10.4-3]
	}

	ack := packets.Packet{ // [MQTT-3.10.4-4]
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.2.1-6]  [MQTT-3.10.4-5]
		ReasonCodes: reasonCodes, // [MQTT-3.11.3-2]
		Properties: packets.Properties{
			User: pk.Properties.User,
		},
	}

	s.hooks.OnUnsubscribed(sess, pk)
	if err := cl.WritePacket(ack); err != nil {
		return err
	}

	if closeConnection {
		return packets.ErrAdministrativeAction
	}

	return nil
}

// unsubscribeSession removes every subscription of a session from the index.
func (s *Server) unsubscribeSession(sess *Session) {
	subs := sess.Subscriptions.GetAll()
	if len(subs) == 0 {
		return
	}

	filters := make([]packets.Subscription, 0, len(subs))
	for filter, sub := range subs {
		if s.Topics.Unsubscribe(filter, sess.ID) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
		sess.Subscriptions.Delete(filter)
		filters = append(filters, sub)
	}

	s.hooks.OnUnsubscribed(sess, packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsubscribe,
		},
		Filters: filters,
	})
}
