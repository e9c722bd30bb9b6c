// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"

	"github.com/mqttkit/engine/packets"
)

// InlineSubFn is the signature for a callback function which will be called
// when an inline subscription receives a message.
type InlineSubFn func(sub packets.Subscription, pk packets.Packet)

// InlineSubscription is a subscription made from the parent codebase, which
// receives messages by calling its handler rather than through a session.
type InlineSubscription struct {
	packets.Subscription
	Handler InlineSubFn
}

// inlineSubscriptions contains inline subscriptions keyed on filter then identifier.
type inlineSubscriptions struct {
	internal map[string]map[int]InlineSubscription
	sync.RWMutex
}

func newInlineSubscriptions() *inlineSubscriptions {
	return &inlineSubscriptions{
		internal: map[string]map[int]InlineSubscription{},
	}
}

// add adds an inline subscription, returning true if it is new.
func (s *inlineSubscriptions) add(val InlineSubscription) bool {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.internal[val.Filter]; !ok {
		s.internal[val.Filter] = map[int]InlineSubscription{}
	}

	_, ok := s.internal[val.Filter][val.Identifier]
	s.internal[val.Filter][val.Identifier] = val
	return !ok
}

// delete removes an inline subscription, returning true if it existed.
func (s *inlineSubscriptions) delete(filter string, id int) bool {
	s.Lock()
	defer s.Unlock()

	subs, ok := s.internal[filter]
	if !ok {
		return false
	}

	if _, ok := subs[id]; !ok {
		return false
	}

	delete(subs, id)
	if len(subs) == 0 {
		delete(s.internal, filter)
	}

	return true
}

// len returns the number of inline subscriptions.
func (s *inlineSubscriptions) len() int {
	s.RLock()
	defer s.RUnlock()

	n := 0
	for _, subs := range s.internal {
		n += len(subs)
	}
	return n
}

// matching returns the inline subscriptions whose filter matches a topic.
func (s *inlineSubscriptions) matching(topic string) []InlineSubscription {
	s.RLock()
	defer s.RUnlock()

	var matched []InlineSubscription
	for filter, subs := range s.internal {
		if !MatchTopic(filter, topic) {
			continue
		}

		for _, sub := range subs {
			matched = append(matched, sub)
		}
	}

	return matched
}

// publish calls the handler of each inline subscription matching the message
// topic, returning the number of handlers called.
func (s *inlineSubscriptions) publish(pk packets.Packet) int {
	matched := s.matching(pk.TopicName)
	for _, sub := range matched {
		sub.Handler(sub.Subscription, pk.Copy(false))
	}
	return len(matched)
}

// Subscribe adds an inline subscription for the specified topic filter and
// subscription identifier. The handler is called synchronously with every
// matching message, beginning with any retained messages.
func (s *Server) Subscribe(filter string, subscriptionId int, handler InlineSubFn) error {
	if !s.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	if handler == nil {
		return packets.ErrInlineSubscriptionHandlerInvalid
	}

	if !IsValidFilter(filter, false) {
		return packets.ErrTopicFilterInvalid
	}

	sub := packets.Subscription{
		Filter:     filter,
		Identifier: subscriptionId,
		Qos:        2,
	}

	s.inline.add(InlineSubscription{
		Subscription: sub,
		Handler:      handler,
	})

	if IsSharedFilter(filter) {
		return nil
	}

	for _, pk := range s.Retained.GetMatching(filter) {
		handler(sub, pk)
	}

	return nil
}

// Unsubscribe removes an inline subscription for the specified topic filter
// and subscription identifier.
func (s *Server) Unsubscribe(filter string, subscriptionId int) error {
	if !s.Options.InlineClient {
		return ErrInlineClientNotEnabled
	}

	if !IsValidFilter(filter, false) {
		return packets.ErrTopicFilterInvalid
	}

	if !s.inline.delete(filter, subscriptionId) {
		return packets.CodeNoSubscriptionExisted
	}

	return nil
}
