// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"math/bits"
	"strings"
	"sync"

	xh "github.com/cespare/xxhash/v2"

	"github.com/mqttkit/engine/packets"
)

var (
	SharePrefix = "$SHARE" // the prefix indicating a share topic
	SysPrefix   = "$SYS"   // the prefix indicating a system info topic
)

const hashLevels = 8 // the number of topic levels covered by the prefilter hash

// TopicAliases contains inbound and outbound topic alias registrations.
type TopicAliases struct {
	Inbound  *InboundTopicAliases
	Outbound *OutboundTopicAliases
}

// NewTopicAliases returns an instance of TopicAliases.
func NewTopicAliases(topicAliasMaximum uint16) TopicAliases {
	return TopicAliases{
		Inbound:  NewInboundTopicAliases(topicAliasMaximum),
		Outbound: NewOutboundTopicAliases(topicAliasMaximum),
	}
}

// NewInboundTopicAliases returns a pointer to InboundTopicAliases.
func NewInboundTopicAliases(topicAliasMaximum uint16) *InboundTopicAliases {
	return &InboundTopicAliases{
		maximum:  topicAliasMaximum,
		internal: map[uint16]string{},
	}
}

// InboundTopicAliases resolves the topic aliases registered by the client.
type InboundTopicAliases struct {
	internal map[uint16]string
	sync.Mutex
	maximum uint16
}

// Set sets a new alias for a specific topic. If the topic is empty, the topic
// previously registered for the alias is returned instead.
func (a *InboundTopicAliases) Set(id uint16, topic string) string {
	a.Lock()
	defer a.Unlock()

	if a.maximum == 0 {
		return topic
	}

	if existing, ok := a.internal[id]; ok && topic == "" {
		return existing
	}

	a.internal[id] = topic
	return topic
}

// OutboundTopicAliases assigns aliases to topics sent to the client, in
// order from 1 until the client's maximum is reached.
type OutboundTopicAliases struct {
	internal map[string]uint16
	sync.Mutex
	next    uint16
	maximum uint16
}

// NewOutboundTopicAliases returns a pointer to OutboundTopicAliases.
func NewOutboundTopicAliases(topicAliasMaximum uint16) *OutboundTopicAliases {
	return &OutboundTopicAliases{
		maximum:  topicAliasMaximum,
		internal: map[string]uint16{},
	}
}

// Set sets a new topic alias for a topic and returns the alias value, and a boolean
// indicating if the alias already existed.
func (a *OutboundTopicAliases) Set(topic string) (uint16, bool) {
	a.Lock()
	defer a.Unlock()

	if a.maximum == 0 {
		return 0, false
	}

	if i, ok := a.internal[topic]; ok {
		return i, true
	}

	if a.next >= a.maximum {
		return 0, false
	}

	a.next++
	a.internal[topic] = a.next
	return a.next, false
}

// Subscriptions is a map of subscriptions keyed on client id (within the index)
// or on filter (within a session).
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds a new subscription, replacing any existing subscription with the same key.
func (s *Subscriptions) Add(id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[id] = val
}

// GetAll returns all subscriptions.
func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := make(map[string]packets.Subscription, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Get returns a subscription for a specific client or filter id.
func (s *Subscriptions) Get(id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by client or filter id.
func (s *Subscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// Subscribers contains the shared and non-shared subscribers matching a topic.
type Subscribers struct {
	Shared         map[string]map[string]packets.Subscription
	SharedSelected map[string]packets.Subscription
	Subscriptions  map[string]packets.Subscription
}

// SelectShared selects one subscriber for each shared subscription group.
func (s *Subscribers) SelectShared() {
	s.SharedSelected = map[string]packets.Subscription{}
	for _, subs := range s.Shared {
		for client, sub := range subs {
			cls, ok := s.SharedSelected[client]
			if !ok {
				cls = sub
			}

			s.SharedSelected[client] = cls.Merge(sub)
			break
		}
	}
}

// MergeSharedSelected merges the selected subscribers for a shared subscription group
// and the non-shared subscribers, to ensure that no subscriber gets multiple messages
// due to having both types of subscription matching the same filter.
func (s *Subscribers) MergeSharedSelected() {
	for client, sub := range s.SharedSelected {
		cls, ok := s.Subscriptions[client]
		if !ok {
			cls = sub
		}

		s.Subscriptions[client] = cls.Merge(sub)
	}
}

// EffectiveQos returns the delivery qos for a matched client, and false if the
// client is not among the subscribers.
func (s *Subscribers) EffectiveQos(client string, publishQos byte) (byte, bool) {
	sub, ok := s.Subscriptions[client]
	if !ok {
		return 0, false
	}
	return EffectiveQos(sub, publishQos), true
}

// EffectiveQos returns the qos a message published at publishQos should be
// delivered with for a (possibly merged) subscription: the publish qos if it
// is one of the matched subscription qos levels, otherwise the single matched
// level, otherwise the highest matched level.
func EffectiveQos(sub packets.Subscription, publishQos byte) byte {
	levels := sub.QosLevels
	if levels == 0 {
		levels = 1 << sub.Qos
	}

	switch {
	case levels&(1<<publishQos) > 0:
		return publishQos
	case bits.OnesCount8(levels) == 1:
		return byte(bits.TrailingZeros8(levels))
	default:
		return byte(7 - bits.LeadingZeros8(levels))
	}
}

// TopicsIndex is a trie of topic filter levels holding the client ids
// subscribed at each filter. Sessions are resolved by the server.
type TopicsIndex struct {
	root         *node
	sync.RWMutex // structural changes are exclusive, matching is shared
}

// node is a single filter level in the index.
type node struct {
	key      string
	parent   *node
	children map[string]*node
	subs     map[string]packets.Subscription            // client id
	shared   map[string]map[string]packets.Subscription // share group, then client id
}

func newNode(key string, parent *node) *node {
	return &node{
		key:      key,
		parent:   parent,
		children: map[string]*node{},
		subs:     map[string]packets.Subscription{},
		shared:   map[string]map[string]packets.Subscription{},
	}
}

func (n *node) empty() bool {
	return len(n.children)+len(n.subs)+len(n.shared) == 0
}

// NewTopicsIndex returns an empty index.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		root: newNode("", nil),
	}
}

// filterPath splits a filter into the levels it is indexed under, and the
// share group if it is a shared filter.
func filterPath(filter string) (levels []string, group string) {
	levels = strings.Split(filter, "/")
	if IsSharedFilter(filter) && len(levels) > 2 {
		return levels[2:], levels[1]
	}
	return levels, ""
}

// Subscribe adds a new subscription for a client to a topic filter, returning
// true if the subscription was new. An existing subscription is replaced.
func (x *TopicsIndex) Subscribe(client string, subscription packets.Subscription) bool {
	x.Lock()
	defer x.Unlock()

	levels, group := filterPath(subscription.Filter)
	n := x.root
	for _, key := range levels {
		child, ok := n.children[key]
		if !ok {
			child = newNode(key, n)
			n.children[key] = child
		}
		n = child
	}

	subs := n.subs
	if group != "" {
		if subs = n.shared[group]; subs == nil {
			subs = map[string]packets.Subscription{}
			n.shared[group] = subs
		}
	}

	_, existed := subs[client]
	subs[client] = subscription
	return !existed
}

// Unsubscribe removes a subscription filter for a client, returning true if the
// subscription existed. Levels left without subscriptions are removed.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.Lock()
	defer x.Unlock()

	levels, group := filterPath(filter)
	n := x.find(levels)
	if n == nil {
		return false
	}

	subs := n.subs
	if group != "" {
		subs = n.shared[group]
	}

	_, existed := subs[client]
	delete(subs, client)
	if group != "" && len(subs) == 0 {
		delete(n.shared, group)
	}

	for n.parent != nil && n.empty() {
		delete(n.parent.children, n.key)
		n = n.parent
	}

	return existed
}

// find returns the node for a filter path, or nil.
func (x *TopicsIndex) find(levels []string) *node {
	n := x.root
	for _, key := range levels {
		if n = n.children[key]; n == nil {
			return nil
		}
	}
	return n
}

// Subscribers returns the clients who are subscribed to filters matching the
// topic, with their merged subscriptions (identifiers and matched qos levels).
func (x *TopicsIndex) Subscribers(topic string) *Subscribers {
	subs := &Subscribers{
		Shared:         map[string]map[string]packets.Subscription{},
		SharedSelected: map[string]packets.Subscription{},
		Subscriptions:  map[string]packets.Subscription{},
	}

	if len(topic) == 0 {
		return subs
	}

	x.RLock()
	defer x.RUnlock()
	x.scan(topic, strings.Split(topic, "/"), x.root, subs)
	return subs
}

// scan walks the exact and single level wildcard children of n for the
// remaining topic levels, gathering from any multi level wildcard on the way.
func (x *TopicsIndex) scan(topic string, levels []string, n *node, subs *Subscribers) {
	if wild := n.children["#"]; wild != nil { // # matches the remainder, including nothing
		gather(topic, wild, subs)
	}

	key, rest := levels[0], levels[1:]
	keys := []string{key, "+"}
	if key == "+" || key == "#" {
		keys = keys[1:] // wildcard characters in a topic name are literals, and only reachable by +
	}

	for _, k := range keys {
		child := n.children[k]
		if child == nil {
			continue
		}

		if len(rest) > 0 {
			x.scan(topic, rest, child, subs)
			continue
		}

		gather(topic, child, subs)
		if wild := child.children["#"]; wild != nil { // filter/# also matches filter [MQTT-4.7.1-2]
			gather(topic, wild, subs)
		}
	}
}

// gather collects the subscriptions held at n, merging identifiers and qos
// levels for clients matched by more than one filter.
func gather(topic string, n *node, subs *Subscribers) {
	for client, sub := range n.subs {
		if excludedBySysRule(sub.Filter, topic) {
			continue
		}

		cls, ok := subs.Subscriptions[client]
		if !ok {
			cls = sub
		}
		subs.Subscriptions[client] = cls.Merge(sub)
	}

	for _, group := range n.shared {
		for client, sub := range group {
			if excludedBySysRule(sharedFilterTopic(sub.Filter), topic) {
				continue
			}

			if _, ok := subs.Shared[sub.Filter]; !ok {
				subs.Shared[sub.Filter] = map[string]packets.Subscription{}
			}
			subs.Shared[sub.Filter][client] = sub
		}
	}
}

// excludedBySysRule returns true if the topic begins with $ and the filter
// begins with a wildcard. [MQTT-4.7.2-1]
func excludedBySysRule(filter, topic string) bool {
	return len(filter) > 0 && len(topic) > 0 && topic[0] == '$' && (filter[0] == '+' || filter[0] == '#')
}

// MatchTopic returns true if the topic name matches the topic filter. It does
// not use the index, and is used where a full scan is acceptable.
func MatchTopic(filter, topic string) bool {
	if IsSharedFilter(filter) {
		filter = sharedFilterTopic(filter)
	}

	if len(filter) == 0 || len(topic) == 0 || excludedBySysRule(filter, topic) {
		return false
	}

	hash, mask := FilterHashMask(filter)
	if TopicHash(topic)&mask != hash {
		return false
	}

	for {
		fkey, fnext := cutParticle(filter)
		if fkey == "#" {
			return true
		}

		tkey, tnext := cutParticle(topic)
		if fkey != "+" && fkey != tkey {
			return false
		}

		if fnext == nil && tnext == nil {
			return true
		}

		if tnext == nil {
			return *fnext == "#" // sport matches sport/#
		}

		if fnext == nil {
			return false
		}

		filter, topic = *fnext, *tnext
	}
}

// cutParticle returns the first level of a topic and a pointer to the remainder,
// or nil if there are no more levels.
func cutParticle(s string) (string, *string) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s, nil
	}

	rest := s[i+1:]
	return s[:i], &rest
}

// TopicHash returns a coarse hash of a topic name, one byte per level for the
// first eight levels, with absent levels left as zero.
func TopicHash(topic string) uint64 {
	var h uint64
	for i, level := range strings.SplitN(topic, "/", hashLevels+1) {
		if i >= hashLevels {
			break
		}
		h |= uint64(levelHash(level)) << (8 * i)
	}
	return h
}

// FilterHashMask returns the hash and mask of a topic filter such that a topic
// can only match the filter if TopicHash(topic)&mask == hash. Wildcard levels
// have a zero mask, and # clears the mask for every following level.
func FilterHashMask(filter string) (hash, mask uint64) {
	levels := strings.SplitN(filter, "/", hashLevels+1)
	for i := 0; i < hashLevels; i++ {
		if i >= len(levels) {
			mask |= 0xFF << (8 * i) // a topic with more levels than the filter cannot match
			continue
		}

		switch levels[i] {
		case "#":
			return hash, mask
		case "+":
		default:
			hash |= uint64(levelHash(levels[i])) << (8 * i)
			mask |= 0xFF << (8 * i)
		}
	}

	return hash, mask
}

// levelHash folds a topic level into a non-zero byte.
func levelHash(level string) byte {
	v := xh.Sum64String(level)
	v ^= v >> 32
	v ^= v >> 16
	b := byte(v ^ v>>8)
	if b == 0 {
		b = 1 // zero is reserved for an absent level
	}
	return b
}

// sharedFilterTopic returns the filter portion of a shared subscription filter.
func sharedFilterTopic(filter string) string {
	if !IsSharedFilter(filter) {
		return filter
	}

	_, rest, _ := strings.Cut(filter, "/")
	_, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return rest
}

// IsSharedFilter returns true if the filter uses the share prefix.
func IsSharedFilter(filter string) bool {
	prefix, _, _ := strings.Cut(filter, "/")
	return strings.EqualFold(prefix, SharePrefix)
}

// IsValidFilter returns true if the filter is valid.
func IsValidFilter(filter string, forPublish bool) bool {
	if !forPublish && len(filter) == 0 { // publishing can accept zero-length topic filter if topic alias exists.
		return false // [MQTT-4.7.3-1]
	}

	if forPublish {
		if len(filter) >= len(SysPrefix) && strings.EqualFold(filter[0:len(SysPrefix)], SysPrefix) {
			// 4.7.2 Non-normative - The Server SHOULD prevent Clients from using such Topic Names [$SYS] to exchange messages with other Clients.
			return false
		}

		if strings.ContainsRune(filter, '+') || strings.ContainsRune(filter, '#') {
			return false // [MQTT-3.3.2-2]
		}
	}

	wildhash := strings.IndexRune(filter, '#')
	if wildhash >= 0 && wildhash != len(filter)-1 { // [MQTT-4.7.1-2]
		return false
	}

	if wildhash > 0 && filter[wildhash-1] != '/' {
		return false // # must occupy a whole level
	}

	for _, level := range strings.Split(filter, "/") {
		if len(level) > 1 && strings.ContainsRune(level, '+') {
			return false // + must occupy a whole level [MQTT-4.7.1-3]
		}
	}

	if IsSharedFilter(filter) {
		levels := strings.SplitN(filter, "/", 3)
		if len(levels) < 3 || levels[1] == "" {
			return false // [MQTT-4.8.2-1]
		}

		if strings.ContainsAny(levels[1], "+#") {
			return false // [MQTT-4.8.2-2]
		}
	}

	return true
}
