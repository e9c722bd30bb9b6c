// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/mqttkit/engine/packets"
)

// RetainedMessages holds the last retained message for each topic. Every
// mutation and the resulting persistence happen under the same lock, so the
// persisted set never diverges from the in-memory set.
type RetainedMessages struct {
	internal map[string]packets.Packet
	persist  func(pks []packets.Packet)
	sync.Mutex
}

// NewRetainedMessages returns a new instance of RetainedMessages. persist may be nil.
func NewRetainedMessages(persist func(pks []packets.Packet)) *RetainedMessages {
	return &RetainedMessages{
		internal: map[string]packets.Packet{},
		persist:  persist,
	}
}

// Set stores or clears the retained message for the packet topic, returning
// true if the retained set changed. An empty payload deletes any existing
// message; with no existing message it is a no-op. [MQTT-3.3.1-6] [MQTT-3.3.1-7]
func (r *RetainedMessages) Set(pk packets.Packet) bool {
	r.Lock()
	defer r.Unlock()

	existing, ok := r.internal[pk.TopicName]
	if len(pk.Payload) == 0 {
		if !ok {
			return false
		}

		delete(r.internal, pk.TopicName)
		r.save(pk.TopicName)
		return true
	}

	if ok && existing.FixedHeader.Qos == pk.FixedHeader.Qos && bytes.Equal(existing.Payload, pk.Payload) {
		return false
	}

	stored := pk.Copy(false)
	stored.FixedHeader.Retain = true
	r.internal[pk.TopicName] = stored
	r.save(pk.TopicName)

	return true
}

// save persists the full retained set. System topics are broker generated and
// republished on every tick, so changes to them are not written to storage.
func (r *RetainedMessages) save(topic string) {
	if r.persist == nil || strings.HasPrefix(topic, SysPrefix) {
		return
	}

	r.persist(r.persistable())
}

// persistable returns the retained messages which should be written to storage.
func (r *RetainedMessages) persistable() []packets.Packet {
	pks := make([]packets.Packet, 0, len(r.internal))
	for topic, pk := range r.internal {
		if strings.HasPrefix(topic, SysPrefix) {
			continue
		}
		pks = append(pks, pk)
	}

	sort.Slice(pks, func(i, j int) bool {
		return pks[i].TopicName < pks[j].TopicName
	})

	return pks
}

// Get returns the retained message for a topic, if one exists.
func (r *RetainedMessages) Get(topic string) (packets.Packet, bool) {
	r.Lock()
	defer r.Unlock()
	pk, ok := r.internal[topic]
	return pk, ok
}

// GetMatching returns a copy of every retained message whose topic matches
// any of the filters, ordered by topic.
func (r *RetainedMessages) GetMatching(filters ...string) []packets.Packet {
	r.Lock()
	defer r.Unlock()

	var pks []packets.Packet
	for topic, pk := range r.internal {
		for _, filter := range filters {
			if MatchTopic(filter, topic) {
				pks = append(pks, pk.Copy(false))
				break
			}
		}
	}

	sort.Slice(pks, func(i, j int) bool {
		return pks[i].TopicName < pks[j].TopicName
	})

	return pks
}

// GetAll returns all retained messages keyed by topic.
func (r *RetainedMessages) GetAll() map[string]packets.Packet {
	r.Lock()
	defer r.Unlock()
	m := make(map[string]packets.Packet, len(r.internal))
	for k, v := range r.internal {
		m[k] = v
	}
	return m
}

// Len returns the number of retained messages.
func (r *RetainedMessages) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.internal)
}

// Clear removes all retained messages and persists the empty set.
func (r *RetainedMessages) Clear() {
	r.Lock()
	defer r.Unlock()
	r.internal = map[string]packets.Packet{}
	if r.persist != nil {
		r.persist([]packets.Packet{})
	}
}

// Load adds previously stored messages to the retained set without persisting
// them again.
func (r *RetainedMessages) Load(pks []packets.Packet) {
	r.Lock()
	defer r.Unlock()
	for _, pk := range pks {
		if len(pk.Payload) == 0 {
			continue
		}
		pk.FixedHeader.Retain = true
		r.internal[pk.TopicName] = pk
	}
}

// ClearExpired deletes retained messages whose expiry is before now (unix
// seconds), returning the topics which were removed.
func (r *RetainedMessages) ClearExpired(now int64) []string {
	r.Lock()
	defer r.Unlock()

	var topics []string
	for topic, pk := range r.internal {
		if pk.Expiry > 0 && pk.Expiry < now {
			delete(r.internal, topic)
			topics = append(topics, topic)
		}
	}

	if len(topics) > 0 && r.persist != nil {
		r.persist(r.persistable())
	}

	sort.Strings(topics)
	return topics
}
