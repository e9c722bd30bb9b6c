// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/mqttkit/engine/packets"
	"github.com/stretchr/testify/require"
)

const (
	testGroup  = "testgroup"
	otherGroup = "other"
)

// matchCases are shared by the index and the non-indexed predicate tests.
var matchCases = []struct {
	filter  string
	topic   string
	matched bool
}{
	{filter: "a", topic: "a", matched: true},
	{filter: "a/", topic: "a", matched: false},
	{filter: "a/", topic: "a/", matched: true},
	{filter: "/a", topic: "/a", matched: true},
	{filter: "path/to/my/mqtt", topic: "path/to/my/mqtt", matched: true},
	{filter: "path/to/+/mqtt", topic: "path/to/my/mqtt", matched: true},
	{filter: "+/to/+/mqtt", topic: "path/to/my/mqtt", matched: true},
	{filter: "#", topic: "path/to/my/mqtt", matched: true},
	{filter: "+/+/+/+", topic: "path/to/my/mqtt", matched: true},
	{filter: "+/+/+/#", topic: "path/to/my/mqtt", matched: true},
	{filter: "+/+/#", topic: "path/to/my/mqtt", matched: true},
	{filter: "path/to/", topic: "path/to/my/mqtt", matched: false},
	{filter: "path/to/my", topic: "path/to/my/mqtt", matched: false},
	{filter: "path/to/my/mqtt/more", topic: "path/to/my/mqtt", matched: false},
	{filter: "sport/#", topic: "sport", matched: true},
	{filter: "sport/+", topic: "sport", matched: false},
	{filter: "sport/+", topic: "sport/", matched: true},
	{filter: "sport/+/#", topic: "sport/tennis", matched: true},
	{filter: "+/#", topic: "sport", matched: true},
	{filter: "trailing-end/#", topic: "trailing-end/", matched: true},
	{filter: "+/+", topic: "/finance", matched: true},
	{filter: "/+", topic: "/finance", matched: true},
	{filter: "+", topic: "/finance", matched: false},
	{filter: "+/prefixed", topic: "/prefixed", matched: true},
	{filter: "a/+", topic: "a/+", matched: true},
	{filter: "a/b", topic: "a/+", matched: false},
	{filter: "a/b", topic: "a/#", matched: false},
	{filter: "#", topic: "$SYS/info", matched: false},
	{filter: "+/info", topic: "$SYS/info", matched: false},
	{filter: "$SYS/#", topic: "$SYS/info", matched: true},
	{filter: "$SYS/+", topic: "$SYS/info", matched: true},
	{filter: "$SYS/info", topic: "$SYS/info", matched: true},
	{filter: "a/b/c/d/e/f/g/h/i/j", topic: "a/b/c/d/e/f/g/h/i/j", matched: true},
	{filter: "a/b/c/d/e/f/g/h/i/x", topic: "a/b/c/d/e/f/g/h/i/j", matched: false},
	{filter: "a/b/c/d/e/f/g/h", topic: "a/b/c/d/e/f/g/h/i/j", matched: false},
	{filter: "a/b/c/d/e/f/g/h/#", topic: "a/b/c/d/e/f/g/h/i/j", matched: true},
}

func TestNewSubscriptions(t *testing.T) {
	s := NewSubscriptions()
	require.NotNil(t, s.internal)
}

func TestSubscriptionsAdd(t *testing.T) {
	s := NewSubscriptions()
	s.Add("cl1", packets.Subscription{})
	require.Contains(t, s.internal, "cl1")
}

func TestSubscriptionsGet(t *testing.T) {
	s := NewSubscriptions()
	s.Add("cl1", packets.Subscription{Qos: 2})
	s.Add("cl2", packets.Subscription{Qos: 1})

	sub, ok := s.Get("cl2")
	require.True(t, ok)
	require.Equal(t, byte(1), sub.Qos)

	_, ok = s.Get("cl3")
	require.False(t, ok)
}

func TestSubscriptionsGetAll(t *testing.T) {
	s := NewSubscriptions()
	s.Add("cl1", packets.Subscription{Qos: 0})
	s.Add("cl2", packets.Subscription{Qos: 1})
	s.Add("cl3", packets.Subscription{Qos: 2})
	require.Len(t, s.GetAll(), 3)
	require.Equal(t, 3, s.Len())
}

func TestSubscriptionsReplace(t *testing.T) {
	s := NewSubscriptions()
	s.Add("a/b", packets.Subscription{Filter: "a/b", Qos: 0})
	s.Add("a/b", packets.Subscription{Filter: "a/b", Qos: 2})
	require.Equal(t, 1, s.Len())
	sub, _ := s.Get("a/b")
	require.Equal(t, byte(2), sub.Qos)
}

func TestSubscriptionsDelete(t *testing.T) {
	s := NewSubscriptions()
	s.Add("cl1", packets.Subscription{Qos: 1})
	s.Delete("cl1")
	_, ok := s.Get("cl1")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func nodeAt(index *TopicsIndex, filter string) *node {
	levels, _ := filterPath(filter)
	return index.find(levels)
}

func TestNewTopicsIndex(t *testing.T) {
	index := NewTopicsIndex()
	require.NotNil(t, index)
	require.NotNil(t, index.root)
	require.Equal(t, 0, len(index.root.children))
}

func TestSubscribe(t *testing.T) {
	tt := []struct {
		desc   string
		client string
		filter string
		subs   []string
	}{
		{desc: "simple", client: "cl1", filter: "a/b/c", subs: []string{"a", "b", "c"}},
		{desc: "wildcard single", client: "cl1", filter: "a/+/c", subs: []string{"a", "+", "c"}},
		{desc: "wildcard multi", client: "cl1", filter: "a/#", subs: []string{"a", "#"}},
		{desc: "leading slash", client: "cl1", filter: "/a/b", subs: []string{"", "a", "b"}},
		{desc: "sys", client: "cl1", filter: "$SYS/uptime", subs: []string{"$SYS", "uptime"}},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			index := NewTopicsIndex()
			require.True(t, index.Subscribe(tx.client, packets.Subscription{Filter: tx.filter}))

			n := index.root
			for _, key := range tx.subs {
				n = n.children[key]
				require.NotNil(t, n, key)
			}

			require.Len(t, n.subs, 1)
			require.Contains(t, n.subs, tx.client)
		})
	}
}

func TestSubscribeReplaces(t *testing.T) {
	index := NewTopicsIndex()
	require.True(t, index.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 0}))
	require.False(t, index.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 2}))

	subs := index.Subscribers("a/b")
	require.Len(t, subs.Subscriptions, 1)
	require.Equal(t, byte(2), subs.Subscriptions["cl1"].Qos)
}

func TestSubscribeShared(t *testing.T) {
	index := NewTopicsIndex()
	filter := SharePrefix + "/" + testGroup + "/a/b/c"
	require.True(t, index.Subscribe("cl1", packets.Subscription{Filter: filter, Qos: 1}))
	require.False(t, index.Subscribe("cl1", packets.Subscription{Filter: filter, Qos: 2}))

	n := nodeAt(index, filter)
	require.NotNil(t, n)
	require.Empty(t, n.subs)
	sub, ok := n.shared[testGroup]["cl1"]
	require.True(t, ok)
	require.Equal(t, byte(2), sub.Qos)
	require.NotContains(t, index.root.children, SharePrefix)
}

func TestUnsubscribe(t *testing.T) {
	index := NewTopicsIndex()
	index.Subscribe("cl1", packets.Subscription{Filter: "a/b/c/d"})
	index.Subscribe("cl1", packets.Subscription{Filter: "a/b/+/d"})
	index.Subscribe("cl2", packets.Subscription{Filter: "a/b/c/d"})

	require.True(t, index.Unsubscribe("a/b/+/d", "cl1"))
	require.Nil(t, nodeAt(index, "a/b/+/d"))
	require.NotNil(t, nodeAt(index, "a/b/c/d"))

	require.True(t, index.Unsubscribe("a/b/c/d", "cl1"))
	n := nodeAt(index, "a/b/c/d")
	require.NotNil(t, n)
	require.Len(t, n.subs, 1)

	require.False(t, index.Unsubscribe("a/b/c/d", "cl1"))
	require.False(t, index.Unsubscribe("x/y/z", "cl1"))

	require.True(t, index.Unsubscribe("a/b/c/d", "cl2"))
	require.Equal(t, 0, len(index.root.children))
}

func TestUnsubscribeShared(t *testing.T) {
	index := NewTopicsIndex()
	filter := SharePrefix + "/" + testGroup + "/a/b"
	index.Subscribe("cl1", packets.Subscription{Filter: filter})
	index.Subscribe("cl2", packets.Subscription{Filter: filter})

	require.True(t, index.Unsubscribe(filter, "cl1"))
	require.NotNil(t, nodeAt(index, filter))
	require.True(t, index.Unsubscribe(filter, "cl2"))
	require.Nil(t, nodeAt(index, filter))
	require.False(t, index.Unsubscribe(filter, "cl2"))
	require.Equal(t, 0, len(index.root.children))
}

func TestSubscribeUnsubscribeLeavesNoMatch(t *testing.T) {
	topics := []string{"a/b/c", "a/b", "a", "sport", "sport/", "/finance", "$SYS/info"}
	filters := []string{"#", "a/#", "+/+", "a/+/c", "sport/#", "/+", "$SYS/#", SharePrefix + "/g/a/#"}

	for _, filter := range filters {
		t.Run(filter, func(t *testing.T) {
			index := NewTopicsIndex()
			index.Subscribe("keep", packets.Subscription{Filter: "a/b/c"})
			index.Subscribe("cl1", packets.Subscription{Filter: filter})
			require.True(t, index.Unsubscribe(filter, "cl1"))

			for _, topic := range topics {
				subs := index.Subscribers(topic)
				require.NotContains(t, subs.Subscriptions, "cl1", topic)
				for _, shared := range subs.Shared {
					require.NotContains(t, shared, "cl1", topic)
				}
			}

			require.Contains(t, index.Subscribers("a/b/c").Subscriptions, "keep")
		})
	}
}

func TestScanSubscribers(t *testing.T) {
	index := NewTopicsIndex()
	index.Subscribe("cl1", packets.Subscription{Qos: 1, Filter: "a/b/c", Identifier: 22})
	index.Subscribe("cl1", packets.Subscription{Qos: 1, Filter: "a/b/c/d/e/f"})
	index.Subscribe("cl1", packets.Subscription{Qos: 2, Filter: "a/b/c/d/+/f"})
	index.Subscribe("cl2", packets.Subscription{Qos: 0, Filter: "a/#"})
	index.Subscribe("cl2", packets.Subscription{Qos: 1, Filter: "a/b/c"})
	index.Subscribe("cl2", packets.Subscription{Qos: 2, Filter: "a/b/+", Identifier: 77})
	index.Subscribe("cl2", packets.Subscription{Qos: 2, Filter: "d/e/f", Identifier: 7237})
	index.Subscribe("cl2", packets.Subscription{Qos: 2, Filter: "$SYS/uptime", Identifier: 3})
	index.Subscribe("cl3", packets.Subscription{Qos: 1, Filter: "+/b", Identifier: 234})
	index.Subscribe("cl4", packets.Subscription{Qos: 0, Filter: "#", Identifier: 5})

	subs := index.Subscribers("a/b/c")
	require.Len(t, subs.Subscriptions, 3)
	require.Contains(t, subs.Subscriptions, "cl1")
	require.Contains(t, subs.Subscriptions, "cl2")
	require.Contains(t, subs.Subscriptions, "cl4")

	require.Equal(t, byte(1), subs.Subscriptions["cl1"].Qos)
	require.Equal(t, byte(2), subs.Subscriptions["cl2"].Qos)
	require.Equal(t, byte(0b111), subs.Subscriptions["cl2"].QosLevels)
	require.Equal(t, byte(0), subs.Subscriptions["cl4"].Qos)

	require.Equal(t, 22, subs.Subscriptions["cl1"].Identifiers["a/b/c"])
	require.Equal(t, 0, subs.Subscriptions["cl2"].Identifiers["a/#"])
	require.Equal(t, 77, subs.Subscriptions["cl2"].Identifiers["a/b/+"])
	require.Equal(t, 5, subs.Subscriptions["cl4"].Identifiers["#"])

	subs = index.Subscribers("d/e/f/g")
	require.Len(t, subs.Subscriptions, 1)
	require.Contains(t, subs.Subscriptions, "cl4")

	subs = index.Subscribers("$SYS/uptime")
	require.Len(t, subs.Subscriptions, 1)
	require.Contains(t, subs.Subscriptions, "cl2")

	subs = index.Subscribers("")
	require.Len(t, subs.Subscriptions, 0)
}

func TestScanSharedSubscribers(t *testing.T) {
	index := NewTopicsIndex()
	index.Subscribe("cl1", packets.Subscription{Qos: 1, Filter: SharePrefix + "/" + testGroup + "/a/b/c"})
	index.Subscribe("cl2", packets.Subscription{Qos: 2, Filter: SharePrefix + "/" + testGroup + "/a/b/c"})
	index.Subscribe("cl3", packets.Subscription{Qos: 0, Filter: SharePrefix + "/" + otherGroup + "/a/+/c"})
	index.Subscribe("cl4", packets.Subscription{Qos: 0, Filter: SharePrefix + "/" + otherGroup + "/#"})
	index.Subscribe("cl1", packets.Subscription{Qos: 0, Filter: "a/b/c"})

	subs := index.Subscribers("a/b/c")
	require.Len(t, subs.Shared, 3)
	require.Len(t, subs.Shared[SharePrefix+"/"+testGroup+"/a/b/c"], 2)
	require.Len(t, subs.Subscriptions, 1)

	subs = index.Subscribers("$SYS/info")
	require.Len(t, subs.Shared, 0)
}

func TestSubscribersFind(t *testing.T) {
	for _, tx := range matchCases {
		t.Run("filter:'"+tx.filter+"' vs topic:'"+tx.topic+"'", func(t *testing.T) {
			index := NewTopicsIndex()
			index.Subscribe("cl1", packets.Subscription{Filter: tx.filter})
			subs := index.Subscribers(tx.topic)
			require.Equal(t, tx.matched, len(subs.Subscriptions) == 1)
		})
	}
}

func TestMatchTopic(t *testing.T) {
	for _, tx := range matchCases {
		t.Run("filter:'"+tx.filter+"' vs topic:'"+tx.topic+"'", func(t *testing.T) {
			require.Equal(t, tx.matched, MatchTopic(tx.filter, tx.topic))
		})
	}

	require.True(t, MatchTopic(SharePrefix+"/"+testGroup+"/a/+", "a/b"))
	require.False(t, MatchTopic(SharePrefix+"/"+testGroup, "a/b"))
	require.False(t, MatchTopic("", "a"))
	require.False(t, MatchTopic("a", ""))
}

// sampleTopics returns concrete topics of varying depth, including empty
// levels, for property checks.
func sampleTopics() []string {
	levels := []string{"a", "b", "", "sport", "finance", "x1"}
	topics := []string{"a", "/", "//", "$SYS/info", "a/b/c/d/e/f/g/h/i/j/k"}
	for i, l := range levels {
		topics = append(topics, l+"/"+levels[(i+1)%len(levels)])
		topics = append(topics, strings.Join([]string{l, levels[(i+2)%len(levels)], levels[(i+3)%len(levels)]}, "/"))
	}
	return topics
}

func TestMatchPropertyExactFilters(t *testing.T) {
	topics := sampleTopics()
	index := NewTopicsIndex()
	for i, topic := range topics {
		if topic == "" {
			continue
		}
		index.Subscribe(fmt.Sprintf("cl%d", i), packets.Subscription{Filter: topic})
	}

	for i, topic := range topics {
		if topic == "" {
			continue
		}
		subs := index.Subscribers(topic)
		for client := range subs.Subscriptions {
			require.Equal(t, fmt.Sprintf("cl%d", i), client, topic)
		}
		require.Len(t, subs.Subscriptions, 1, topic)
	}
}

func TestMatchPropertyWildcardFilters(t *testing.T) {
	for _, topic := range sampleTopics() {
		t.Run(topic, func(t *testing.T) {
			index := NewTopicsIndex()
			index.Subscribe("hash", packets.Subscription{Filter: "#"})

			plus := strings.Repeat("+/", strings.Count(topic, "/")) + "+"
			index.Subscribe("plus", packets.Subscription{Filter: plus})

			subs := index.Subscribers(topic)
			if strings.HasPrefix(topic, "$") {
				require.Len(t, subs.Subscriptions, 0)
				return
			}

			require.Contains(t, subs.Subscriptions, "hash")
			require.Contains(t, subs.Subscriptions, "plus")
			require.True(t, MatchTopic(plus, topic))
			require.True(t, MatchTopic("#", topic))
		})
	}
}

func TestHashPrefilterNoFalseNegatives(t *testing.T) {
	for _, tx := range matchCases {
		hash, mask := FilterHashMask(tx.filter)
		if tx.matched {
			require.Equal(t, hash, TopicHash(tx.topic)&mask, tx.filter+" "+tx.topic)
		}
	}

	hash, mask := FilterHashMask("a/b")
	require.NotEqual(t, hash, TopicHash("a/b/c")&mask)
	require.NotEqual(t, hash, TopicHash("a")&mask)

	hash, mask = FilterHashMask("#")
	require.Equal(t, uint64(0), hash)
	require.Equal(t, uint64(0), mask)

	hash, mask = FilterHashMask("a/+")
	require.Equal(t, uint64(0xFF), mask&0xFF)
	require.Equal(t, uint64(0), mask&0xFF00)
	require.Equal(t, hash, TopicHash("a/anything")&mask)
}

func TestTopicHashLevels(t *testing.T) {
	require.Equal(t, uint64(0), TopicHash("a")>>8)
	require.NotEqual(t, uint64(0), TopicHash("a")&0xFF)
	require.NotEqual(t, uint64(0), TopicHash("/")>>8&0xFF)
	require.Equal(t, TopicHash("a/b/c/d/e/f/g/h"), TopicHash("a/b/c/d/e/f/g/h/i"))
}

func TestLevelHash(t *testing.T) {
	seen := map[byte]bool{}
	for i := 0; i < 4096; i++ {
		level := strconv.Itoa(i)
		b := levelHash(level)
		require.NotZero(t, b, level)
		require.Equal(t, b, levelHash(level))
		seen[b] = true
	}
	require.Greater(t, len(seen), 200)
	require.NotZero(t, levelHash(""))
}

func BenchmarkSubscribers(b *testing.B) {
	index := NewTopicsIndex()
	index.Subscribe("cl1", packets.Subscription{Filter: "a/b/c"})
	index.Subscribe("cl1", packets.Subscription{Filter: "a/+/c"})
	index.Subscribe("cl1", packets.Subscription{Filter: "a/b/c/+"})
	index.Subscribe("cl2", packets.Subscription{Filter: "a/b/c/d"})
	index.Subscribe("cl3", packets.Subscription{Filter: "#"})

	for n := 0; n < b.N; n++ {
		index.Subscribers("a/b/c")
	}
}

func BenchmarkMatchTopic(b *testing.B) {
	for n := 0; n < b.N; n++ {
		MatchTopic("a/+/c/#", "a/b/c/d/e")
	}
}

func TestEffectiveQos(t *testing.T) {
	tt := []struct {
		desc    string
		sub     packets.Subscription
		publish byte
		want    byte
	}{
		{desc: "single lower", sub: packets.Subscription{Qos: 1}, publish: 2, want: 1},
		{desc: "single higher", sub: packets.Subscription{Qos: 2}, publish: 1, want: 2},
		{desc: "single higher than qos 0", sub: packets.Subscription{Qos: 1}, publish: 0, want: 1},
		{desc: "single equal", sub: packets.Subscription{Qos: 1}, publish: 1, want: 1},
		{desc: "publish in set", sub: packets.Subscription{Qos: 2, QosLevels: 0b101}, publish: 2, want: 2},
		{desc: "publish in set lower", sub: packets.Subscription{Qos: 2, QosLevels: 0b101}, publish: 0, want: 0},
		{desc: "publish not in set", sub: packets.Subscription{Qos: 2, QosLevels: 0b101}, publish: 1, want: 2},
		{desc: "max of set", sub: packets.Subscription{Qos: 1, QosLevels: 0b011}, publish: 2, want: 1},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			require.Equal(t, tx.want, EffectiveQos(tx.sub, tx.publish))
		})
	}
}

func TestSubscribersEffectiveQos(t *testing.T) {
	index := NewTopicsIndex()
	index.Subscribe("cl1", packets.Subscription{Filter: "a/#", Qos: 0})
	index.Subscribe("cl1", packets.Subscription{Filter: "a/+", Qos: 2})

	subs := index.Subscribers("a/b")
	qos, ok := subs.EffectiveQos("cl1", 2)
	require.True(t, ok)
	require.Equal(t, byte(2), qos)

	qos, ok = subs.EffectiveQos("cl1", 0)
	require.True(t, ok)
	require.Equal(t, byte(0), qos)

	qos, ok = subs.EffectiveQos("cl1", 1)
	require.True(t, ok)
	require.Equal(t, byte(2), qos)

	_, ok = subs.EffectiveQos("cl2", 1)
	require.False(t, ok)
}

func TestSelectShared(t *testing.T) {
	subs := &Subscribers{
		Shared: map[string]map[string]packets.Subscription{
			SharePrefix + "/" + testGroup + "/a": {
				"cl1": {Qos: 1, Filter: SharePrefix + "/" + testGroup + "/a"},
				"cl2": {Qos: 1, Filter: SharePrefix + "/" + testGroup + "/a"},
			},
			SharePrefix + "/" + otherGroup + "/a": {
				"cl3": {Qos: 2, Filter: SharePrefix + "/" + otherGroup + "/a"},
			},
		},
		Subscriptions: map[string]packets.Subscription{
			"cl3": {Qos: 0, Filter: "a"},
		},
	}

	subs.SelectShared()
	require.Len(t, subs.SharedSelected, 2)
	require.Contains(t, subs.SharedSelected, "cl3")

	subs.MergeSharedSelected()
	require.Len(t, subs.Subscriptions, 2)
	require.Equal(t, byte(2), subs.Subscriptions["cl3"].Qos)
}

func TestIsValid(t *testing.T) {
	require.True(t, IsValidFilter("a/b/c", false))
	require.True(t, IsValidFilter("a/b//c", false))
	require.True(t, IsValidFilter("$SYS", false))
	require.True(t, IsValidFilter("$SYS/info", false))
	require.True(t, IsValidFilter("abc/#", false))
	require.True(t, IsValidFilter("#", false))
	require.True(t, IsValidFilter("+/+/#", false))
	require.True(t, IsValidFilter(SharePrefix+"/"+testGroup+"/a/#", false))
	require.False(t, IsValidFilter("", false))
	require.False(t, IsValidFilter("a/b+", false))
	require.False(t, IsValidFilter("a#", false))
	require.False(t, IsValidFilter("a/#/c", false))
	require.False(t, IsValidFilter(SharePrefix, false))
	require.False(t, IsValidFilter(SharePrefix+"/", false))
	require.False(t, IsValidFilter(SharePrefix+"//a", false))
	require.False(t, IsValidFilter(SharePrefix+"/b+/", false))
	require.False(t, IsValidFilter(SharePrefix+"/+", false))
	require.False(t, IsValidFilter(SharePrefix+"/#", false))
}

func TestIsValidForPublish(t *testing.T) {
	require.True(t, IsValidFilter("", true))
	require.True(t, IsValidFilter("a/b/c", true))
	require.False(t, IsValidFilter("a/b/+/d", true))
	require.False(t, IsValidFilter("a/b/#", true))
	require.False(t, IsValidFilter("$SYS/info", true))
}

func TestIsSharedFilter(t *testing.T) {
	require.True(t, IsSharedFilter(SharePrefix+"/tmp/a/b/c"))
	require.True(t, IsSharedFilter("$share/tmp/a/b/c"))
	require.False(t, IsSharedFilter("a/b/c"))
}

func TestSharedFilterTopic(t *testing.T) {
	require.Equal(t, "a/b", sharedFilterTopic(SharePrefix+"/g/a/b"))
	require.Equal(t, "", sharedFilterTopic(SharePrefix+"/g"))
	require.Equal(t, "a/b", sharedFilterTopic("a/b"))
}

func TestInboundAliasesSet(t *testing.T) {
	topic := "test"
	id := uint16(1)
	a := NewInboundTopicAliases(5)
	require.Equal(t, topic, a.Set(id, topic))
	require.Contains(t, a.internal, id)
	require.Equal(t, a.internal[id], topic)
	require.Equal(t, topic, a.Set(id, ""))
}

func TestInboundAliasesSetMaxZero(t *testing.T) {
	topic := "test"
	id := uint16(1)
	a := NewInboundTopicAliases(0)
	require.Equal(t, topic, a.Set(id, topic))
	require.NotContains(t, a.internal, id)
}

func TestOutboundAliasesSet(t *testing.T) {
	a := NewOutboundTopicAliases(3)
	n, ok := a.Set("t1")
	require.False(t, ok)
	require.Equal(t, uint16(1), n)

	n, ok = a.Set("t2")
	require.False(t, ok)
	require.Equal(t, uint16(2), n)

	n, ok = a.Set("t3")
	require.False(t, ok)
	require.Equal(t, uint16(3), n)

	n, ok = a.Set("t4")
	require.False(t, ok)
	require.Equal(t, uint16(0), n)

	n, ok = a.Set("t2")
	require.True(t, ok)
	require.Equal(t, uint16(2), n)
}

func TestOutboundAliasesSetMaxZero(t *testing.T) {
	a := NewOutboundTopicAliases(0)
	n, ok := a.Set("test")
	require.False(t, ok)
	require.Equal(t, uint16(0), n)
}

func TestNewTopicAliases(t *testing.T) {
	a := NewTopicAliases(5)
	require.NotNil(t, a.Inbound)
	require.Equal(t, uint16(5), a.Inbound.maximum)
	require.NotNil(t, a.Outbound)
	require.Equal(t, uint16(5), a.Outbound.maximum)
}
