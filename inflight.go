// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"

	"github.com/mqttkit/engine/packets"
)

// Inflight is a map of acknowledgement awaiters keyed on packet id, for the
// outbound qos exchanges of a session.
type Inflight struct {
	internal map[uint16]chan packets.Packet
	sync.Mutex
}

// NewInflight returns a new instance of Inflight.
func NewInflight() *Inflight {
	return &Inflight{
		internal: map[uint16]chan packets.Packet{},
	}
}

// Register creates an awaiter for the next acknowledgement of a packet id,
// replacing any existing awaiter for the id.
func (i *Inflight) Register(id uint16) <-chan packets.Packet {
	i.Lock()
	defer i.Unlock()
	ch := make(chan packets.Packet, 1)
	i.internal[id] = ch
	return ch
}

// Resolve hands an acknowledgement to the awaiter registered for its packet id,
// returning false if nothing was waiting for it.
func (i *Inflight) Resolve(pk packets.Packet) bool {
	i.Lock()
	ch, ok := i.internal[pk.PacketID]
	delete(i.internal, pk.PacketID)
	i.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- pk:
	default:
	}

	return true
}

// Cancel removes the awaiter for a packet id.
func (i *Inflight) Cancel(id uint16) {
	i.Lock()
	defer i.Unlock()
	delete(i.internal, id)
}

// Len returns the number of outstanding awaiters.
func (i *Inflight) Len() int {
	i.Lock()
	defer i.Unlock()
	return len(i.internal)
}

// ReceivedIDs is the set of inbound qos 2 packet ids which have been
// acknowledged with pubrec and are awaiting pubrel.
type ReceivedIDs struct {
	internal map[uint16]struct{}
	sync.RWMutex
}

// NewReceivedIDs returns a new instance of ReceivedIDs.
func NewReceivedIDs() *ReceivedIDs {
	return &ReceivedIDs{
		internal: map[uint16]struct{}{},
	}
}

// Add adds a packet id, returning false if it was already present.
func (r *ReceivedIDs) Add(id uint16) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.internal[id]; ok {
		return false
	}
	r.internal[id] = struct{}{}
	return true
}

// Has returns true if the packet id is present.
func (r *ReceivedIDs) Has(id uint16) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.internal[id]
	return ok
}

// Delete removes a packet id, returning true if it was present.
func (r *ReceivedIDs) Delete(id uint16) bool {
	r.Lock()
	defer r.Unlock()
	_, ok := r.internal[id]
	delete(r.internal, id)
	return ok
}

// Len returns the number of packet ids.
func (r *ReceivedIDs) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}

// GetAll returns the packet ids in ascending order.
func (r *ReceivedIDs) GetAll() []uint16 {
	r.RLock()
	defer r.RUnlock()
	ids := make([]uint16, 0, len(r.internal))
	for id := range r.internal {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}
