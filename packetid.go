// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"

	"github.com/mqttkit/engine/packets"
)

const maximumPacketID = 65535 // the largest packet id permitted by the protocol

// PacketIDs allocates outbound packet ids for a session. Ids cycle from 1 to
// the maximum, never return 0, and never return an id which is still in use
// by an unacknowledged exchange.
type PacketIDs struct {
	inUse   map[uint16]struct{}
	last    uint32
	maximum uint32
	sync.Mutex
}

// NewPacketIDs returns a new instance of PacketIDs.
func NewPacketIDs() *PacketIDs {
	return &PacketIDs{
		inUse:   map[uint16]struct{}{},
		maximum: maximumPacketID,
	}
}

// Next reserves and returns the next free packet id. If every id is in use
// ErrQuotaExceeded is returned.
func (p *PacketIDs) Next() (uint16, error) {
	p.Lock()
	defer p.Unlock()

	i := p.last
	started := i
	overflowed := false
	for {
		if overflowed && i == started {
			return 0, packets.ErrQuotaExceeded
		}

		if i >= p.maximum {
			overflowed = true
			i = 0
			if started == 0 {
				started = p.maximum // a full cycle from zero ends back at the maximum
			}
			continue
		}

		i++
		if _, ok := p.inUse[uint16(i)]; !ok {
			p.inUse[uint16(i)] = struct{}{}
			p.last = i
			return uint16(i), nil
		}
	}
}

// Reserve marks an id as in use, such as an id restored with a queued message.
// It returns false if the id was already in use.
func (p *PacketIDs) Reserve(id uint16) bool {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.inUse[id]; ok || id == 0 {
		return false
	}
	p.inUse[id] = struct{}{}
	return true
}

// Release frees an id for reuse.
func (p *PacketIDs) Release(id uint16) {
	p.Lock()
	defer p.Unlock()
	delete(p.inUse, id)
}

// InUse returns true if the id is reserved.
func (p *PacketIDs) InUse(id uint16) bool {
	p.Lock()
	defer p.Unlock()
	_, ok := p.inUse[id]
	return ok
}

// Len returns the number of ids in use.
func (p *PacketIDs) Len() int {
	p.Lock()
	defer p.Unlock()
	return len(p.inUse)
}
