// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/mqttkit/engine/hooks/storage"
	"github.com/mqttkit/engine/packets"
)

// Sessions contains a map of the sessions known by the broker, keyed on client id.
type Sessions struct {
	internal map[string]*Session
	sync.RWMutex
}

// NewSessions returns an instance of Sessions.
func NewSessions() *Sessions {
	return &Sessions{
		internal: make(map[string]*Session),
	}
}

// Add adds a new session to the sessions map, keyed on client id.
func (s *Sessions) Add(sess *Session) {
	s.Lock()
	defer s.Unlock()
	s.internal[sess.ID] = sess
}

// Get returns the session for a client id if it exists.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.RLock()
	defer s.RUnlock()
	sess, ok := s.internal[id]
	return sess, ok
}

// GetAll returns all the sessions.
func (s *Sessions) GetAll() map[string]*Session {
	s.RLock()
	defer s.RUnlock()
	m := make(map[string]*Session, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Len returns the number of sessions.
func (s *Sessions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a session from the map if it is still the session held for
// its client id, returning true if it was removed.
func (s *Sessions) Delete(sess *Session) bool {
	s.Lock()
	defer s.Unlock()
	if existing, ok := s.internal[sess.ID]; ok && existing == sess {
		delete(s.internal, sess.ID)
		return true
	}
	return false
}

// Connections returns the live connections of every attached session.
func (s *Sessions) Connections() []*Connection {
	s.RLock()
	defer s.RUnlock()
	conns := make([]*Connection, 0, len(s.internal))
	for _, sess := range s.internal {
		if cl := sess.Connection(); cl != nil {
			conns = append(conns, cl)
		}
	}
	return conns
}

// GetByListener returns the live connections accepted by a listener.
func (s *Sessions) GetByListener(id string) []*Connection {
	conns := []*Connection{}
	for _, cl := range s.Connections() {
		if cl.Net.Listener == id && !cl.Closed() {
			conns = append(conns, cl)
		}
	}
	return conns
}

// Will contains the last will and testament details for a session.
type Will struct {
	Payload           []byte                 // -
	User              []packets.UserProperty // -
	TopicName         string                 // -
	Flag              uint32                 // 0,1
	WillDelayInterval uint32                 // -
	Qos               byte                   // -
	Retain            bool                   // -
}

// SessionProperties contains the properties of the connection which most
// recently established the session.
type SessionProperties struct {
	Username        []byte
	Will            Will
	ExpiryInterval  uint32
	ProtocolVersion byte
	Clean           bool
}

// Session is the broker side state of a client id. It outlives any single
// connection when it is persistent.
type Session struct {
	Subscriptions *Subscriptions // subscriptions owned by the session, keyed on filter
	Queue         *OutboundQueue // messages waiting for delivery
	PacketIDs     *PacketIDs     // outbound packet id allocator
	Inflight      *Inflight      // outbound acknowledgement awaiters
	Received      *ReceivedIDs   // inbound qos 2 packet ids awaiting pubrel
	ID            string         // the client id
	properties    SessionProperties
	items         *SessionItems // extension bag populated by the validator
	conn          *Connection   // the live connection, nil while detached
	disconnected  int64         // unix time the session was detached
	sync.RWMutex
}

// NewSession returns a new session with an outbound queue of the given
// capacity and overflow strategy.
func NewSession(id string, capacity int, strategy OverflowStrategy) *Session {
	return &Session{
		ID:            id,
		items:         NewSessionItems(),
		Subscriptions: NewSubscriptions(),
		Queue:         NewOutboundQueue(capacity, strategy),
		PacketIDs:     NewPacketIDs(),
		Inflight:      NewInflight(),
		Received:      NewReceivedIDs(),
	}
}

// Update sets the session properties from a connect packet. A v3 session which
// is not clean lasts for maximumExpiry seconds.
func (s *Session) Update(pk packets.Packet, maximumExpiry uint32) {
	s.Lock()
	defer s.Unlock()

	s.properties.Username = pk.Connect.Username
	s.properties.ProtocolVersion = pk.ProtocolVersion
	s.properties.Clean = pk.Connect.Clean

	s.properties.ExpiryInterval = pk.Properties.SessionExpiryInterval
	if pk.ProtocolVersion < 5 && !pk.Connect.Clean {
		s.properties.ExpiryInterval = maximumExpiry
	}

	if s.properties.ExpiryInterval > maximumExpiry {
		s.properties.ExpiryInterval = maximumExpiry
	}

	s.properties.Will = Will{}
	if pk.Connect.WillFlag {
		s.properties.Will = Will{
			Qos:               pk.Connect.WillQos,
			Retain:            pk.Connect.WillRetain,
			Payload:           pk.Connect.WillPayload,
			TopicName:         pk.Connect.WillTopic,
			WillDelayInterval: pk.Connect.WillProperties.WillDelayInterval,
			User:              pk.Connect.WillProperties.User,
			Flag:              1, // [MQTT-3.1.2-7]
		}
	}
}

// Properties returns a copy of the session properties.
func (s *Session) Properties() SessionProperties {
	s.RLock()
	defer s.RUnlock()
	return s.properties
}

// ProtocolVersion returns the protocol version of the session.
func (s *Session) ProtocolVersion() byte {
	s.RLock()
	defer s.RUnlock()
	return s.properties.ProtocolVersion
}

// SetExpiryInterval replaces the session expiry interval, such as from a v5
// disconnect packet.
func (s *Session) SetExpiryInterval(v uint32) {
	s.Lock()
	defer s.Unlock()
	s.properties.ExpiryInterval = v
}

// Will returns the will message of the session.
func (s *Session) Will() Will {
	s.RLock()
	defer s.RUnlock()
	return s.properties.Will
}

// ClearWill removes the will message so it will never be sent. [MQTT-3.1.2-10]
func (s *Session) ClearWill() {
	s.Lock()
	defer s.Unlock()
	s.properties.Will = Will{}
}

// Bind attaches a connection to the session, returning any connection which
// was previously attached.
func (s *Session) Bind(cl *Connection) *Connection {
	s.Lock()
	defer s.Unlock()
	previous := s.conn
	s.conn = cl
	s.disconnected = 0
	return previous
}

// Unbind detaches a connection from the session if it is the attached
// connection, returning true if it was detached.
func (s *Session) Unbind(cl *Connection) bool {
	s.Lock()
	defer s.Unlock()
	if s.conn != cl {
		return false
	}

	s.conn = nil
	s.disconnected = time.Now().Unix()
	return true
}

// Connection returns the live connection of the session, or nil if detached.
func (s *Session) Connection() *Connection {
	s.RLock()
	defer s.RUnlock()
	return s.conn
}

// Items returns the session items set by the validator of the latest
// connection.
func (s *Session) Items() *SessionItems {
	s.RLock()
	defer s.RUnlock()
	return s.items
}

// SetItems replaces the session items.
func (s *Session) SetItems(items *SessionItems) {
	s.Lock()
	defer s.Unlock()
	s.items = items
}

// IsConnected returns true if a connection is attached to the session.
func (s *Session) IsConnected() bool {
	return s.Connection() != nil
}

// Disconnected returns the unix time the session was detached, or 0.
func (s *Session) Disconnected() int64 {
	s.RLock()
	defer s.RUnlock()
	return s.disconnected
}

// Expired returns true if the session is detached and its expiry interval has
// elapsed by now (unix seconds).
func (s *Session) Expired(now int64) bool {
	s.RLock()
	defer s.RUnlock()
	return s.conn == nil && s.disconnected > 0 && now-s.disconnected >= int64(s.properties.ExpiryInterval)
}

// ToStorage returns a storable representation of the session, including its
// queued messages and inbound qos 2 state.
func (s *Session) ToStorage() storage.Session {
	s.RLock()
	props := s.properties
	disconnected := s.disconnected
	s.RUnlock()

	d := storage.Session{
		ID:              s.ID,
		T:               storage.SessionKey,
		Username:        props.Username,
		ProtocolVersion: props.ProtocolVersion,
		ExpiryInterval:  props.ExpiryInterval,
		Disconnected:    disconnected,
		Received:        s.Received.GetAll(),
	}

	subs := make([]packets.Subscription, 0, s.Subscriptions.Len())
	for _, sub := range s.Subscriptions.GetAll() {
		subs = append(subs, sub)
	}
	_ = copier.Copy(&d.Subscriptions, &subs)

	if props.Will.Flag > 0 {
		d.Will = new(storage.SessionWill)
		_ = copier.Copy(d.Will, &props.Will)
	}

	for _, msg := range s.Queue.Snapshot() {
		m := storage.MessageFromPacket(msg.Packet)
		m.T = ""
		m.ID = ""
		d.Queue = append(d.Queue, storage.QueuedMessage{
			Message:  m,
			Sender:   msg.Sender,
			Qos:      msg.Qos,
			Stage:    msg.Stage,
			PacketID: msg.Packet.PacketID,
			Retained: msg.Retained,
			Dup:      msg.Dup,
		})
	}

	return d
}

// SessionFromStorage restores a detached session from its stored representation.
func SessionFromStorage(d storage.Session, capacity int, strategy OverflowStrategy) *Session {
	sess := NewSession(d.ID, capacity, strategy)
	sess.properties = SessionProperties{
		Username:        d.Username,
		ProtocolVersion: d.ProtocolVersion,
		ExpiryInterval:  d.ExpiryInterval,
	}

	sess.disconnected = d.Disconnected
	if sess.disconnected == 0 {
		sess.disconnected = time.Now().Unix()
	}

	if d.Will != nil {
		_ = copier.Copy(&sess.properties.Will, d.Will)
		sess.properties.Will.Flag = 1
	}

	var subs []packets.Subscription
	_ = copier.Copy(&subs, &d.Subscriptions)
	for _, sub := range subs {
		sess.Subscriptions.Add(sub.Filter, sub)
	}

	for _, id := range d.Received {
		sess.Received.Add(id)
	}

	msgs := make([]QueuedMessage, 0, len(d.Queue))
	for _, qm := range d.Queue {
		pk := qm.Message.ToPacket()
		pk.PacketID = qm.PacketID
		if pk.PacketID > 0 {
			sess.PacketIDs.Reserve(pk.PacketID)
		}

		msgs = append(msgs, QueuedMessage{
			Packet:   pk,
			Sender:   qm.Sender,
			Qos:      qm.Qos,
			Stage:    qm.Stage,
			Retained: qm.Retained,
			Dup:      qm.Dup,
		})
	}
	sess.Queue.Restore(msgs...)

	return sess
}
