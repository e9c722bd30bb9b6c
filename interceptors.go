// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"crypto/tls"
	"sync"

	"github.com/mqttkit/engine/packets"
)

// Well-known session item keys. The validator sets these, and interceptors
// may read them; any other key may be used freely.
const (
	ItemUsername        = "username"         // []byte, the username from the connect packet
	ItemRemote          = "remote"           // string, the remote address of the connection
	ItemListener        = "listener"         // string, the id of the listener which accepted the connection
	ItemTLSState        = "tls"              // *tls.ConnectionState, present for tls connections
	ItemPeerCertificate = "peer_certificate" // *x509.Certificate, the verified client certificate, if any
)

// SessionItems is an open key-value bag attached to a session, populated at
// connect time and available to every interceptor.
type SessionItems struct {
	internal map[string]any
	sync.RWMutex
}

// NewSessionItems returns a new instance of SessionItems.
func NewSessionItems() *SessionItems {
	return &SessionItems{
		internal: map[string]any{},
	}
}

// Get returns the value for a key.
func (s *SessionItems) Get(key string) (any, bool) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.internal[key]
	return v, ok
}

// GetString returns the value for a key if it is a string.
func (s *SessionItems) GetString(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Set sets the value for a key.
func (s *SessionItems) Set(key string, val any) {
	s.Lock()
	defer s.Unlock()
	s.internal[key] = val
}

// Delete removes a key.
func (s *SessionItems) Delete(key string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, key)
}

// Range calls fn for each item until fn returns false.
func (s *SessionItems) Range(fn func(key string, val any) bool) {
	s.RLock()
	defer s.RUnlock()
	for k, v := range s.internal {
		if !fn(k, v) {
			return
		}
	}
}

// Len returns the number of items.
func (s *SessionItems) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// ConnectContext is passed to the validator when a client connects. Setting
// ReasonCode to a failure code rejects the connection.
type ConnectContext struct {
	Packet           packets.Packet       // the connect packet, including any will and properties
	TLS              *tls.ConnectionState // the tls state of the connection, nil if not secure
	Items            *SessionItems        // the items for the session being established
	ClientID         string               // the client id, which the validator may replace
	Remote           string               // the remote address of the connection
	Listener         string               // the id of the listener
	ReasonCode       packets.Code         // the outcome, success unless rejected
	AssignedClientID bool                 // true if the client id was assigned by the broker
}

// Validator decides whether a connection is accepted.
type Validator interface {
	ValidateConnection(ctx *ConnectContext)
}

// ValidatorFunc adapts a function to a Validator.
type ValidatorFunc func(ctx *ConnectContext)

// ValidateConnection calls f(ctx).
func (f ValidatorFunc) ValidateConnection(ctx *ConnectContext) {
	f(ctx)
}

// SubscriptionContext is passed to the subscription interceptor for each
// filter in a subscribe packet. The subscription may be modified in place.
type SubscriptionContext struct {
	Items               *SessionItems        // the session items
	ClientID            string               // the subscribing client
	Subscription        packets.Subscription // the requested subscription
	ReasonCode          packets.Code         // the suback reason if the subscription is not processed
	ProcessSubscription bool                 // false to refuse the subscription
	CloseConnection     bool                 // true to disconnect the client after the suback
}

// SubscriptionInterceptor may modify or refuse subscriptions.
type SubscriptionInterceptor interface {
	InterceptSubscription(ctx *SubscriptionContext)
}

// SubscriptionInterceptorFunc adapts a function to a SubscriptionInterceptor.
type SubscriptionInterceptorFunc func(ctx *SubscriptionContext)

// InterceptSubscription calls f(ctx).
func (f SubscriptionInterceptorFunc) InterceptSubscription(ctx *SubscriptionContext) {
	f(ctx)
}

// UnsubscriptionContext is passed to the unsubscription interceptor for each
// filter in an unsubscribe packet.
type UnsubscriptionContext struct {
	Items                 *SessionItems // the session items
	ClientID              string        // the unsubscribing client
	Filter                string        // the filter to remove
	ReasonCode            packets.Code  // the unsuback reason if the unsubscription is not processed
	ProcessUnsubscription bool          // false to keep the subscription
	CloseConnection       bool          // true to disconnect the client after the unsuback
}

// UnsubscriptionInterceptor may modify or refuse unsubscriptions.
type UnsubscriptionInterceptor interface {
	InterceptUnsubscription(ctx *UnsubscriptionContext)
}

// UnsubscriptionInterceptorFunc adapts a function to an UnsubscriptionInterceptor.
type UnsubscriptionInterceptorFunc func(ctx *UnsubscriptionContext)

// InterceptUnsubscription calls f(ctx).
func (f UnsubscriptionInterceptorFunc) InterceptUnsubscription(ctx *UnsubscriptionContext) {
	f(ctx)
}

// PublishContext is passed to the publish interceptor for every application
// message before it is routed. The packet topic, payload, qos and retain flag
// may be rewritten.
type PublishContext struct {
	Packet          *packets.Packet // the message, which may be modified
	Items           *SessionItems   // the publisher's session items, nil for broker messages
	ClientID        string          // the publishing client, empty for broker messages
	ReasonCode      packets.Code    // the puback/pubrec reason if the message is not accepted
	AcceptMessage   bool            // false to refuse the message
	CloseConnection bool            // true to disconnect the publishing client
}

// PublishInterceptor may modify or refuse application messages.
type PublishInterceptor interface {
	InterceptPublish(ctx *PublishContext)
}

// PublishInterceptorFunc adapts a function to a PublishInterceptor.
type PublishInterceptorFunc func(ctx *PublishContext)

// InterceptPublish calls f(ctx).
func (f PublishInterceptorFunc) InterceptPublish(ctx *PublishContext) {
	f(ctx)
}
