// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"

	"github.com/mqttkit/engine/packets"
	"github.com/mqttkit/engine/system"
)

const (
	SessionKey  = "SES" // unique key to denote persisted sessions in a store
	SysInfoKey  = "SYS" // unique key to denote server system information in a store
	RetainedKey = "RET" // unique key to denote retained messages in a store
)

// ErrDBFileNotOpen is returned when a storage hook is used before Init or after Stop.
var ErrDBFileNotOpen = errors.New("db file not open")

// Serializable is a record which can be written to and read from a store.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Session is a storable representation of a persistent session, including the
// subscriptions and outbound messages which must survive a restart.
type Session struct {
	Will            *SessionWill    `json:"will,omitempty"`     // will topic and payload data if applicable
	Username        []byte          `json:"username,omitempty"` // the username the session was established with
	Subscriptions   []Subscription  `json:"subscriptions"`      // the subscriptions owned by the session
	Queue           []QueuedMessage `json:"queue,omitempty"`    // messages waiting for delivery, in order
	Received        []uint16        `json:"received,omitempty"` // inbound qos 2 packet ids awaiting pubrel
	ID              string          `json:"id"`                 // the client id / storage key
	T               string          `json:"t"`                  // the data type (session)
	ExpiryInterval  uint32          `json:"expiry_interval"`    // session expiry interval in seconds
	Disconnected    int64           `json:"disconnected"`       // unix time the session was detached, 0 if never
	ProtocolVersion byte            `json:"protocol_version"`   // mqtt protocol version of the last connection
}

// SessionWill contains a will message for a session, and limited mqtt v5 properties.
type SessionWill struct {
	Payload           []byte                 `json:"payload,omitempty"`
	User              []packets.UserProperty `json:"user,omitempty"`
	TopicName         string                 `json:"topic_name,omitempty"`
	WillDelayInterval uint32                 `json:"will_delay_interval,omitempty"`
	Qos               byte                   `json:"qos,omitempty"`
	Retain            bool                   `json:"retain,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct. Empty data is a no-op.
func (d *Session) UnmarshalBinary(data []byte) error {
	return unmarshal(data, d)
}

// Message is a storable representation of an MQTT message (specifically publish).
type Message struct {
	Properties  MessageProperties   `json:"properties"`           // publish properties
	Payload     []byte              `json:"payload"`              // the message payload
	T           string              `json:"t,omitempty"`          // the data type
	ID          string              `json:"id,omitempty"`         // the storage key
	Origin      string              `json:"origin,omitempty"`     // the id of the client who sent the message
	TopicName   string              `json:"topic_name,omitempty"` // the topic the message was sent to
	FixedHeader packets.FixedHeader `json:"fixedheader"`          // the header properties of the message
	Created     int64               `json:"created,omitempty"`    // the time the message was created in unixtime
	Expiry      int64               `json:"expiry,omitempty"`     // the time the message expires in unixtime, 0 for never
	PacketID    uint16              `json:"packet_id,omitempty"`  // the unique id of the packet (if inflight)
}

// MessageProperties contains a limited subset of mqtt v5 properties specific to publish messages.
type MessageProperties struct {
	CorrelationData        []byte                 `json:"correlationData,omitempty"`
	SubscriptionIdentifier []int                  `json:"subscriptionIdentifier,omitempty"`
	User                   []packets.UserProperty `json:"user,omitempty"`
	ContentType            string                 `json:"contentType,omitempty"`
	ResponseTopic          string                 `json:"responseTopic,omitempty"`
	MessageExpiryInterval  uint32                 `json:"messageExpiry,omitempty"`
	PayloadFormat          byte                   `json:"payloadFormat,omitempty"`
	PayloadFormatFlag      bool                   `json:"payloadFormatFlag,omitempty"`
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct. Empty data is a no-op.
func (d *Message) UnmarshalBinary(data []byte) error {
	return unmarshal(data, d)
}

// MessageFromPacket converts a publish packet into a storable message.
func MessageFromPacket(pk packets.Packet) Message {
	return Message{
		T:           RetainedKey,
		ID:          pk.TopicName,
		Origin:      pk.Origin,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		FixedHeader: pk.FixedHeader,
		Created:     pk.Created,
		Expiry:      pk.Expiry,
		PacketID:    pk.PacketID,
		Properties:  messageProperties(pk.Properties),
	}
}

// ToPacket converts a stored message to a publish packet which shares no
// memory with the stored message.
func (d *Message) ToPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: d.FixedHeader,
		PacketID:    d.PacketID,
		TopicName:   d.TopicName,
		Payload:     d.Payload,
		Origin:      d.Origin,
		Created:     d.Created,
		Expiry:      d.Expiry,
		Properties:  d.Properties.packetProperties(),
	}

	pk = pk.Copy(true)
	pk.FixedHeader.Dup = d.FixedHeader.Dup // cleared by Copy
	return pk
}

func messageProperties(p packets.Properties) MessageProperties {
	return MessageProperties{
		PayloadFormat:          p.PayloadFormat,
		PayloadFormatFlag:      p.PayloadFormatFlag,
		MessageExpiryInterval:  p.MessageExpiryInterval,
		ContentType:            p.ContentType,
		ResponseTopic:          p.ResponseTopic,
		CorrelationData:        p.CorrelationData,
		SubscriptionIdentifier: p.SubscriptionIdentifier,
		User:                   p.User,
	}
}

func (p MessageProperties) packetProperties() packets.Properties {
	return packets.Properties{
		PayloadFormat:          p.PayloadFormat,
		PayloadFormatFlag:      p.PayloadFormatFlag,
		MessageExpiryInterval:  p.MessageExpiryInterval,
		ContentType:            p.ContentType,
		ResponseTopic:          p.ResponseTopic,
		CorrelationData:        p.CorrelationData,
		SubscriptionIdentifier: p.SubscriptionIdentifier,
		User:                   p.User,
	}
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// QueuedMessage is a storable representation of a message waiting in a
// session's outbound queue, including the qos exchange it had reached.
type QueuedMessage struct {
	Message  Message `json:"message"`
	Sender   string  `json:"sender,omitempty"`
	Qos      byte    `json:"qos"`
	Stage    byte    `json:"stage,omitempty"`
	PacketID uint16  `json:"packet_id,omitempty"`
	Retained bool    `json:"retained,omitempty"`
	Dup      bool    `json:"dup,omitempty"`
}

// Subscription is a storable representation of an MQTT subscription.
type Subscription struct {
	Filter            string `json:"filter"`
	Identifier        int    `json:"identifier,omitempty"`
	RetainHandling    byte   `json:"retain_handling,omitempty"`
	Qos               byte   `json:"qos"`
	RetainAsPublished bool   `json:"retain_as_pub,omitempty"`
	NoLocal           bool   `json:"no_local,omitempty"`
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info
	T  string `json:"t"`  // the data type
	ID string `json:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct. Empty data is a no-op.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	return unmarshal(data, d)
}
