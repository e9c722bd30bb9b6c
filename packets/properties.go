// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	PropPayloadFormat          byte = 1
	PropMessageExpiryInterval  byte = 2
	PropContentType            byte = 3
	PropResponseTopic          byte = 8
	PropCorrelationData        byte = 9
	PropSubscriptionIdentifier byte = 11
	PropSessionExpiryInterval  byte = 17
	PropAssignedClientID       byte = 18
	PropServerKeepAlive        byte = 19
	PropAuthenticationMethod   byte = 21
	PropAuthenticationData     byte = 22
	PropRequestProblemInfo     byte = 23
	PropWillDelayInterval      byte = 24
	PropRequestResponseInfo    byte = 25
	PropResponseInfo           byte = 26
	PropServerReference        byte = 28
	PropReasonString           byte = 31
	PropReceiveMaximum         byte = 33
	PropTopicAliasMaximum      byte = 34
	PropTopicAlias             byte = 35
	PropMaximumQos             byte = 36
	PropRetainAvailable        byte = 37
	PropUser                   byte = 38
	PropMaximumPacketSize      byte = 39
	PropWildcardSubAvailable   byte = 40
	PropSubIDAvailable         byte = 41
	PropSharedSubAvailable     byte = 42
)

// validPacketProperties maps each property identifier to the packet types which may carry it.
var validPacketProperties = map[byte]map[byte]byte{
	PropPayloadFormat:          {Publish: 1, WillProperties: 1},
	PropMessageExpiryInterval:  {Publish: 1, WillProperties: 1},
	PropContentType:            {Publish: 1, WillProperties: 1},
	PropResponseTopic:          {Publish: 1, WillProperties: 1},
	PropCorrelationData:        {Publish: 1, WillProperties: 1},
	PropSubscriptionIdentifier: {Publish: 1, Subscribe: 1},
	PropSessionExpiryInterval:  {Connect: 1, Connack: 1, Disconnect: 1},
	PropAssignedClientID:       {Connack: 1},
	PropServerKeepAlive:        {Connack: 1},
	PropAuthenticationMethod:   {Connect: 1, Connack: 1, Auth: 1},
	PropAuthenticationData:     {Connect: 1, Connack: 1, Auth: 1},
	PropRequestProblemInfo:     {Connect: 1},
	PropWillDelayInterval:      {WillProperties: 1},
	PropRequestResponseInfo:    {Connect: 1},
	PropResponseInfo:           {Connack: 1},
	PropServerReference:        {Connack: 1, Disconnect: 1},
	PropReasonString:           {Connack: 1, Puback: 1, Pubrec: 1, Pubrel: 1, Pubcomp: 1, Suback: 1, Unsuback: 1, Disconnect: 1, Auth: 1},
	PropReceiveMaximum:         {Connect: 1, Connack: 1},
	PropTopicAliasMaximum:      {Connect: 1, Connack: 1},
	PropTopicAlias:             {Publish: 1},
	PropMaximumQos:             {Connack: 1},
	PropRetainAvailable:        {Connack: 1},
	PropUser:                   {Connect: 1, Connack: 1, Publish: 1, Puback: 1, Pubrec: 1, Pubrel: 1, Pubcomp: 1, Subscribe: 1, Suback: 1, Unsubscribe: 1, Unsuback: 1, Disconnect: 1, Auth: 1, WillProperties: 1},
	PropMaximumPacketSize:      {Connect: 1, Connack: 1},
	PropWildcardSubAvailable:   {Connack: 1},
	PropSubIDAvailable:         {Connack: 1},
	PropSharedSubAvailable:     {Connack: 1},
}

// UserProperty is a free-form key-value pair carried in the user properties list.
type UserProperty struct { // [MQTT-1.5.7-1]
	Key string `json:"k"`
	Val string `json:"v"`
}

// Properties holds the MQTT v5 properties of a packet. Where zero is a
// meaningful value, a companion Flag field marks the property as present.
type Properties struct {
	CorrelationData           []byte         `json:"cd"`
	SubscriptionIdentifier    []int          `json:"si"`
	AuthenticationData        []byte         `json:"ad"`
	User                      []UserProperty `json:"user"`
	ContentType               string         `json:"ct"`
	ResponseTopic             string         `json:"rt"`
	AssignedClientID          string         `json:"aci"`
	AuthenticationMethod      string         `json:"am"`
	ResponseInfo              string         `json:"ri"`
	ServerReference           string         `json:"sr"`
	ReasonString              string         `json:"rs"`
	MessageExpiryInterval     uint32         `json:"me"`
	SessionExpiryInterval     uint32         `json:"sei"`
	WillDelayInterval         uint32         `json:"wdi"`
	MaximumPacketSize         uint32         `json:"mps"`
	ServerKeepAlive           uint16         `json:"ska"`
	ReceiveMaximum            uint16         `json:"rm"`
	TopicAliasMaximum         uint16         `json:"tam"`
	TopicAlias                uint16         `json:"ta"`
	PayloadFormat             byte           `json:"pf"`
	PayloadFormatFlag         bool           `json:"fpf"`
	SessionExpiryIntervalFlag bool           `json:"fsei"`
	ServerKeepAliveFlag       bool           `json:"fska"`
	RequestProblemInfo        byte           `json:"rpi"`
	RequestProblemInfoFlag    bool           `json:"frpi"`
	RequestResponseInfo       byte           `json:"rri"`
	TopicAliasFlag            bool           `json:"fta"`
	MaximumQos                byte           `json:"mqos"`
	MaximumQosFlag            bool           `json:"fmqos"`
	RetainAvailable           byte           `json:"ra"`
	RetainAvailableFlag       bool           `json:"fra"`
	WildcardSubAvailable      byte           `json:"wsa"`
	WildcardSubAvailableFlag  bool           `json:"fwsa"`
	SubIDAvailable            byte           `json:"sida"`
	SubIDAvailableFlag        bool           `json:"fsida"`
	SharedSubAvailable        byte           `json:"ssa"`
	SharedSubAvailableFlag    bool           `json:"fssa"`
}

// Copy returns a deep copy of the properties. The topic alias is only kept
// when allowTransfer is set, as aliases are scoped to a single connection.
func (p *Properties) Copy(allowTransfer bool) Properties {
	pr := *p // [MQTT-3.3.2-4] [MQTT-3.3.2-15] [MQTT-3.3.2-20]
	pr.CorrelationData = nil
	pr.SubscriptionIdentifier = nil
	pr.AuthenticationData = nil
	pr.User = nil

	if !allowTransfer {
		pr.TopicAlias = 0 // [MQTT-3.3.2-7]
		pr.TopicAliasFlag = false
	}

	if len(p.CorrelationData) > 0 {
		pr.CorrelationData = bytes.Clone(p.CorrelationData) // [MQTT-3.3.2-16]
	}

	if len(p.SubscriptionIdentifier) > 0 {
		pr.SubscriptionIdentifier = append([]int{}, p.SubscriptionIdentifier...)
	}

	if len(p.AuthenticationData) > 0 {
		pr.AuthenticationData = bytes.Clone(p.AuthenticationData)
	}

	if len(p.User) > 0 {
		pr.User = append([]UserProperty{}, p.User...) // [MQTT-3.3.2-17]
	}

	return pr
}

// canEncode returns true if the property type is valid for the packet type.
func (p *Properties) canEncode(pkt byte, k byte) bool {
	return validPacketProperties[k][pkt] == 1
}

// propWriter accumulates the encoded properties of a single packet type,
// skipping any property which the packet type does not permit.
type propWriter struct {
	pkt byte
	buf []byte
}

func (w *propWriter) ok(k byte, present bool) bool {
	if !present || validPacketProperties[k][w.pkt] != 1 {
		return false
	}

	w.buf = append(w.buf, k)
	return true
}

func (w *propWriter) byte(k byte, v byte, present bool) {
	if w.ok(k, present) {
		w.buf = append(w.buf, v)
	}
}

func (w *propWriter) uint16(k byte, v uint16, present bool) {
	if w.ok(k, present) {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *propWriter) uint32(k byte, v uint32, present bool) {
	if w.ok(k, present) {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *propWriter) string(k byte, v string, present bool) {
	if w.ok(k, present) {
		w.buf = appendPrefixed(w.buf, v)
	}
}

func (w *propWriter) bytes(k byte, v []byte, present bool) {
	if w.ok(k, present) {
		w.buf = appendPrefixed(w.buf, v)
	}
}

// fits reports whether extra bytes may be added to a packet of size n
// without exceeding the maximum packet size.
func fits(mods Mods, n, extra int) bool {
	return mods.MaxSize == 0 || uint32(n+extra+1) < mods.MaxSize
}

// Encode writes the length-prefixed properties valid for packet type pkt to b.
// n is the size of the rest of the packet, used to decide whether the optional
// reason string and user properties still fit within mods.MaxSize.
func (p *Properties) Encode(pkt byte, mods Mods, b *bytes.Buffer, n int) {
	if p == nil {
		return
	}

	w := &propWriter{pkt: pkt}
	w.byte(PropPayloadFormat, p.PayloadFormat, p.PayloadFormatFlag)
	w.uint32(PropMessageExpiryInterval, p.MessageExpiryInterval, p.MessageExpiryInterval > 0)
	w.string(PropContentType, p.ContentType, p.ContentType != "") // [MQTT-3.3.2-19]

	// [MQTT-3.1.2-28] [MQTT-3.3.2-13] [MQTT-3.3.2-14]
	w.string(PropResponseTopic, p.ResponseTopic, mods.AllowResponseInfo &&
		p.ResponseTopic != "" && !strings.ContainsAny(p.ResponseTopic, "+#"))
	w.bytes(PropCorrelationData, p.CorrelationData, mods.AllowResponseInfo && len(p.CorrelationData) > 0)

	if p.canEncode(pkt, PropSubscriptionIdentifier) {
		for _, id := range p.SubscriptionIdentifier {
			if id > 0 {
				w.buf = appendLength(append(w.buf, PropSubscriptionIdentifier), int64(id))
			}
		}
	}

	w.uint32(PropSessionExpiryInterval, p.SessionExpiryInterval, p.SessionExpiryIntervalFlag) // [MQTT-3.14.2-2]
	w.string(PropAssignedClientID, p.AssignedClientID, p.AssignedClientID != "")
	w.uint16(PropServerKeepAlive, p.ServerKeepAlive, p.ServerKeepAliveFlag)
	w.string(PropAuthenticationMethod, p.AuthenticationMethod, p.AuthenticationMethod != "")
	w.bytes(PropAuthenticationData, p.AuthenticationData, len(p.AuthenticationData) > 0)
	w.byte(PropRequestProblemInfo, p.RequestProblemInfo, p.RequestProblemInfoFlag)
	w.uint32(PropWillDelayInterval, p.WillDelayInterval, p.WillDelayInterval > 0)
	w.byte(PropRequestResponseInfo, p.RequestResponseInfo, p.RequestResponseInfo > 0)
	w.string(PropResponseInfo, p.ResponseInfo, mods.AllowResponseInfo && p.ResponseInfo != "")
	w.string(PropServerReference, p.ServerReference, p.ServerReference != "")

	// [MQTT-3.2.2-19] [MQTT-3.14.2-3] [MQTT-3.4.2-2] [MQTT-3.5.2-2]
	// [MQTT-3.6.2-2] [MQTT-3.9.2-1] [MQTT-3.11.2-1] [MQTT-3.15.2-2]
	w.string(PropReasonString, p.ReasonString, !mods.DisallowProblemInfo &&
		p.ReasonString != "" && fits(mods, n, 2+len(p.ReasonString)))

	w.uint16(PropReceiveMaximum, p.ReceiveMaximum, p.ReceiveMaximum > 0)
	w.uint16(PropTopicAliasMaximum, p.TopicAliasMaximum, p.TopicAliasMaximum > 0)
	w.uint16(PropTopicAlias, p.TopicAlias, p.TopicAliasFlag && p.TopicAlias > 0) // [MQTT-3.3.2-8]
	w.byte(PropMaximumQos, p.MaximumQos, p.MaximumQosFlag && p.MaximumQos < 2)
	w.byte(PropRetainAvailable, p.RetainAvailable, p.RetainAvailableFlag)

	if !mods.DisallowProblemInfo && p.canEncode(pkt, PropUser) && len(p.User) > 0 {
		var ub []byte
		for _, u := range p.User {
			ub = appendPrefixed(appendPrefixed(append(ub, PropUser), u.Key), u.Val)
		}

		// [MQTT-3.2.2-20] [MQTT-3.14.2-4] [MQTT-3.4.2-3] [MQTT-3.5.2-3]
		// [MQTT-3.6.2-3] [MQTT-3.9.2-2] [MQTT-3.11.2-2] [MQTT-3.15.2-3]
		if fits(mods, n, len(ub)) {
			w.buf = append(w.buf, ub...)
		}
	}

	w.uint32(PropMaximumPacketSize, p.MaximumPacketSize, p.MaximumPacketSize > 0)
	w.byte(PropWildcardSubAvailable, p.WildcardSubAvailable, p.WildcardSubAvailableFlag)
	w.byte(PropSubIDAvailable, p.SubIDAvailable, p.SubIDAvailableFlag)
	w.byte(PropSharedSubAvailable, p.SharedSubAvailable, p.SharedSubAvailableFlag)

	encodeLength(b, int64(len(w.buf)))
	b.Write(w.buf) // [MQTT-3.1.3-10]
}

// cursor reads sequential fields from a properties block. The first error is
// retained and all subsequent reads return zero values.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) byte() (v byte) {
	if c.err == nil {
		v, c.off, c.err = decodeByte(c.buf, c.off)
	}
	return
}

func (c *cursor) uint16() (v uint16) {
	if c.err == nil {
		v, c.off, c.err = decodeUint16(c.buf, c.off)
	}
	return
}

func (c *cursor) uint32() (v uint32) {
	if c.err == nil {
		v, c.off, c.err = decodeUint32(c.buf, c.off)
	}
	return
}

func (c *cursor) string() (v string) {
	if c.err == nil {
		v, c.off, c.err = decodeString(c.buf, c.off)
	}
	return
}

func (c *cursor) bytes() []byte {
	if c.err != nil {
		return nil
	}

	var v []byte
	v, c.off, c.err = decodeBytes(c.buf, c.off)
	return bytes.Clone(v)
}

func (c *cursor) varint() int {
	if c.err != nil {
		return 0
	}

	v, bu, err := DecodeLength(bytes.NewReader(c.buf[c.off:]))
	c.off += bu
	c.err = err
	return v
}

// Decode reads a length-prefixed properties block for packet type pkt from b,
// returning the total number of bytes the block occupies.
func (p *Properties) Decode(pkt byte, b *bytes.Buffer) (n int, err error) {
	if p == nil {
		return 0, nil
	}

	n, bu, err := DecodeLength(b)
	if err != nil || n == 0 {
		return n + bu, err
	}

	if n > b.Len() {
		return n + bu, ErrMalformedProperties
	}

	c := &cursor{buf: b.Bytes()[:n]}
	for c.off < n && c.err == nil {
		k := c.byte()
		if c.err != nil {
			break
		}

		if _, ok := validPacketProperties[k][pkt]; !ok {
			return n + bu, fmt.Errorf("property type %v not valid for packet type %v: %w", k, pkt, ErrProtocolViolationUnsupportedProperty)
		}

		switch k {
		case PropPayloadFormat:
			p.PayloadFormat, p.PayloadFormatFlag = c.byte(), true
		case PropMessageExpiryInterval:
			p.MessageExpiryInterval = c.uint32()
		case PropContentType:
			p.ContentType = c.string()
		case PropResponseTopic:
			p.ResponseTopic = c.string()
		case PropCorrelationData:
			p.CorrelationData = c.bytes()
		case PropSubscriptionIdentifier:
			if id := c.varint(); c.err == nil {
				p.SubscriptionIdentifier = append(p.SubscriptionIdentifier, id)
			}
		case PropSessionExpiryInterval:
			p.SessionExpiryInterval, p.SessionExpiryIntervalFlag = c.uint32(), true
		case PropAssignedClientID:
			p.AssignedClientID = c.string()
		case PropServerKeepAlive:
			p.ServerKeepAlive, p.ServerKeepAliveFlag = c.uint16(), true
		case PropAuthenticationMethod:
			p.AuthenticationMethod = c.string()
		case PropAuthenticationData:
			p.AuthenticationData = c.bytes()
		case PropRequestProblemInfo:
			p.RequestProblemInfo, p.RequestProblemInfoFlag = c.byte(), true
		case PropWillDelayInterval:
			p.WillDelayInterval = c.uint32()
		case PropRequestResponseInfo:
			p.RequestResponseInfo = c.byte()
		case PropResponseInfo:
			p.ResponseInfo = c.string()
		case PropServerReference:
			p.ServerReference = c.string()
		case PropReasonString:
			p.ReasonString = c.string()
		case PropReceiveMaximum:
			p.ReceiveMaximum = c.uint16()
		case PropTopicAliasMaximum:
			p.TopicAliasMaximum = c.uint16()
		case PropTopicAlias:
			p.TopicAlias, p.TopicAliasFlag = c.uint16(), true
		case PropMaximumQos:
			p.MaximumQos, p.MaximumQosFlag = c.byte(), true
		case PropRetainAvailable:
			p.RetainAvailable, p.RetainAvailableFlag = c.byte(), true
		case PropUser:
			key, val := c.string(), c.string()
			if c.err == nil {
				p.User = append(p.User, UserProperty{Key: key, Val: val})
			}
		case PropMaximumPacketSize:
			p.MaximumPacketSize = c.uint32()
		case PropWildcardSubAvailable:
			p.WildcardSubAvailable, p.WildcardSubAvailableFlag = c.byte(), true
		case PropSubIDAvailable:
			p.SubIDAvailable, p.SubIDAvailableFlag = c.byte(), true
		case PropSharedSubAvailable:
			p.SharedSubAvailable, p.SharedSubAvailableFlag = c.byte(), true
		}
	}

	return n + bu, c.err
}
