// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttkit/engine/packets"
)

const defaultKeepalive uint16 = 10 // the default connection keepalive value in seconds.

var (
	// ErrConnectionClosed indicates the connection was closed before a write.
	ErrConnectionClosed = errors.New("connection not open")
)

// ConnectionNet contains the network values of a connection.
type ConnectionNet struct {
	Conn     net.Conn      // the net.Conn used to establish the connection
	bconn    *bufio.Reader // a buffered reader over the net.Conn
	Remote   string        // the remote address of the client
	Listener string        // the listener id the client connected to
}

// ConnectionProperties contains the connect properties of a connection.
type ConnectionProperties struct {
	Props           packets.Properties // v5 connect properties
	Username        []byte             // the username the client connected with
	ProtocolVersion byte               // the mqtt protocol version of the client
	Keepalive       uint16             // the keepalive in seconds, 0 for none
	Clean           bool               // clean session (v3) or clean start (v5)
}

// Connection is a single network connection bound to a session. A session
// outlives its connections; a connection is never reused once stopped.
type Connection struct {
	Net             ConnectionNet        // network values
	Properties      ConnectionProperties // connect properties
	TopicAliases    TopicAliases         // v5 topic aliases for this connection
	ID              string               // the client id
	ctx             context.Context      // cancelled when the connection stops
	cancel          context.CancelFunc   // cancels ctx
	session         atomic.Pointer[Session]
	lastReceived    int64        // unix nanoseconds of the last inbound activity
	stopTime        int64        // unix seconds the connection was stopped
	reading         atomic.Bool  // true while a packet is part read
	takenOver       atomic.Bool  // true if a newer connection took over the session
	cleanDisconnect atomic.Bool  // true if the client sent a normal disconnect
	expiring        atomic.Bool  // true once the keepalive monitor has acted
	stopCause       atomic.Value // the error which stopped the connection
	stopOnce        sync.Once    // stop runs once
	writeMu         sync.Mutex   // serialises writes from the read and drain loops
	drained         chan struct{}
	ops             *ops
}

// newConnection returns a connection for a net.Conn.
func newConnection(c net.Conn, o *ops) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &Connection{
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		ops:     o,
		Properties: ConnectionProperties{
			ProtocolVersion: 4,
			Keepalive:       defaultKeepalive,
		},
		TopicAliases: NewTopicAliases(0),
	}

	if c != nil {
		cl.Net = ConnectionNet{
			Conn:   c,
			bconn:  bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize),
			Remote: c.RemoteAddr().String(),
		}
	}

	cl.touch()
	return cl
}

// ParseConnect sets the connection properties from a connect packet.
func (cl *Connection) ParseConnect(listener string, pk packets.Packet) {
	cl.Net.Listener = listener
	cl.ID = pk.Connect.ClientIdentifier
	cl.Properties.ProtocolVersion = pk.ProtocolVersion
	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.Keepalive = pk.Connect.Keepalive // [MQTT-3.2.2-22]
	cl.Properties.Props = pk.Properties.Copy(false)

	if cl.Properties.Props.ReceiveMaximum == 0 {
		cl.Properties.Props.ReceiveMaximum = 65535 // [MQTT-3.3.4-9]
	}

	cl.TopicAliases = TopicAliases{
		Inbound:  NewInboundTopicAliases(cl.ops.options.Capabilities.TopicAliasMaximum),
		Outbound: NewOutboundTopicAliases(cl.Properties.Props.TopicAliasMaximum),
	}
}

// Session returns the session the connection is bound to.
func (cl *Connection) Session() *Session {
	return cl.session.Load()
}

// setSession binds the connection to a session.
func (cl *Connection) setSession(sess *Session) {
	cl.session.Store(sess)
}

// Context returns a context which is cancelled when the connection stops.
func (cl *Connection) Context() context.Context {
	return cl.ctx
}

// TLSState returns the tls connection state if the connection is secure.
func (cl *Connection) TLSState() *tls.ConnectionState {
	if c, ok := cl.Net.Conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		st := c.ConnectionState()
		return &st
	}
	return nil
}

// touch records inbound activity for the keepalive monitor.
func (cl *Connection) touch() {
	atomic.StoreInt64(&cl.lastReceived, time.Now().UnixNano())
}

// LastReceived returns the time of the last inbound activity.
func (cl *Connection) LastReceived() time.Time {
	return time.Unix(0, atomic.LoadInt64(&cl.lastReceived))
}

// IsReading returns true if a packet is being read.
func (cl *Connection) IsReading() bool {
	return cl.reading.Load()
}

// IsTakenOver returns true if a newer connection took over the session.
func (cl *Connection) IsTakenOver() bool {
	return cl.takenOver.Load()
}

// Drained returns a channel which is closed once the connection's drain loop
// has returned any message it was delivering to the session queue.
func (cl *Connection) Drained() <-chan struct{} {
	return cl.drained
}

// ReadPacket reads the next packet from the connection. Waiting for the first
// byte of a packet is idle time; once it arrives the connection is marked as
// reading until the packet is complete.
func (cl *Connection) ReadPacket() (pk packets.Packet, err error) {
	if cl.Net.bconn == nil {
		return pk, ErrConnectionClosed
	}

	hb, err := cl.Net.bconn.ReadByte()
	if err != nil {
		return pk, err
	}

	cl.reading.Store(true)
	defer cl.reading.Store(false)
	cl.touch()

	err = pk.FixedHeader.Decode(hb)
	if err != nil {
		return pk, err
	}

	remaining, bu, err := packets.DecodeLength(cl.Net.bconn)
	if err != nil {
		return pk, err
	}
	pk.FixedHeader.Remaining = remaining
	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(bu+1))

	if max := cl.ops.options.Capabilities.MaximumPacketSize; max > 0 && uint32(remaining+bu+1) > max {
		return pk, packets.ErrPacketTooLarge // [MQTT-3.2.2-15]
	}

	p := make([]byte, remaining)
	if _, err = io.ReadFull(cl.Net.bconn, p); err != nil {
		return pk, err
	}
	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(remaining))

	pk.ProtocolVersion = cl.Properties.ProtocolVersion
	if err = pk.Decode(p); err != nil {
		return pk, err
	}

	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesReceived, 1)
	}

	return cl.ops.hooks.OnPacketRead(cl, pk)
}

// WritePacket encodes and writes a packet to the connection. Writes are
// serialised and bounded by the communication timeout.
func (cl *Connection) WritePacket(pk packets.Packet) error {
	if cl.Closed() || cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	if pk.Mods.MaxSize == 0 {
		pk.Mods.MaxSize = cl.Properties.Props.MaximumPacketSize
	}

	if cl.Properties.Props.RequestProblemInfoFlag && cl.Properties.Props.RequestProblemInfo == 0x0 {
		pk.Mods.DisallowProblemInfo = true // [MQTT-3.1.2-29] strict, no problem info on any packet if set
	}

	if pk.FixedHeader.Type != packets.Connack || cl.Properties.Props.RequestResponseInfo == 0x1 || cl.ops.options.Capabilities.Compatibilities.AlwaysReturnResponseInfo {
		pk.Mods.AllowResponseInfo = true // [MQTT-3.1.2-28]
	}

	pk.ProtocolVersion = cl.Properties.ProtocolVersion
	buf := new(bytes.Buffer)
	if err := pk.Encode(buf); err != nil {
		return err
	}

	if pk.Mods.MaxSize > 0 && uint32(buf.Len()) > pk.Mods.MaxSize {
		return packets.ErrPacketTooLarge // [MQTT-3.1.2-24] [MQTT-3.1.2-25]
	}

	b := buf.Bytes()

	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	if timeout := cl.ops.options.DefaultCommunicationTimeout; timeout > 0 {
		_ = cl.Net.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	n, err := cl.Net.Conn.Write(b)
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	cl.ops.hooks.OnPacketSent(cl, pk, b)

	return nil
}

// Stop closes the connection and cancels its context. Only the first cause
// is kept.
func (cl *Connection) Stop(err error) {
	cl.stopOnce.Do(func() {
		if err != nil {
			cl.stopCause.Store(err)
		}

		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close()
		}

		cl.cancel()
		atomic.StoreInt64(&cl.stopTime, time.Now().Unix())
	})
}

// StopCause returns the reason the connection was stopped, if any.
func (cl *Connection) StopCause() error {
	if v, ok := cl.stopCause.Load().(error); ok {
		return v
	}
	return nil
}

// StopTime returns the unix time the connection was stopped, or 0.
func (cl *Connection) StopTime() int64 {
	return atomic.LoadInt64(&cl.stopTime)
}

// Closed returns true if the connection has been stopped.
func (cl *Connection) Closed() bool {
	return cl.ctx.Err() != nil
}
