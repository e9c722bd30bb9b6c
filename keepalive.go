// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
	"time"

	"github.com/mqttkit/engine/packets"
)

// keepaliveLoop scans the live connections on an interval and disconnects any
// which have been silent for longer than their keepalive allows.
func (s *Server) keepaliveLoop() {
	s.Log.Debug("keepalive monitor started")
	defer s.Log.Debug("keepalive monitor halted")

	ticker := time.NewTicker(s.Options.KeepaliveScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkKeepalives(now)
		}
	}
}

// checkKeepalives disconnects each connection whose keepalive has expired by
// now. Disconnection happens asynchronously so a slow write never stalls the
// scan.
func (s *Server) checkKeepalives(now time.Time) {
	for _, cl := range s.Sessions.Connections() {
		if !keepaliveExpired(cl, now) {
			continue
		}

		if !cl.expiring.CompareAndSwap(false, true) {
			continue
		}

		atomic.AddInt64(&s.Info.KeepaliveTimeouts, 1)
		s.Log.Debug("keepalive timeout", "client", cl.ID, "remote", cl.Net.Remote, "listener", cl.Net.Listener)
		go func(cl *Connection) {
			_ = s.DisconnectClient(cl, packets.ErrKeepAliveTimeout)
		}(cl)
	}
}

// keepaliveExpired returns true if a connection has received nothing for more
// than one and a half times its keepalive. A connection with a keepalive of 0,
// or which is part way through reading a packet, never expires. [MQTT-3.1.2-22]
func keepaliveExpired(cl *Connection, now time.Time) bool {
	ka := cl.Properties.Keepalive
	if ka == 0 || cl.IsReading() || cl.Closed() {
		return false
	}

	limit := time.Duration(ka) * 1500 * time.Millisecond
	return now.Sub(cl.LastReceived()) > limit
}
