// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// streamListener accepts connections from a net.Listener. It is shared by
// the tcp and unix socket listeners.
type streamListener struct {
	sync.Mutex
	id      string
	address string
	listen  net.Listener
	log     *slog.Logger
	end     atomic.Bool
}

func (l *streamListener) ID() string {
	return l.id
}

// Address returns the bound address once listening, which differs from the
// configured address when a port of 0 was requested.
func (l *streamListener) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.address
}

// Serve hands each accepted connection to establish on its own goroutine,
// returning when the listener is closed.
func (l *streamListener) Serve(establish EstablishFn) {
	for !l.end.Load() {
		conn, err := l.listen.Accept()
		if err != nil {
			return
		}

		if l.end.Load() {
			_ = conn.Close()
			return
		}

		go func() {
			if err := establish(l.id, conn); err != nil {
				l.log.Warn("connection ended", "listener", l.id, "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// Close stops accepting connections and disconnects the listener's clients.
// Only the first call has any effect.
func (l *streamListener) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if !l.end.CompareAndSwap(false, true) {
		return
	}

	closeClients(l.id)
	if l.listen != nil {
		_ = l.listen.Close()
	}
}
