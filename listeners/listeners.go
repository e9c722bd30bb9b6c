// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package listeners provides the network interfaces which accept client
// connections for the broker.
package listeners

import (
	"crypto/tls"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
)

// Listener types, as named in configuration files.
const (
	TypeTCP         = "tcp"
	TypeWS          = "ws"
	TypeUnix        = "unix"
	TypeQUIC        = "quic"
	TypeHealthCheck = "healthcheck"
	TypeSysInfo     = "sysinfo"
	TypeMetrics     = "metrics"
	TypeMock        = "mock"
)

// Config contains configuration values for a listener.
type Config struct {
	Type      string      `yaml:"type" json:"type"`
	ID        string      `yaml:"id" json:"id"`
	Address   string      `yaml:"address" json:"address"`
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// EstablishFn is a callback function for establishing new clients.
type EstablishFn func(id string, c net.Conn) error

// CloseFn is a callback function for closing all listener clients.
type CloseFn func(id string)

// Listener is an interface for network listeners. A network listener listens
// for incoming client connections and adds them to the server.
type Listener interface {
	Init(*slog.Logger) error // open the network address
	Serve(EstablishFn)       // starting actively listening for new connections
	ID() string              // return the id of the listener
	Address() string         // the address of the listener
	Protocol() string        // the protocol in use by the listener
	Close(CloseFn)           // stop and close the listener
}

// Listeners is the set of network listeners for the broker, keyed on id.
type Listeners struct {
	ClientsWg sync.WaitGroup // tracks the connections of every listener
	internal  map[string]Listener
	closing   bool // set by CloseAll, after which Track refuses connections
	sync.RWMutex
}

// New returns a new instance of Listeners.
func New() *Listeners {
	return &Listeners{
		internal: map[string]Listener{},
	}
}

// Add registers a listener, replacing any with the same id.
func (l *Listeners) Add(val Listener) {
	l.Lock()
	defer l.Unlock()
	l.internal[val.ID()] = val
}

// Get returns the listener with the id, if any.
func (l *Listeners) Get(id string) (Listener, bool) {
	l.RLock()
	defer l.RUnlock()
	val, ok := l.internal[id]
	return val, ok
}

// Len returns the number of listeners.
func (l *Listeners) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.internal)
}

// Delete removes a listener without closing it.
func (l *Listeners) Delete(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.internal, id)
}

// Serve starts a listener serving in its own goroutine.
func (l *Listeners) Serve(id string, establisher EstablishFn) {
	if listener, ok := l.Get(id); ok {
		go listener.Serve(establisher)
	}
}

// ServeAll starts every listener serving.
func (l *Listeners) ServeAll(establisher EstablishFn) {
	for _, id := range l.ids() {
		l.Serve(id, establisher)
	}
}

// Close stops a listener, calling closer to disconnect its clients.
func (l *Listeners) Close(id string, closer CloseFn) {
	if listener, ok := l.Get(id); ok {
		listener.Close(closer)
	}
}

// Track adds a connection to ClientsWg, returning false if CloseAll has
// begun. A tracked connection must call ClientsWg.Done when it ends.
func (l *Listeners) Track() bool {
	l.Lock()
	defer l.Unlock()

	if l.closing {
		return false
	}

	l.ClientsWg.Add(1)
	return true
}

// CloseAll closes every listener in id order, then waits for the clients of
// every listener to finish. Connections are no longer tracked once it begins.
func (l *Listeners) CloseAll(closer CloseFn) {
	l.Lock()
	l.closing = true
	l.Unlock()

	for _, id := range l.ids() {
		l.Close(id, closer)
	}
	l.ClientsWg.Wait()
}

func (l *Listeners) ids() []string {
	l.RLock()
	defer l.RUnlock()
	return slices.Sorted(maps.Keys(l.internal))
}
