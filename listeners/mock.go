// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ErrListenerClosed is returned when dialing a mock listener which has been closed.
var ErrListenerClosed = errors.New("listener closed")

// MockEstablisher accepts and discards a connection.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser does nothing.
func MockCloser(id string) {}

// MockListener is an in-memory listener. Connections are made with Dial,
// which hands one end of a net.Pipe to the establish callback.
type MockListener struct {
	sync.RWMutex
	id        string
	address   string
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
	Serving   bool
	Listening bool
	ErrListen bool // fail on Init
}

// NewMockListener returns a new in-memory listener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
}

func (l *MockListener) ID() string {
	return l.id
}

func (l *MockListener) Address() string {
	return l.address
}

func (l *MockListener) Protocol() string {
	return TypeMock
}

// Init marks the listener as listening, or fails if ErrListen is set.
func (l *MockListener) Init(log *slog.Logger) error {
	if l.ErrListen {
		return errors.New("listen failure")
	}

	l.Lock()
	defer l.Unlock()
	l.log = log
	l.Listening = true
	return nil
}

// Serve passes each dialled connection to establish until the listener is closed.
func (l *MockListener) Serve(establish EstablishFn) {
	l.Lock()
	l.Serving = true
	l.Unlock()

	for {
		select {
		case <-l.done:
			return
		case conn := <-l.conns:
			go func() {
				if err := establish(l.id, conn); err != nil && l.log != nil {
					l.log.Debug("mock connection ended", "listener", l.id, "error", err)
				}
			}()
		}
	}
}

// Dial opens an in-memory connection to the listener, returning the client end.
// It blocks until the listener is serving.
func (l *MockListener) Dial() (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case <-l.done:
		_ = client.Close()
		_ = server.Close()
		return nil, ErrListenerClosed
	case l.conns <- server:
		return client, nil
	}
}

// Close stops serving and calls closer with the listener id.
func (l *MockListener) Close(closer CloseFn) {
	l.Lock()
	l.Serving = false
	l.Unlock()

	closer(l.id)
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *MockListener) IsServing() bool {
	l.RLock()
	defer l.RUnlock()
	return l.Serving
}

func (l *MockListener) IsListening() bool {
	l.RLock()
	defer l.RUnlock()
	return l.Listening
}
