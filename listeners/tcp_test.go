// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTCP(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "tcp", l.Protocol())
}

func TestTCPInitAddressInUse(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	defer l.Close(MockCloser)

	l2 := NewTCP(Config{ID: "t2", Address: l.Address()})
	require.Error(t, l2.Init(logger))
}

func TestTCPServeAndClose(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr})
	require.NoError(t, l.Init(logger))
	require.NotEqual(t, testAddr, l.Address())

	established := make(chan string, 1)
	done := serve(l, func(id string, c net.Conn) error {
		established <- id
		return c.Close()
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-established:
		require.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	var closed int
	l.Close(func(id string) {
		closed++
	})
	waitDone(t, done)

	l.Close(func(id string) {
		closed++
	})
	require.Equal(t, 1, closed)
}

func TestTCPServeTLS(t *testing.T) {
	l := NewTCP(Config{ID: "t1", Address: testAddr, TLSConfig: newTLSConfig(t)})
	require.NoError(t, l.Init(logger))

	isTLS := make(chan bool, 1)
	done := serve(l, func(id string, c net.Conn) error {
		_, ok := c.(*tls.Conn)
		isTLS <- ok
		return c.Close()
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ok := <-isTLS:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	l.Close(MockCloser)
	waitDone(t, done)
}
