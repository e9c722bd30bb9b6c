// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockListenerIdentity(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	require.Equal(t, "t1", mocked.ID())
	require.Equal(t, testAddr, mocked.Address())
	require.Equal(t, TypeMock, mocked.Protocol())
	require.False(t, mocked.IsListening())
	require.False(t, mocked.IsServing())
}

func TestMockListenerInit(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	require.NoError(t, mocked.Init(logger))
	require.True(t, mocked.IsListening())

	failing := NewMockListener("t2", testAddr)
	failing.ErrListen = true
	require.Error(t, failing.Init(logger))
	require.False(t, failing.IsListening())
}

func TestMockListenerDial(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	require.NoError(t, mocked.Init(logger))

	got := make(chan string, 1)
	done := serve(mocked, func(id string, c net.Conn) error {
		defer c.Close()
		b := make([]byte, 4)
		if _, err := io.ReadFull(c, b); err != nil {
			return err
		}
		got <- id + ":" + string(b)
		return nil
	})

	conn, err := mocked.Dial()
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case v := <-got:
		require.Equal(t, "t1:ping", v)
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	var closed string
	mocked.Close(func(id string) {
		closed = id
	})
	require.Equal(t, "t1", closed)
	require.False(t, mocked.IsServing())
	waitDone(t, done)

	_, err = mocked.Dial()
	require.ErrorIs(t, err, ErrListenerClosed)
}

func TestMockListenerCloseTwice(t *testing.T) {
	mocked := NewMockListener("t1", testAddr)
	calls := 0
	mocked.Close(func(id string) { calls++ })
	mocked.Close(func(id string) { calls++ })
	require.Equal(t, 2, calls)
}

func TestMockEstablisher(t *testing.T) {
	_, w := net.Pipe()
	require.NoError(t, MockEstablisher("t1", w))
	_ = w.Close()
}
