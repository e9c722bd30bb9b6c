// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func TestNewQUIC(t *testing.T) {
	l := NewQUIC(Config{ID: "q1", Address: testAddr})
	require.Equal(t, "q1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "quic", l.Protocol())
}

func TestQUICInitRequiresTLS(t *testing.T) {
	l := NewQUIC(Config{ID: "q1", Address: testAddr})
	require.ErrorIs(t, l.Init(logger), ErrTLSRequired)
}

func TestQUICServeAndClose(t *testing.T) {
	l := NewQUIC(Config{ID: "q1", Address: testAddr, TLSConfig: newTLSConfig(t)})
	require.NoError(t, l.Init(logger))
	require.NotEqual(t, testAddr, l.Address())

	type result struct {
		id     string
		data   []byte
		remote net.Addr
		tls    uint16
	}

	established := make(chan result, 1)
	done := serve(l, func(id string, c net.Conn) error {
		buf := make([]byte, 2)
		_, err := io.ReadFull(c, buf)
		established <- result{
			id:     id,
			data:   buf,
			remote: c.RemoteAddr(),
			tls:    c.(*quicConn).ConnectionState().Version,
		}
		return err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(ctx, l.Address(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"mqtt"},
	}, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseWithError(0, "") }()

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte{0xc0, 0x00})
	require.NoError(t, err)

	select {
	case r := <-established:
		require.Equal(t, "q1", r.id)
		require.Equal(t, []byte{0xc0, 0x00}, r.data)
		require.NotNil(t, r.remote)
		require.Equal(t, uint16(tls.VersionTLS13), r.tls)
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not established")
	}

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	waitDone(t, done)
}
