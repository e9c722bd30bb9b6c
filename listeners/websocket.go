// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrInvalidMessage indicates a websocket message was not binary.
var ErrInvalidMessage = errors.New("message type not binary")

// Websocket accepts MQTT connections carried in binary websocket messages
// using the mqtt subprotocol.
type Websocket struct { // [MQTT-4.2.0-1]
	httpListener
	establish EstablishFn
	upgrader  *websocket.Upgrader
}

// NewWebsocket returns a websocket listener bound to config.Address.
func NewWebsocket(config Config) *Websocket {
	return &Websocket{
		httpListener: newHTTPListener(config),
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (l *Websocket) Protocol() string {
	if l.config.TLSConfig != nil {
		return "wss"
	}

	return "ws"
}

func (l *Websocket) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handler)
	l.init(log, mux, 60*time.Second)
	return nil
}

// handler upgrades the request and runs the connection until it ends.
func (l *Websocket) handler(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	if err := l.establish(l.id, &wsConn{Conn: c.UnderlyingConn(), c: c}); err != nil {
		l.log.Warn("connection ended", "listener", l.id, "remote", r.RemoteAddr, "error", err)
	}
}

func (l *Websocket) Serve(establish EstablishFn) {
	l.establish = establish
	l.httpListener.Serve(establish)
}

// wsConn adapts a websocket connection to net.Conn. Packets may span several
// messages and a message may hold several packets, so the messages are read
// as one continuous stream.
type wsConn struct {
	net.Conn
	c *websocket.Conn
	r io.Reader // current message, nil between messages
}

func (ws *wsConn) Read(p []byte) (int, error) {
	for {
		if ws.r == nil {
			op, r, err := ws.c.NextReader()
			if err != nil {
				return 0, err
			}

			if op != websocket.BinaryMessage {
				return 0, ErrInvalidMessage
			}
			ws.r = r
		}

		n, err := ws.r.Read(p)
		if err != nil {
			ws.r = nil // drop the rest of a failed message
			if errors.Is(err, io.EOF) {
				if n == 0 && len(p) > 0 {
					continue
				}
				err = nil
			}
		}

		return n, err
	}
}

// Write sends p as a single binary message.
func (ws *wsConn) Write(p []byte) (int, error) {
	if err := ws.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}
