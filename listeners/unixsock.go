// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: jason@zgwit.com

package listeners

import (
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"os"
)

// UnixSock accepts client connections on a unix domain socket, typically for
// clients running on the same host as the engine.
type UnixSock struct {
	streamListener
}

// NewUnixSock returns a unix socket listener bound to the path in config.Address.
func NewUnixSock(config Config) *UnixSock {
	return &UnixSock{
		streamListener: streamListener{id: config.ID, address: config.Address},
	}
}

// Address returns the socket file path.
func (l *UnixSock) Address() string {
	return l.address
}

func (l *UnixSock) Protocol() string {
	return TypeUnix
}

// Init removes any stale socket file left by a previous run and binds the socket.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	if err := os.Remove(l.address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var err error
	l.listen, err = net.Listen("unix", l.address)
	return err
}
