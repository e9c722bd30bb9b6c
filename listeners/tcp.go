// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
)

// TCP accepts client connections over tcp, or tls over tcp when the config
// carries a tls configuration. [MQTT-4.2.0-1]
type TCP struct {
	streamListener
	tls *tls.Config
}

// NewTCP returns a tcp listener for config.Address.
func NewTCP(config Config) *TCP {
	return &TCP{
		streamListener: streamListener{id: config.ID, address: config.Address},
		tls:            config.TLSConfig,
	}
}

func (l *TCP) Protocol() string {
	return TypeTCP
}

// Init binds the address.
func (l *TCP) Init(log *slog.Logger) error {
	l.log = log

	var err error
	if l.tls != nil {
		l.listen, err = tls.Listen("tcp", l.address, l.tls)
	} else {
		l.listen, err = net.Listen("tcp", l.address)
	}
	return err
}
