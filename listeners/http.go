// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// httpListener is the shared body of the listeners which serve plain HTTP
// endpoints rather than MQTT connections.
type httpListener struct {
	sync.RWMutex
	id      string
	address string
	config  Config
	listen  *http.Server
	log     *slog.Logger
	end     uint32
}

func newHTTPListener(config Config) httpListener {
	return httpListener{
		id:      config.ID,
		address: config.Address,
		config:  config,
	}
}

func (l *httpListener) ID() string {
	return l.id
}

func (l *httpListener) Address() string {
	return l.address
}

func (l *httpListener) Protocol() string {
	if l.config.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// init prepares the http server with the given routes and read/write timeout.
func (l *httpListener) init(log *slog.Logger, mux *http.ServeMux, timeout time.Duration) {
	l.log = log
	l.listen = &http.Server{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Addr:         l.address,
		Handler:      mux,
		TLSConfig:    l.config.TLSConfig,
	}
}

// endpointTimeout bounds requests to the plain http endpoints.
const endpointTimeout = 5 * time.Second

// Serve blocks serving http requests until the listener is closed.
func (l *httpListener) Serve(establish EstablishFn) {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) && atomic.LoadUint32(&l.end) == 0 {
		l.log.Error("failed to serve", "error", err, "listener", l.id)
	}
}

// Close shuts the http server down, waiting up to five seconds for open requests.
func (l *httpListener) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) && l.listen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
