// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"log/slog"
	"net/http"
)

// HTTPHealthCheck serves a liveness check on /healthcheck.
type HTTPHealthCheck struct {
	httpListener
}

// NewHTTPHealthCheck returns a health check listener bound to config.Address.
func NewHTTPHealthCheck(config Config) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		httpListener: newHTTPListener(config),
	}
}

func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	l.init(log, mux, endpointTimeout)
	return nil
}
