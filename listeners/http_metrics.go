// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqttkit/engine/system"
)

// HTTPMetrics exposes the engine counters for prometheus on /metrics.
type HTTPMetrics struct {
	httpListener
	registry *prometheus.Registry
}

// NewHTTPMetrics returns a metrics listener. The counters are registered with
// a registry owned by the listener, so several may run side by side.
func NewHTTPMetrics(config Config, sysInfo *system.Info) *HTTPMetrics {
	registry := prometheus.NewRegistry()
	sysInfo.RegisterPrometheusMetrics(registry)

	return &HTTPMetrics{
		httpListener: newHTTPListener(config),
		registry:     registry,
	}
}

func (l *HTTPMetrics) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	l.init(log, mux, endpointTimeout)
	return nil
}
