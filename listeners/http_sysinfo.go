// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mqttkit/engine/system"
)

// HTTPStats presents a snapshot of the engine counters as JSON.
type HTTPStats struct {
	httpListener
	sysInfo *system.Info
}

// NewHTTPStats returns a stats listener reading counters from sysInfo.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		httpListener: newHTTPListener(config),
		sysInfo:      sysInfo,
	}
}

func (l *HTTPStats) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	l.init(log, mux, endpointTimeout)
	return nil
}

// jsonHandler writes the current counters as indented JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	out, err := json.MarshalIndent(l.sysInfo.Clone(), "", "\t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
