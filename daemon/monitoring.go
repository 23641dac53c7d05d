/*
Copyright (c) The gnssgm authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Monitoring serves counters on /, the full status on /status and Prometheus
// metrics on /metrics
type Monitoring struct {
	stats   *Stats
	metrics *Metrics
	status  func() *Status
}

// NewMonitoring creates the monitoring surface. status provides a fresh
// snapshot per request.
func NewMonitoring(stats *Stats, metrics *Metrics, status func() *Status) *Monitoring {
	return &Monitoring{stats: stats, metrics: metrics, status: status}
}

// Start runs the http server; it only returns on listener failure
func (m *Monitoring) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleCounters)
	mux.HandleFunc("/status", m.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(m.metrics.Registry(), promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Infof("starting monitoring server on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (m *Monitoring) handleCounters(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(m.stats.Get())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}

func (m *Monitoring) handleStatus(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(m.status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}
