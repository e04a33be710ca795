// Copyright 2024 The pipewatch Authors
// This file is part of the pipewatch library.
//
// The pipewatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pipewatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pipewatch library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the watchtower's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry so tests can run many
// instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested  prometheus.Counter
	BurnBlocks      prometheus.Counter
	ClosuresExpired prometheus.Counter
	ActiveClosures  prometheus.Gauge
	StatesStored    prometheus.Counter
	StatesRejected  *prometheus.CounterVec
	Disputes        *prometheus.CounterVec
	CosignRequests  *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// New builds a registry with all watchtower collectors plus the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_events_ingested_total",
			Help: "Pipe print events extracted from chain payloads.",
		}),
		BurnBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_burn_blocks_total",
			Help: "Burn block notifications processed.",
		}),
		ClosuresExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_closures_expired_total",
			Help: "Closures swept after their expiry height passed.",
		}),
		ActiveClosures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipewatch_closures_active",
			Help: "Closures currently inside their waiting period.",
		}),
		StatesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_signature_states_stored_total",
			Help: "Signature states accepted into the store.",
		}),
		StatesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_signature_states_rejected_total",
			Help: "Signature states rejected, by reason.",
		}, []string{"reason"}),
		Disputes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_disputes_total",
			Help: "Dispute submissions, by result.",
		}, []string{"result"}),
		CosignRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_cosign_requests_total",
			Help: "Counterparty co-sign requests, by result.",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_http_requests_total",
			Help: "HTTP requests served, by route and status.",
		}, []string{"route", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
