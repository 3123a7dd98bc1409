// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger's instrumentation on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TransfersTotal     *prometheus.CounterVec
	StoreConflicts     prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
	ExpiryHeapSize     prometheus.Gauge
}

// New registers and returns the ledger metric set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "transfers_total",
			Help:      "Transfer state transitions, by resulting state.",
		}, []string{"state"}),
		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "store_conflicts_total",
			Help:      "Transactions aborted by serialization conflicts.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "notifications_total",
			Help:      "Notification delivery attempts, by result.",
		}, []string{"result"}),
		ExpiryHeapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "expiry_heap_size",
			Help:      "Non-terminal transfers tracked by the expiry monitor.",
		}),
	}
	m.registry.MustRegister(
		m.TransfersTotal,
		m.StoreConflicts,
		m.NotificationsTotal,
		m.ExpiryHeapSize,
	)
	return m
}

// Handler serves the prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
