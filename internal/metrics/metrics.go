// Package metrics defines the Prometheus instruments for an ingest run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Fetch outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeNotModified = "not_modified"
	OutcomeBlocked     = "blocked"
	OutcomeFailed      = "failed"
	OutcomeCapped      = "capped"
)

// Metrics bundles the collectors shared across the pipeline. A fresh
// registry per process keeps tests isolated from the default registry.
type Metrics struct {
	registry *prometheus.Registry

	FetchTotal     *prometheus.CounterVec
	SnapshotDedup  prometheus.Counter
	FetchDuration  prometheus.Histogram
	RetriesTotal   prometheus.Counter
	UpsertRows     *prometheus.CounterVec
	BatchItems     *prometheus.CounterVec
	WarningsTotal  prometheus.Counter
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketdb_fetch_total",
			Help: "Fetch attempts by outcome.",
		}, []string{"outcome"}),
		SnapshotDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cricketdb_snapshot_dedup_total",
			Help: "Fetches whose body matched an existing snapshot hash.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cricketdb_fetch_duration_seconds",
			Help:    "Wall time of successful fetches including politeness delays.",
			Buckets: prometheus.DefBuckets,
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cricketdb_fetch_retries_total",
			Help: "Transient fetch failures that triggered a retry.",
		}),
		UpsertRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketdb_upsert_rows_total",
			Help: "Rows touched by the upsert engine, by entity.",
		}, []string{"entity"}),
		BatchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketdb_batch_items_total",
			Help: "Pipeline items by final disposition.",
		}, []string{"result"}),
		WarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cricketdb_parse_warnings_total",
			Help: "Warnings emitted by the scorecard parser.",
		}),
	}
	reg.MustRegister(
		m.FetchTotal,
		m.SnapshotDedup,
		m.FetchDuration,
		m.RetriesTotal,
		m.UpsertRows,
		m.BatchItems,
		m.WarningsTotal,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
