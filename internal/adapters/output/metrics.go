// Package output exposes engine observability: Prometheus metrics and a
// liveness endpoint served over HTTP.
package output

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// PrometheusMetrics publishes engine counters for scraping. Gauge and
// counter values are pulled from the shared EngineMetrics on collection,
// so the hot paths only touch atomics.
type PrometheusMetrics struct {
	linesRead       prometheus.CounterFunc
	eventsParsed    prometheus.CounterFunc
	eventsApplied   prometheus.CounterFunc
	duplicates      prometheus.CounterFunc
	orphanUnbans    prometheus.CounterFunc
	syncCorrections prometheus.CounterFunc
	syncConflicts   prometheus.CounterFunc
	geoLookups      prometheus.CounterFunc
	geoFailures     prometheus.CounterFunc
	storeCommits    prometheus.CounterFunc
	activeBans      prometheus.GaugeFunc
	trackedAddrs    prometheus.GaugeFunc
	threats         prometheus.GaugeFunc

	server *http.Server
	mu     sync.Mutex
}

// MetricsConfig configures the scrape endpoint.
type MetricsConfig struct {
	Addr string // listen address, e.g. ":9321"
	Path string // scrape path, default /metrics
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Addr: ":9321", Path: "/metrics"}
}

// StatsSource supplies store aggregates for the gauges.
type StatsSource func() (activeBans, trackedAddrs, threats int)

// NewPrometheusMetrics registers the banwatch metric family.
func NewPrometheusMetrics(namespace string, metrics *domain.EngineMetrics, stats StatsSource) *PrometheusMetrics {
	if namespace == "" {
		namespace = "banwatch"
	}

	counter := func(name, help string, value func(domain.MetricsSnapshot) int64) prometheus.CounterFunc {
		return promauto.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(metrics.Snapshot()))
		})
	}

	m := &PrometheusMetrics{}
	m.linesRead = counter("log_lines_read_total", "Log lines read by the position tracker",
		func(s domain.MetricsSnapshot) int64 { return s.LinesRead })
	m.eventsParsed = counter("events_parsed_total", "Ban/unban/attempt events parsed from logs",
		func(s domain.MetricsSnapshot) int64 { return s.EventsParsed })
	m.eventsApplied = counter("events_applied_total", "Events folded into the attacks store",
		func(s domain.MetricsSnapshot) int64 { return s.EventsApplied })
	m.duplicates = counter("events_deduplicated_total", "Duplicate events dropped on append",
		func(s domain.MetricsSnapshot) int64 { return s.Duplicates })
	m.orphanUnbans = counter("orphan_unbans_total", "Unban events with no matching open ban",
		func(s domain.MetricsSnapshot) int64 { return s.OrphanUnbans })
	m.syncCorrections = counter("sync_corrections_total", "Corrective events written by reconciliation",
		func(s domain.MetricsSnapshot) int64 { return s.SyncCorrections })
	m.syncConflicts = counter("sync_conflicts_total", "Reconciliation conflicts resolved in favor of log history",
		func(s domain.MetricsSnapshot) int64 { return s.SyncConflicts })
	m.geoLookups = counter("geo_lookups_total", "Geolocation resolver invocations",
		func(s domain.MetricsSnapshot) int64 { return s.GeoLookups })
	m.geoFailures = counter("geo_failures_total", "Failed geolocation lookups",
		func(s domain.MetricsSnapshot) int64 { return s.GeoFailures })
	m.storeCommits = counter("store_commits_total", "Atomic store commits",
		func(s domain.MetricsSnapshot) int64 { return s.StoreCommits })

	m.activeBans = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bans",
		Help:      "Addresses the store currently believes are banned",
	}, func() float64 {
		a, _, _ := stats()
		return float64(a)
	})
	m.trackedAddrs = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_addresses",
		Help:      "Attacker records in the store",
	}, func() float64 {
		_, t, _ := stats()
		return float64(t)
	})
	m.threats = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "threat_addresses",
		Help:      "Addresses classified THREAT or EVADING",
	}, func() float64 {
		_, _, th := stats()
		return float64(th)
	})

	return m
}

// Serve starts the scrape endpoint in the background.
func (m *PrometheusMetrics) Serve(config MetricsConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Path == "" {
		config.Path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	m.server = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", config.Addr).Str("path", config.Path).Msg("metrics endpoint listening")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Shutdown stops the scrape endpoint gracefully.
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
