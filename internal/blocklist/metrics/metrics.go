// Package metrics exposes Prometheus collectors for ingestion, reloads and
// queries. Metrics satisfies the observer interfaces of the reload
// coordinator, the query engine and the ingest scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/ruleset"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/ingest"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/query"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/reload"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/snapshot"
)

const namespace = "blocklist"

// Metrics holds every collector on a private registry.
type Metrics struct {
	queriesTotal     *prometheus.CounterVec
	sourceBuilds     *prometheus.CounterVec
	sourceFailures   *prometheus.CounterVec
	sourceRules      *prometheus.GaugeVec
	sourceRejected   *prometheus.GaugeVec
	buildDuration    *prometheus.HistogramVec
	fetchesTotal     *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	snapshotGen      prometheus.Gauge
	snapshotRules    *prometheus.GaugeVec
	publishDuration  prometheus.Histogram
	reloadsTotal     prometheus.Counter
	reloadErrs       prometheus.Counter
	lastPublishGauge prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries answered, by probe kind, result and cache use.",
		}, []string{"kind", "result", "cache"}),

		sourceBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_builds_total",
			Help:      "Successful rule set builds per source.",
		}, []string{"source"}),

		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Failed rule set builds per source and error kind.",
		}, []string{"source", "kind"}),

		sourceRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_rules",
			Help:      "Rules in the latest rule set of each source.",
		}, []string{"source"}),

		sourceRejected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_rejected_lines",
			Help:      "Lines rejected in the latest build of each source.",
		}, []string{"source"}),

		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_build_duration_seconds",
			Help:      "Time to build one source's rule set.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),

		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetch attempts per source and outcome.",
		}, []string{"source", "outcome"}),

		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Fetch duration in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),

		snapshotGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_generation",
			Help:      "Generation of the published snapshot.",
		}),

		snapshotRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_rules",
			Help:      "Rules in the published snapshot by kind.",
		}, []string{"kind"}),

		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to merge and publish a snapshot.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}),

		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Snapshots published.",
		}),

		reloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_errors_total",
			Help:      "Reload attempts aborted by a merge error.",
		}),

		lastPublishGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_timestamp",
			Help:      "Unix timestamp of the last publish.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.queriesTotal,
		m.sourceBuilds,
		m.sourceFailures,
		m.sourceRules,
		m.sourceRejected,
		m.buildDuration,
		m.fetchesTotal,
		m.fetchDuration,
		m.snapshotGen,
		m.snapshotRules,
		m.publishDuration,
		m.reloadsTotal,
		m.reloadErrs,
		m.lastPublishGauge,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueryAnswered implements query.Recorder.
func (m *Metrics) QueryAnswered(kind string, matched, cached bool) {
	result := "miss"
	if matched {
		result = "match"
	}
	cache := "miss"
	if cached {
		cache = "hit"
	}
	m.queriesTotal.WithLabelValues(kind, result, cache).Inc()
}

// SourceBuilt implements reload.Observer.
func (m *Metrics) SourceBuilt(sourceID string, stats ruleset.Stats, took time.Duration) {
	m.sourceBuilds.WithLabelValues(sourceID).Inc()
	m.sourceRules.WithLabelValues(sourceID).Set(float64(stats.Rules))
	m.sourceRejected.WithLabelValues(sourceID).Set(float64(stats.Rejected))
	m.buildDuration.WithLabelValues(sourceID).Observe(took.Seconds())
}

// SourceFailed implements reload.Observer.
func (m *Metrics) SourceFailed(sourceID string, err error) {
	m.sourceFailures.WithLabelValues(sourceID, ErrorKind(err)).Inc()
}

// Published implements reload.Observer.
func (m *Metrics) Published(generation uint64, stats snapshot.Stats, took time.Duration) {
	m.reloadsTotal.Inc()
	m.snapshotGen.Set(float64(generation))
	m.snapshotRules.WithLabelValues("ipv4").Set(float64(stats.IPv4))
	m.snapshotRules.WithLabelValues("ipv6").Set(float64(stats.IPv6))
	m.snapshotRules.WithLabelValues("exact").Set(float64(stats.Exact))
	m.snapshotRules.WithLabelValues("suffix").Set(float64(stats.Suffix))
	m.publishDuration.Observe(took.Seconds())
	m.lastPublishGauge.SetToCurrentTime()
}

// ReloadFailed implements reload.Observer.
func (m *Metrics) ReloadFailed(error) {
	m.reloadErrs.Inc()
}

// FetchDone implements ingest.Recorder.
func (m *Metrics) FetchDone(sourceID string, took time.Duration, outcome string) {
	m.fetchesTotal.WithLabelValues(sourceID, outcome).Inc()
	m.fetchDuration.WithLabelValues(sourceID).Observe(took.Seconds())
}

// ObserveCache exports the decision cache counters, read on scrape.
func (m *Metrics) ObserveCache(stats func() query.CacheStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decision_cache_entries",
			Help:      "Entries in the query decision cache.",
		}, func() float64 { return float64(stats().Size) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_hits_total",
			Help:      "Decision cache hits.",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_misses_total",
			Help:      "Decision cache misses.",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_evictions_total",
			Help:      "Decision cache evictions.",
		}, func() float64 { return float64(stats().Evictions) }),
	)
}

// ObserveRawStore exports raw store size, read on scrape.
func (m *Metrics) ObserveRawStore(stats func() rawstore.Stats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_store_sources",
			Help:      "Sources with a stored raw body.",
		}, func() float64 { return float64(stats().Sources) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_store_bytes",
			Help:      "Bytes of stored raw bodies.",
		}, func() float64 { return float64(stats().Bytes) }),
	)
}

var (
	_ reload.Observer = (*Metrics)(nil)
	_ query.Recorder  = (*Metrics)(nil)
	_ ingest.Recorder = (*Metrics)(nil)
)
