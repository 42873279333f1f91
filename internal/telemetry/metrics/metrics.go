// Package metrics holds the Prometheus instrumentation for the
// ingestor and the read API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry bundles every collector the service exports. Collectors
// register on a private prometheus registry so tests can build as many
// instances as they need without duplicate-registration panics.
type Registry struct {
	reg *prometheus.Registry

	// Exchange client
	ExchangeRequests *prometheus.CounterVec // endpoint, result

	// Ingestion pipeline
	CandlesUpserted *prometheus.CounterVec // table
	ChunksWritten   *prometheus.CounterVec // table
	DeadlockRetries prometheus.Counter
	FetchDuration   *prometheus.HistogramVec // interval

	// Reconciler
	TickersSynced  prometheus.Gauge
	SymbolsRemoved prometheus.Counter

	// Read API
	HTTPDuration *prometheus.HistogramVec // route, code
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
}

// New creates all collectors on a fresh registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ExchangeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartchart_exchange_requests_total",
				Help: "Exchange REST requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		CandlesUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartchart_candles_upserted_total",
				Help: "Candle rows upserted per timeframe table",
			},
			[]string{"table"},
		),
		ChunksWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartchart_chunks_written_total",
				Help: "Candle chunks drained by the writer per table",
			},
			[]string{"table"},
		),
		DeadlockRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartchart_deadlock_retries_total",
				Help: "Upsert attempts retried after a MySQL deadlock",
			},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartchart_fetch_duration_seconds",
				Help:    "Duration of one kline page fetch",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"interval"},
		),
		TickersSynced: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartchart_tickers_synced",
				Help: "Tickers written in the last reconciliation cycle",
			},
		),
		SymbolsRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartchart_symbols_removed_total",
				Help: "Delisted symbols scrubbed from the store",
			},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartchart_http_request_duration_seconds",
				Help:    "Read API request duration by route and status code",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "code"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartchart_indicator_cache_hits_total",
				Help: "Indicator cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartchart_indicator_cache_misses_total",
				Help: "Indicator cache misses",
			},
		),
	}

	r.reg.MustRegister(
		r.ExchangeRequests,
		r.CandlesUpserted,
		r.ChunksWritten,
		r.DeadlockRetries,
		r.FetchDuration,
		r.TickersSynced,
		r.SymbolsRemoved,
		r.HTTPDuration,
		r.CacheHits,
		r.CacheMisses,
	)

	return r
}

// Gatherer exposes the private registry for the /metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RequestSuccessRatio reports the fraction of exchange requests that
// succeeded since startup, for the sync run summary.
func (r *Registry) RequestSuccessRatio() float64 {
	var ok, total float64
	for _, result := range []string{"ok", "error"} {
		for _, endpoint := range []string{"kline", "tickers"} {
			m := &io_prometheus_client.Metric{}
			counter, err := r.ExchangeRequests.GetMetricWithLabelValues(endpoint, result)
			if err != nil {
				continue
			}
			if err := counter.Write(m); err != nil {
				continue
			}
			v := m.GetCounter().GetValue()
			total += v
			if result == "ok" {
				ok += v
			}
		}
	}
	if total == 0 {
		return 1
	}
	return ok / total
}
