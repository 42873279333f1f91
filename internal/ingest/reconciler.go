// Package ingest drives the two write paths of the service: the
// symbol/ticker reconciliation cycle and the chunked kline backfill
// pipeline.
package ingest

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/smartchart/smartchart/internal/exchange/bybit"
	"github.com/smartchart/smartchart/internal/persistence"
	"github.com/smartchart/smartchart/internal/telemetry/metrics"
)

// TickerSource is the slice of the exchange client the reconciler
// needs.
type TickerSource interface {
	Tickers(ctx context.Context) ([]bybit.Ticker, error)
}

// Reconciler syncs the local symbol universe with the exchange: the
// ticker snapshot is rewritten wholesale and candles of delisted
// symbols are scrubbed.
type Reconciler struct {
	source  TickerSource
	store   persistence.Store
	metrics *metrics.Registry
}

// NewReconciler wires a reconciler. metrics may be nil.
func NewReconciler(source TickerSource, store persistence.Store, reg *metrics.Registry) *Reconciler {
	return &Reconciler{source: source, store: store, metrics: reg}
}

// Run executes one reconciliation cycle. An empty ticker response is a
// non-fatal skip: the snapshot and candle tables are left untouched so
// a flaky API never empties the universe.
func (r *Reconciler) Run(ctx context.Context) error {
	tickers, err := r.source.Tickers(ctx)
	if err != nil {
		return err
	}
	if len(tickers) == 0 {
		log.Warn().Msg("no tickers received from exchange, skipping reconciliation cycle")
		return nil
	}

	// Only USDT perpetuals belong to the universe.
	kept := tickers[:0]
	apiSymbols := make(map[string]bool)
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "USDT") {
			kept = append(kept, t)
			apiSymbols[t.Symbol] = true
		}
	}

	dbSymbols, err := r.store.ListSymbols(ctx)
	if err != nil {
		return err
	}

	var removed []string
	for _, s := range dbSymbols {
		if !apiSymbols[s] {
			removed = append(removed, s)
		}
	}
	if len(removed) > 0 {
		log.Info().Strs("symbols", removed).Msg("removing delisted symbols")
		if err := r.store.DeleteSymbols(ctx, removed); err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.SymbolsRemoved.Add(float64(len(removed)))
		}
	}

	if err := r.store.TruncateTickers(ctx); err != nil {
		return err
	}
	for _, t := range kept {
		if err := r.store.InsertTicker(ctx, t.Market()); err != nil {
			return err
		}
	}
	if r.metrics != nil {
		r.metrics.TickersSynced.Set(float64(len(kept)))
	}

	log.Info().
		Int("tickers", len(kept)).
		Int("removed", len(removed)).
		Msg("ticker snapshot synced")
	return nil
}
