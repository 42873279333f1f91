package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smartchart/smartchart/internal/exchange/bybit"
	"github.com/smartchart/smartchart/internal/market"
	"github.com/smartchart/smartchart/internal/persistence"
	"github.com/smartchart/smartchart/internal/telemetry/metrics"
)

// KlineSource is the slice of the exchange client the pipeline needs.
type KlineSource interface {
	Klines(ctx context.Context, symbol string, interval market.Timeframe, startMs int64) ([]bybit.Kline, error)
}

// Pipeline backfills every (symbol, timeframe) pair in 1000-candle
// chunks. Timeframes run strictly sequentially, coarsest first; within
// a timeframe one fetcher goroutine per symbol feeds a single writer,
// so per-symbol write order equals fetch order.
type Pipeline struct {
	source       KlineSource
	store        persistence.Store
	defaultStart int64 // epoch ms used when a symbol has no watermark
	metrics      *metrics.Registry
}

// NewPipeline wires a pipeline. metrics may be nil.
func NewPipeline(source KlineSource, store persistence.Store, defaultStartMs int64, reg *metrics.Registry) *Pipeline {
	return &Pipeline{
		source:       source,
		store:        store,
		defaultStart: defaultStartMs,
		metrics:      reg,
	}
}

type chunk struct {
	symbol  string
	candles []market.Candle
}

// Run executes one full backfill pass over all timeframes.
func (p *Pipeline) Run(ctx context.Context) error {
	started := time.Now()
	for _, tf := range market.SyncOrder {
		if err := p.runTimeframe(ctx, tf); err != nil {
			return fmt.Errorf("timeframe %s: %w", tf, err)
		}
	}
	log.Info().Dur("duration", time.Since(started)).Msg("backfill pass complete")
	return nil
}

// runTimeframe snapshots the symbol universe and fans out one fetcher
// per symbol. The chunk channel is bounded at the fetcher count; its
// close is the end-of-stream signal for the writer.
func (p *Pipeline) runTimeframe(ctx context.Context, tf market.Timeframe) error {
	symbols, err := p.store.ListSymbols(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		log.Warn().Str("timeframe", tf.String()).Msg("no symbols in store, skipping timeframe")
		return nil
	}

	table := tf.Table()
	log.Info().Str("timeframe", tf.String()).Str("table", table).
		Int("symbols", len(symbols)).Msg("starting timeframe pass")

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk, len(symbols))

	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for c := range chunks {
			if writerErr != nil {
				continue // drain so fetchers never block on a dead writer
			}
			if err := p.store.UpsertCandles(ctx, c.symbol, table, c.candles); err != nil {
				writerErr = err
				cancel()
				continue
			}
			if p.metrics != nil {
				p.metrics.ChunksWritten.WithLabelValues(table).Inc()
			}
		}
	}()

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if err := p.fetchSymbol(fetchCtx, symbol, tf, chunks); err != nil {
				// Cancellation; the pass-level error is reported once
				// below.
				log.Debug().Err(err).Str("symbol", symbol).Msg("fetcher stopped")
			}
		}(symbol)
	}

	wg.Wait()
	close(chunks)
	<-writerDone

	if writerErr != nil {
		return fmt.Errorf("writer: %w", writerErr)
	}
	return ctx.Err()
}

// fetchSymbol runs the per-symbol backfill loop: read the watermark,
// page forward in 1000-candle chunks and hand each chunk to the
// writer. The 2 ms look-back re-fetches the previously newest bar so
// its final state lands via the upsert; the primary key prevents any
// duplication.
func (p *Pipeline) fetchSymbol(ctx context.Context, symbol string, tf market.Timeframe, out chan<- chunk) error {
	table := tf.Table()

	start, err := p.startTime(ctx, symbol, table)
	if err != nil {
		return err
	}

	for {
		fetchStart := time.Now()
		rows, err := p.source.Klines(ctx, symbol, tf, start)
		if err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.FetchDuration.WithLabelValues(tf.String()).
				Observe(time.Since(fetchStart).Seconds())
		}
		if len(rows) == 0 {
			// Either the backlog is exhausted or the fetch soft-failed
			// after retries; both end this symbol for the pass.
			return nil
		}

		candles := make([]market.Candle, len(rows))
		for i, k := range rows {
			candles[i] = market.Candle{
				Symbol:       symbol,
				OpenTime:     k.OpenTime,
				OpenDatetime: market.FormatOpenTime(k.OpenTime),
				Open:         k.Open,
				High:         k.High,
				Low:          k.Low,
				Close:        k.Close,
				Volume:       k.Volume,
				Turnover:     k.Turnover,
			}
		}

		select {
		case out <- chunk{symbol: symbol, candles: candles}:
		case <-ctx.Done():
			return ctx.Err()
		}

		end := rows[len(rows)-1].OpenTime
		start = end - 2

		log.Debug().Str("symbol", symbol).Str("table", table).
			Int("candles", len(rows)).Int64("through", end).
			Msg("chunk queued")

		if len(rows) < bybit.MaxLimit {
			return nil
		}
	}
}

// startTime resolves the resume point for a symbol: its stored
// watermark, or the configured epoch default for a fresh symbol.
func (p *Pipeline) startTime(ctx context.Context, symbol, table string) (int64, error) {
	last, err := p.store.LastOpenTime(ctx, symbol, table)
	if err != nil {
		return 0, err
	}
	if last == nil {
		log.Info().Str("symbol", symbol).Str("table", table).
			Int64("start", p.defaultStart).
			Msg("no candles yet, starting from default timestamp")
		return p.defaultStart, nil
	}
	return *last, nil
}

// SyncSymbol backfills a single (symbol, timeframe) pair synchronously,
// writing each chunk inline. The read API uses it to top up a short
// local backlog on demand.
func (p *Pipeline) SyncSymbol(ctx context.Context, symbol string, tf market.Timeframe) error {
	table := tf.Table()

	start, err := p.startTime(ctx, symbol, table)
	if err != nil {
		return err
	}

	for {
		rows, err := p.source.Klines(ctx, symbol, tf, start)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		candles := make([]market.Candle, len(rows))
		for i, k := range rows {
			candles[i] = market.Candle{
				Symbol:       symbol,
				OpenTime:     k.OpenTime,
				OpenDatetime: market.FormatOpenTime(k.OpenTime),
				Open:         k.Open,
				High:         k.High,
				Low:          k.Low,
				Close:        k.Close,
				Volume:       k.Volume,
				Turnover:     k.Turnover,
			}
		}
		if err := p.store.UpsertCandles(ctx, symbol, table, candles); err != nil {
			return err
		}

		start = rows[len(rows)-1].OpenTime - 2
		if len(rows) < bybit.MaxLimit {
			return nil
		}
	}
}
