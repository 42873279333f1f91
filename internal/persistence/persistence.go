// Package persistence defines the storage contract between the
// ingestion pipeline, the symbol reconciler and the read API.
package persistence

import (
	"context"

	"github.com/smartchart/smartchart/internal/market"
)

// TickerSummary is the read-side projection served by /api/symbols.
type TickerSummary struct {
	Symbol       string
	LastPrice    *float64
	Price24hPcnt *float64
	Turnover24h  *float64
}

// Store is the full contract against the relational store. The
// ingestor is the only writer; the read API only touches the read
// side.
type Store interface {
	// Ingestion write side.
	ListSymbols(ctx context.Context) ([]string, error)
	LastOpenTime(ctx context.Context, symbol, table string) (*int64, error)
	UpsertCandles(ctx context.Context, symbol, table string, candles []market.Candle) error
	TruncateTickers(ctx context.Context) error
	InsertTicker(ctx context.Context, t market.Ticker) error
	DeleteSymbols(ctx context.Context, symbols []string) error

	// Read side.
	Candles(ctx context.Context, symbol, table string, limit int) ([]market.Candle, error)
	TickerList(ctx context.Context) ([]TickerSummary, error)
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
}
