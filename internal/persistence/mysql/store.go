// Package mysql implements the persistence contract against the
// legacy smartchart MySQL schema (per-timeframe candle tables plus a
// tickers snapshot table).
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/smartchart/smartchart/internal/market"
	"github.com/smartchart/smartchart/internal/persistence"
	"github.com/smartchart/smartchart/internal/telemetry/metrics"
)

// MySQL error number for "Deadlock found when trying to get lock".
const errDeadlock = 1213

// Config holds connection settings for the store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Pool is sized at 2x the fetcher concurrency so fetchers reading
	// watermarks never starve the writer.
	MaxOpenConns int
	MaxRetries   int
	RetryDelay   time.Duration
}

// DSN renders the driver connection string.
func (c Config) DSN() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Database
	mc.Collation = "utf8mb4_general_ci"
	return mc.FormatDSN()
}

// Store implements persistence.Store over sqlx.
type Store struct {
	db         *sqlx.DB
	maxRetries int
	retryDelay time.Duration
	metrics    *metrics.Registry
}

var _ persistence.Store = (*Store)(nil)

// Open connects, configures the pool and verifies connectivity.
func Open(cfg Config, reg *metrics.Registry) (*Store, error) {
	db, err := sqlx.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return NewStore(db, cfg.MaxRetries, cfg.RetryDelay, reg), nil
}

// NewStore wraps an existing connection; used by Open and by tests
// that inject sqlmock.
func NewStore(db *sqlx.DB, maxRetries int, retryDelay time.Duration, reg *metrics.Registry) *Store {
	return &Store{
		db:         db,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		metrics:    reg,
	}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// validTable guards interpolated table names; every query that names a
// candle table goes through it.
func validTable(table string) error {
	for _, t := range market.CandleTables() {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("unknown candle table: %q", table)
}

// ListSymbols returns the ticker snapshot's symbols, most traded first.
func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := s.db.SelectContext(ctx, &symbols,
		"SELECT symbol FROM tickers ORDER BY turnover24h DESC")
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	return symbols, nil
}

// LastOpenTime returns the symbol's high-watermark in table, nil when
// the symbol has no rows yet.
func (s *Store) LastOpenTime(ctx context.Context, symbol, table string) (*int64, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	var max sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(open_time) FROM %s WHERE symbol=?", table)
	if err := s.db.QueryRowxContext(ctx, query, symbol).Scan(&max); err != nil {
		return nil, fmt.Errorf("reading watermark for %s in %s: %w", symbol, table, err)
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Int64, nil
}

// UpsertCandles writes one chunk as a single multi-row statement in
// its own transaction. On primary-key conflict every non-key column is
// overwritten, which is what lets the still-forming bar be refreshed.
// Deadlocks are retried; other errors propagate.
func (s *Store) UpsertCandles(ctx context.Context, symbol, table string, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if err := validTable(table); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb,
		"INSERT INTO %s (symbol, open_time, open_datetime, open, high, low, close, volume, turnover) VALUES ",
		table)
	args := make([]interface{}, 0, len(candles)*9)
	for i, c := range candles {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?,?,?,?,?,?,?,?,?)")
		args = append(args, symbol, c.OpenTime, c.OpenDatetime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover)
	}
	sb.WriteString(` AS new ON DUPLICATE KEY UPDATE
		open_datetime=new.open_datetime,
		open=new.open,
		high=new.high,
		low=new.low,
		close=new.close,
		volume=new.volume,
		turnover=new.turnover`)
	query := sb.String()

	for attempt := 1; ; attempt++ {
		err := s.execTx(ctx, query, args)
		if err == nil {
			if s.metrics != nil {
				s.metrics.CandlesUpserted.WithLabelValues(table).Add(float64(len(candles)))
			}
			return nil
		}
		if !isDeadlock(err) || attempt >= s.maxRetries {
			return fmt.Errorf("upserting %d candles for %s into %s: %w", len(candles), symbol, table, err)
		}
		if s.metrics != nil {
			s.metrics.DeadlockRetries.Inc()
		}
		log.Warn().Str("symbol", symbol).Str("table", table).
			Int("attempt", attempt).Int("max_retries", s.maxRetries).
			Msg("deadlock on upsert, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Store) execTx(ctx context.Context, query string, args []interface{}) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isDeadlock(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDeadlock
}

// TruncateTickers wipes the snapshot ahead of a rewrite.
func (s *Store) TruncateTickers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE tickers"); err != nil {
		return fmt.Errorf("truncating tickers: %w", err)
	}
	return nil
}

// InsertTicker writes one snapshot row; nil pointers land as NULL.
func (s *Store) InsertTicker(ctx context.Context, t market.Ticker) error {
	const query = `INSERT INTO tickers (
		symbol, lastPrice, indexPrice, markPrice, prevPrice24h, price24hPcnt,
		highPrice24h, lowPrice24h, prevPrice1h, openInterest, openInterestValue,
		turnover24h, volume24h, fundingRate, nextFundingTime, predictedDeliveryPrice,
		basisRate, deliveryFeeRate, deliveryTime, ask1Size, bid1Price,
		ask1Price, bid1Size, basis
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	_, err := s.db.ExecContext(ctx, query,
		t.Symbol, t.LastPrice, t.IndexPrice, t.MarkPrice, t.PrevPrice24h, t.Price24hPcnt,
		t.HighPrice24h, t.LowPrice24h, t.PrevPrice1h, t.OpenInterest, t.OpenInterestValue,
		t.Turnover24h, t.Volume24h, t.FundingRate, t.NextFundingTime, t.PredictedDeliveryPrice,
		t.BasisRate, t.DeliveryFeeRate, t.DeliveryTime, t.Ask1Size, t.Bid1Price,
		t.Ask1Price, t.Bid1Size, t.Basis)
	if err != nil {
		return fmt.Errorf("inserting ticker %s: %w", t.Symbol, err)
	}
	return nil
}

// DeleteSymbols scrubs delisted symbols from the ticker snapshot and
// every candle table. Delistings are rare, so a statement per table is
// fine.
func (s *Store) DeleteSymbols(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	tables := append([]string{"tickers"}, market.CandleTables()...)
	for _, table := range tables {
		query, args, err := sqlx.In(
			fmt.Sprintf("DELETE FROM %s WHERE symbol IN (?)", table), symbols)
		if err != nil {
			return fmt.Errorf("building delete for %s: %w", table, err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("deleting symbols from %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Info().Str("table", table).Int64("rows", n).Msg("removed delisted symbol rows")
		}
	}
	return nil
}

// Candles returns the most recent limit bars for symbol in table,
// ascending by open time.
func (s *Store) Candles(ctx context.Context, symbol, table string, limit int) ([]market.Candle, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT symbol, open_time, open_datetime, open, high, low, close, volume, turnover
		FROM %s WHERE symbol=? ORDER BY open_time DESC LIMIT ?`, table)
	rows, err := s.db.QueryxContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying candles for %s in %s: %w", symbol, table, err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Symbol, &c.OpenTime, &c.OpenDatetime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Turnover); err != nil {
			return nil, fmt.Errorf("scanning candle row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candle rows: %w", err)
	}

	// Query runs newest-first to honor the limit; callers want
	// oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TickerList returns the symbol directory for the read API: traded
// symbols only, most turnover first.
func (s *Store) TickerList(ctx context.Context) ([]persistence.TickerSummary, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT symbol, lastPrice, price24hPcnt, turnover24h FROM tickers
		 WHERE turnover24h > 0 ORDER BY turnover24h DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying tickers: %w", err)
	}
	defer rows.Close()

	var out []persistence.TickerSummary
	for rows.Next() {
		var t persistence.TickerSummary
		if err := rows.Scan(&t.Symbol, &t.LastPrice, &t.Price24hPcnt, &t.Turnover24h); err != nil {
			return nil, fmt.Errorf("scanning ticker row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ticker rows: %w", err)
	}
	return out, nil
}

// Ping verifies connectivity for the liveness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Version runs a trivial query and reports the server version.
func (s *Store) Version(ctx context.Context) (string, error) {
	var version string
	if err := s.db.QueryRowxContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("selecting version: %w", err)
	}
	return version, nil
}
