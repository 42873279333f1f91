package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartchart/smartchart/internal/exchange/bybit"
	"github.com/smartchart/smartchart/internal/market"
	"github.com/smartchart/smartchart/internal/persistence"
)

// fakeStore is an in-memory persistence.Store.
type fakeStore struct {
	mu        sync.Mutex
	tickers   map[string]market.Ticker
	candles   map[string]map[string]map[int64]market.Candle // table -> symbol -> openTime
	upsertErr error
	truncates int
}

func newFakeStore(symbols ...string) *fakeStore {
	s := &fakeStore{
		tickers: make(map[string]market.Ticker),
		candles: make(map[string]map[string]map[int64]market.Candle),
	}
	for _, sym := range symbols {
		turnover := 1.0
		s.tickers[sym] = market.Ticker{Symbol: sym, Turnover24h: &turnover}
	}
	return s
}

func (s *fakeStore) ListSymbols(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sym := range s.tickers {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeStore) LastOpenTime(ctx context.Context, symbol, table string) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.candles[table][symbol]
	if len(rows) == 0 {
		return nil, nil
	}
	var max int64
	for ts := range rows {
		if ts > max {
			max = ts
		}
	}
	return &max, nil
}

func (s *fakeStore) UpsertCandles(ctx context.Context, symbol, table string, candles []market.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.candles[table] == nil {
		s.candles[table] = make(map[string]map[int64]market.Candle)
	}
	if s.candles[table][symbol] == nil {
		s.candles[table][symbol] = make(map[int64]market.Candle)
	}
	for _, c := range candles {
		s.candles[table][symbol][c.OpenTime] = c
	}
	return nil
}

func (s *fakeStore) TruncateTickers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncates++
	s.tickers = make(map[string]market.Ticker)
	return nil
}

func (s *fakeStore) InsertTicker(ctx context.Context, t market.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[t.Symbol] = t
	return nil
}

func (s *fakeStore) DeleteSymbols(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.tickers, sym)
		for _, bySymbol := range s.candles {
			delete(bySymbol, sym)
		}
	}
	return nil
}

func (s *fakeStore) Candles(ctx context.Context, symbol, table string, limit int) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.Candle
	for _, c := range s.candles[table][symbol] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) TickerList(ctx context.Context) ([]persistence.TickerSummary, error) {
	return nil, nil
}
func (s *fakeStore) Ping(ctx context.Context) error              { return nil }
func (s *fakeStore) Version(ctx context.Context) (string, error) { return "fake", nil }

func (s *fakeStore) rowCount(table, symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles[table][symbol])
}

// fakeKlines serves canned pages: for each symbol it holds the full
// ascending history and answers start-filtered requests like the
// exchange does (inclusive start, capped pages).
type fakeKlines struct {
	mu      sync.Mutex
	history map[string][]bybit.Kline
	pageCap int
	calls   int
}

func (f *fakeKlines) Klines(ctx context.Context, symbol string, interval market.Timeframe, startMs int64) ([]bybit.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	limit := f.pageCap
	if limit == 0 {
		limit = bybit.MaxLimit
	}
	var out []bybit.Kline
	for _, k := range f.history[symbol] {
		if k.OpenTime >= startMs {
			out = append(out, k)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func hourlyHistory(startMs int64, n int) []bybit.Kline {
	out := make([]bybit.Kline, n)
	for i := range out {
		ts := startMs + int64(i)*3_600_000
		out[i] = bybit.Kline{
			OpenTime: ts,
			Open:     float64(i), High: float64(i) + 1, Low: float64(i) - 0.5,
			Close: float64(i) + 0.5, Volume: 10, Turnover: int64(i * 100),
		}
	}
	return out
}

func (s *fakeStore) tickerSymbols() []string {
	out, _ := s.ListSymbols(context.Background())
	return out
}

const baseT = int64(1_700_000_000_000)

func TestPipeline_ResumeSemantics(t *testing.T) {
	store := newFakeStore("BTCUSDT")
	// Existing watermark at T.
	require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "candles60",
		[]market.Candle{{Symbol: "BTCUSDT", OpenTime: baseT, Close: 1}}))

	source := &fakeKlines{history: map[string][]bybit.Kline{
		"BTCUSDT": hourlyHistory(baseT, 3), // T, T+1h, T+2h
	}}

	p := NewPipeline(source, store, 946_684_800_000, nil)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 3, store.rowCount("candles60", "BTCUSDT"))

	wm, err := store.LastOpenTime(context.Background(), "BTCUSDT", "candles60")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, baseT+2*3_600_000, *wm)

	// Second identical run: same rows, values from the last payload.
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 3, store.rowCount("candles60", "BTCUSDT"))

	rows, err := store.Candles(context.Background(), "BTCUSDT", "candles60", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// The seeded row at T was overwritten by the fetched payload.
	assert.Equal(t, 0.5, rows[0].Close)
}

func TestPipeline_ShortPageEndsBacklog(t *testing.T) {
	// A page shorter than the exchange limit means the backlog is
	// exhausted; the loop must stop after storing it.
	store := newFakeStore("BTCUSDT")
	source := &fakeKlines{
		history: map[string][]bybit.Kline{"BTCUSDT": hourlyHistory(baseT, 25)},
		pageCap: 10,
	}

	p := NewPipeline(source, store, baseT, nil)
	require.NoError(t, p.SyncSymbol(context.Background(), "BTCUSDT", market.TF1h))
	assert.Equal(t, 10, store.rowCount("candles60", "BTCUSDT"))
}

func TestPipeline_WatermarkMonotonic(t *testing.T) {
	store := newFakeStore("BTCUSDT")
	source := &fakeKlines{history: map[string][]bybit.Kline{
		"BTCUSDT": hourlyHistory(baseT, 5),
	}}

	p := NewPipeline(source, store, baseT, nil)
	before, err := store.LastOpenTime(context.Background(), "BTCUSDT", "candles60")
	require.NoError(t, err)
	require.Nil(t, before)

	require.NoError(t, p.Run(context.Background()))

	after, err := store.LastOpenTime(context.Background(), "BTCUSDT", "candles60")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, baseT+4*3_600_000, *after)
}

func TestPipeline_AllTimeframesCovered(t *testing.T) {
	store := newFakeStore("BTCUSDT", "ETHUSDT")
	history := map[string][]bybit.Kline{
		"BTCUSDT": hourlyHistory(baseT, 2),
		"ETHUSDT": hourlyHistory(baseT, 2),
	}
	source := &fakeKlines{history: history}

	p := NewPipeline(source, store, baseT, nil)
	require.NoError(t, p.Run(context.Background()))

	for _, tf := range market.SyncOrder {
		assert.Equal(t, 2, store.rowCount(tf.Table(), "BTCUSDT"), "table %s", tf.Table())
		assert.Equal(t, 2, store.rowCount(tf.Table(), "ETHUSDT"), "table %s", tf.Table())
	}
}

func TestPipeline_WriterErrorAborts(t *testing.T) {
	store := newFakeStore("BTCUSDT")
	store.upsertErr = errors.New("table crashed")
	source := &fakeKlines{history: map[string][]bybit.Kline{
		"BTCUSDT": hourlyHistory(baseT, 2),
	}}

	p := NewPipeline(source, store, baseT, nil)
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table crashed")
}

func TestPipeline_NoSymbolsSkips(t *testing.T) {
	store := newFakeStore()
	source := &fakeKlines{history: map[string][]bybit.Kline{}}

	p := NewPipeline(source, store, baseT, nil)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 0, source.calls)
}

func TestPipeline_Cancellation(t *testing.T) {
	store := newFakeStore("BTCUSDT")
	source := &fakeKlines{history: map[string][]bybit.Kline{
		"BTCUSDT": hourlyHistory(baseT, 2),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(source, store, baseT, nil)
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeTickerSource feeds the reconciler.
type fakeTickerSource struct {
	tickers []bybit.Ticker
}

func (f *fakeTickerSource) Tickers(ctx context.Context) ([]bybit.Ticker, error) {
	return f.tickers, nil
}

func TestReconciler_SyncsUniverse(t *testing.T) {
	store := newFakeStore("BTCUSDT", "ETHUSDT", "FOOUSDT")
	// Seed candles for the soon-to-be-delisted symbol.
	require.NoError(t, store.UpsertCandles(context.Background(), "FOOUSDT", "candles60",
		[]market.Candle{{Symbol: "FOOUSDT", OpenTime: baseT}}))

	source := &fakeTickerSource{tickers: []bybit.Ticker{
		{Symbol: "BTCUSDT", LastPrice: "65000", Turnover24h: "100"},
		{Symbol: "ETHUSDT", LastPrice: "3200", Turnover24h: "50"},
		{Symbol: "BTCUSD", LastPrice: "64990"}, // inverse contract, filtered out
	}}

	r := NewReconciler(source, store, nil)
	require.NoError(t, r.Run(context.Background()))

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, store.tickerSymbols())
	assert.Equal(t, 0, store.rowCount("candles60", "FOOUSDT"))
	assert.Equal(t, 1, store.truncates)

	// Coerced numeric fields survive into the snapshot.
	store.mu.Lock()
	btc := store.tickers["BTCUSDT"]
	store.mu.Unlock()
	require.NotNil(t, btc.LastPrice)
	assert.Equal(t, 65000.0, *btc.LastPrice)
}

func TestReconciler_EmptyResponseSkipsCycle(t *testing.T) {
	store := newFakeStore("BTCUSDT")
	source := &fakeTickerSource{}

	r := NewReconciler(source, store, nil)
	require.NoError(t, r.Run(context.Background()))

	// Universe untouched.
	assert.Equal(t, []string{"BTCUSDT"}, store.tickerSymbols())
	assert.Equal(t, 0, store.truncates)
}

func TestSyncSymbol_TopUp(t *testing.T) {
	store := newFakeStore("BTCUSDT")
	source := &fakeKlines{history: map[string][]bybit.Kline{
		"BTCUSDT": hourlyHistory(baseT, 8),
	}}

	p := NewPipeline(source, store, baseT, nil)
	require.NoError(t, p.SyncSymbol(context.Background(), "BTCUSDT", market.TF1h))
	assert.Equal(t, 8, store.rowCount("candles60", "BTCUSDT"))
}

func TestPipeline_OverlapRefetchesLastBar(t *testing.T) {
	// With a full page the pipeline pages again from end-2ms, which
	// must re-include the page's last bar.
	store := newFakeStore("BTCUSDT")
	source := &fakeKlines{
		history: map[string][]bybit.Kline{"BTCUSDT": hourlyHistory(baseT, 1500)},
	}

	p := NewPipeline(source, store, baseT, nil)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 1500, store.rowCount("candles60", "BTCUSDT"))

	// First page [0,999], second page starts at bar 999 again.
	var total int
	for _, tf := range market.SyncOrder {
		total += store.rowCount(tf.Table(), "BTCUSDT")
	}
	assert.Equal(t, 1500*len(market.SyncOrder), total)
}
