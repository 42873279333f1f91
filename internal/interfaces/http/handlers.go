package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"github.com/smartchart/smartchart/internal/indicators"
	"github.com/smartchart/smartchart/internal/market"
	"github.com/smartchart/smartchart/internal/persistence"
	"github.com/smartchart/smartchart/internal/telemetry/metrics"
)

const (
	defaultLimit       = 20000
	indicatorCacheSize = 256
)

// TopUp triggers a synchronous single-pair backfill when a requested
// symbol has no local candles yet. Optional.
type TopUp interface {
	SyncSymbol(ctx context.Context, symbol string, tf market.Timeframe) error
}

// Handlers serves every endpoint of the read API.
type Handlers struct {
	store   persistence.Store
	topUp   TopUp
	cache   *lru.Cache
	metrics *metrics.Registry
}

// NewHandlers wires the endpoint handlers. topUp and reg may be nil.
func NewHandlers(store persistence.Store, topUp TopUp, reg *metrics.Registry) *Handlers {
	cache, _ := lru.New(indicatorCacheSize)
	return &Handlers{store: store, topUp: topUp, cache: cache, metrics: reg}
}

type candlePoint struct {
	Time   int64   `json:"time"` // seconds since epoch
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type macdPayload struct {
	MACD      []*float64 `json:"macd"`
	Signal    []*float64 `json:"signal"`
	Histogram []*float64 `json:"histogram"`
}

type dualEMAPayload struct {
	EMA50  []*float64 `json:"ema50"`
	EMA200 []*float64 `json:"ema200"`
}

type indicatorBundle struct {
	MACD       macdPayload    `json:"macd"`
	Volatility []*float64     `json:"volatility"`
	DualEMA    dualEMAPayload `json:"dual_ema"`
	RSI        []*float64     `json:"rsi"`
}

type candlesResponse struct {
	Success    bool             `json:"success"`
	Data       []candlePoint    `json:"data"`
	Indicators *indicatorBundle `json:"indicators,omitempty"`
	Count      int              `json:"count"`
	Symbol     string           `json:"symbol"`
	Timeframe  string           `json:"timeframe"`
}

// Candles handles GET /api/candles/{symbol}.
func (h *Handlers) Candles(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	q := r.URL.Query()

	tfParam := q.Get("timeframe")
	if tfParam == "" {
		tfParam = "60"
	}
	tf, err := market.ParseTimeframe(tfParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", v))
			return
		}
		limit = n
	}

	includeIndicators := true
	if v := q.Get("include_indicators"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			includeIndicators = b
		}
	}

	candles, err := h.fetchCandles(r.Context(), symbol, tf, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database error: "+err.Error())
		return
	}

	resp := candlesResponse{
		Success:   true,
		Data:      toPoints(candles),
		Count:     len(candles),
		Symbol:    symbol,
		Timeframe: tf.Label(),
	}
	if includeIndicators {
		resp.Indicators = h.bundleFor(symbol, tf, candles)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// fetchCandles reads the backlog, topping it up synchronously when the
// symbol has nothing stored yet.
func (h *Handlers) fetchCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	candles, err := h.store.Candles(ctx, symbol, tf.Table(), limit)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 && h.topUp != nil {
		log.Info().Str("symbol", symbol).Str("timeframe", tf.String()).
			Msg("no local candles, running synchronous backfill")
		if err := h.topUp.SyncSymbol(ctx, symbol, tf); err != nil {
			return nil, err
		}
		return h.store.Candles(ctx, symbol, tf.Table(), limit)
	}
	return candles, nil
}

func toPoints(candles []market.Candle) []candlePoint {
	points := make([]candlePoint, len(candles))
	for i, c := range candles {
		points[i] = candlePoint{
			Time:   c.OpenTime / 1000,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}
	return points
}

// bundleFor computes (or recalls) the indicator set for a candle
// window. The watermark is part of the cache key, so entries for stale
// windows are simply never hit again.
func (h *Handlers) bundleFor(symbol string, tf market.Timeframe, candles []market.Candle) *indicatorBundle {
	var watermark int64
	if len(candles) > 0 {
		watermark = candles[len(candles)-1].OpenTime
	}
	key := fmt.Sprintf("%s|%s|%d|%d", symbol, tf, len(candles), watermark)

	if cached, ok := h.cache.Get(key); ok {
		if h.metrics != nil {
			h.metrics.CacheHits.Inc()
		}
		return cached.(*indicatorBundle)
	}
	if h.metrics != nil {
		h.metrics.CacheMisses.Inc()
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	macd := indicators.DefaultMACD(closes)
	dual := indicators.DualEMA(closes, 50, 200)
	bundle := &indicatorBundle{
		MACD: macdPayload{
			MACD:      macd.Line,
			Signal:    macd.Signal,
			Histogram: macd.Histogram,
		},
		Volatility: indicators.Volatility(closes, 200),
		DualEMA: dualEMAPayload{
			EMA50:  dual.EMA50,
			EMA200: dual.EMA200,
		},
		RSI: indicators.RSI(closes, 14),
	}
	h.cache.Add(key, bundle)
	return bundle
}

type symbolEntry struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change24h     float64 `json:"change_24h"`
	Volume24hUSDT float64 `json:"volume_24h_usdt"`
}

// Symbols handles GET /api/symbols: traded symbols, most turnover
// first.
func (h *Handlers) Symbols(w http.ResponseWriter, r *http.Request) {
	tickers, err := h.store.TickerList(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database error: "+err.Error())
		return
	}

	entries := make([]symbolEntry, 0, len(tickers))
	for _, t := range tickers {
		e := symbolEntry{Symbol: t.Symbol}
		if t.LastPrice != nil {
			e.Price = *t.LastPrice
		}
		if t.Price24hPcnt != nil {
			e.Change24h = *t.Price24hPcnt * 100
		}
		if t.Turnover24h != nil {
			e.Volume24hUSDT = *t.Turnover24h
		}
		entries = append(entries, e)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"symbols": entries,
	})
}

type macdPoint struct {
	Time      int64    `json:"time"`
	MACD      *float64 `json:"macd"`
	Signal    *float64 `json:"signal"`
	Histogram *float64 `json:"histogram"`
}

type volatilityPoint struct {
	Time       int64    `json:"time"`
	Volatility *float64 `json:"volatility"`
}

type dualEMAPoint struct {
	Time   int64    `json:"time"`
	EMA50  *float64 `json:"ema50"`
	EMA200 *float64 `json:"ema200"`
}

// Indicators handles GET /api/indicators/{indicator}/{symbol}.
func (h *Handlers) Indicators(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := strings.ToLower(vars["indicator"])
	symbol := strings.ToUpper(vars["symbol"])
	q := r.URL.Query()

	tfParam := q.Get("timeframe")
	if tfParam == "" {
		tfParam = "60"
	}
	tf, err := market.ParseTimeframe(tfParam)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", v))
			return
		}
		limit = n
	}

	candles, err := h.fetchCandles(r.Context(), symbol, tf, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database error: "+err.Error())
		return
	}

	closes := make([]float64, len(candles))
	times := make([]int64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		times[i] = c.OpenTime / 1000
	}

	var data interface{}
	switch name {
	case "macd":
		res := indicators.DefaultMACD(closes)
		points := make([]macdPoint, len(candles))
		for i := range candles {
			points[i] = macdPoint{
				Time: times[i], MACD: res.Line[i],
				Signal: res.Signal[i], Histogram: res.Histogram[i],
			}
		}
		data = points
	case "rsi":
		data = indicators.RSI(closes, 14)
	case "volatility":
		res := indicators.Volatility(closes, 200)
		points := make([]volatilityPoint, len(candles))
		for i := range candles {
			points[i] = volatilityPoint{Time: times[i], Volatility: res[i]}
		}
		data = points
	case "dual_ema":
		res := indicators.DualEMA(closes, 50, 200)
		points := make([]dualEMAPoint, len(candles))
		for i := range candles {
			points[i] = dualEMAPoint{Time: times[i], EMA50: res.EMA50[i], EMA200: res.EMA200[i]}
		}
		data = points
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown indicator: %q", name))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"indicator": name,
		"data":      data,
		"count":     len(candles),
	})
}

// TestDB handles GET /api/test-db: a trivial query proving the store
// is reachable.
func (h *Handlers) TestDB(w http.ResponseWriter, r *http.Request) {
	version, err := h.store.Version(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"mysql_version": version,
	})
}

// Health is the plain liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NotFound keeps 404s JSON like every other response.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "not found")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
