// Package bybit is a client for the two Bybit v5 public endpoints the
// ingestor consumes: linear-category tickers and klines.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/smartchart/smartchart/internal/market"
	"github.com/smartchart/smartchart/internal/ratelimit"
	"github.com/smartchart/smartchart/internal/telemetry/metrics"
)

// MaxLimit is the largest kline page the exchange serves per request.
const MaxLimit = 1000

// Config controls the client's transport and retry behavior.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // total, sized for the dense 1m backlog
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
}

// DefaultConfig matches the production ingestor settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.bybit.com",
		RequestTimeout: 300 * time.Second,
		ConnectTimeout: 60 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxRetries:     5,
		BackoffBase:    time.Second,
	}
}

// Client issues rate-limited, retried requests against the public API.
// A single Client (and its connection pool) is shared by all fetchers
// of a timeframe pass.
type Client struct {
	baseURL     string
	http        *http.Client
	limiter     *ratelimit.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxRetries  int
	backoffBase time.Duration
	metrics     *metrics.Registry
}

// New creates a client gated by limiter. metrics may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, reg *metrics.Registry) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   32,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bybit",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		limiter:     limiter,
		breaker:     breaker,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		metrics:     reg,
	}
}

// Kline is one parsed bar as served by the kline endpoint.
type Kline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover int64
}

// Ticker is the raw 24h snapshot entry; every numeric field arrives as
// a string and may be empty.
type Ticker struct {
	Symbol                 string `json:"symbol"`
	LastPrice              string `json:"lastPrice"`
	IndexPrice             string `json:"indexPrice"`
	MarkPrice              string `json:"markPrice"`
	PrevPrice24h           string `json:"prevPrice24h"`
	Price24hPcnt           string `json:"price24hPcnt"`
	HighPrice24h           string `json:"highPrice24h"`
	LowPrice24h            string `json:"lowPrice24h"`
	PrevPrice1h            string `json:"prevPrice1h"`
	OpenInterest           string `json:"openInterest"`
	OpenInterestValue      string `json:"openInterestValue"`
	Turnover24h            string `json:"turnover24h"`
	Volume24h              string `json:"volume24h"`
	FundingRate            string `json:"fundingRate"`
	NextFundingTime        string `json:"nextFundingTime"`
	PredictedDeliveryPrice string `json:"predictedDeliveryPrice"`
	BasisRate              string `json:"basisRate"`
	DeliveryFeeRate        string `json:"deliveryFeeRate"`
	DeliveryTime           string `json:"deliveryTime"`
	Ask1Size               string `json:"ask1Size"`
	Bid1Price              string `json:"bid1Price"`
	Ask1Price              string `json:"ask1Price"`
	Bid1Size               string `json:"bid1Size"`
	Basis                  string `json:"basis"`
}

type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

type tickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []Ticker `json:"list"`
	} `json:"result"`
}

// Klines fetches up to MaxLimit bars for symbol/interval from startMs
// onward. The exchange serves them newest-first; rows are returned
// sorted ascending by open time. After MaxRetries failed attempts it
// returns an empty slice and no error, which callers treat as "nothing
// more to fetch".
func (c *Client) Klines(ctx context.Context, symbol string, interval market.Timeframe, startMs int64) ([]Kline, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	q.Set("limit", strconv.Itoa(MaxLimit))
	q.Set("start", strconv.FormatInt(startMs, 10))
	reqURL := c.baseURL + "/v5/market/kline?" + q.Encode()

	var klines []Kline
	err := c.withRetries(ctx, symbol, "kline", func(body []byte) error {
		var resp klineResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decoding kline response: %w", err)
		}
		if resp.RetCode != 0 {
			return fmt.Errorf("kline retCode %d: %s", resp.RetCode, resp.RetMsg)
		}
		parsed, err := parseKlines(resp.Result.List)
		if err != nil {
			return err
		}
		klines = parsed
		return nil
	}, reqURL)
	if err != nil {
		return nil, err
	}

	sort.Slice(klines, func(i, j int) bool { return klines[i].OpenTime < klines[j].OpenTime })
	return klines, nil
}

// Tickers fetches the full linear ticker snapshot. Soft-fails to an
// empty slice after retry exhaustion, same as Klines.
func (c *Client) Tickers(ctx context.Context) ([]Ticker, error) {
	reqURL := c.baseURL + "/v5/market/tickers?category=linear"

	var tickers []Ticker
	err := c.withRetries(ctx, "", "tickers", func(body []byte) error {
		var resp tickerResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decoding ticker response: %w", err)
		}
		if resp.RetCode != 0 {
			return fmt.Errorf("tickers retCode %d: %s", resp.RetCode, resp.RetMsg)
		}
		tickers = resp.Result.List
		return nil
	}, reqURL)
	if err != nil {
		return nil, err
	}
	return tickers, nil
}

// withRetries runs up to maxRetries attempts of fetch+parse. Each
// attempt takes one rate-limit token; failures back off 1,2,4,8,16
// (scaled by backoffBase). Exhaustion is a soft failure: parse sees no
// data and the caller's slice stays empty. Only context cancellation
// surfaces as an error.
func (c *Client) withRetries(ctx context.Context, symbol, endpoint string, parse func([]byte) error, reqURL string) error {
	wait := c.backoffBase
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		body, err := c.attempt(ctx, reqURL)
		if err == nil {
			err = parse(body)
		}
		if err == nil {
			c.record(endpoint, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.record(endpoint, "error")
		log.Warn().Err(err).
			Str("endpoint", endpoint).
			Str("symbol", symbol).
			Int("attempt", attempt).
			Int("max_retries", c.maxRetries).
			Msg("exchange request failed")

		if attempt < c.maxRetries {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			wait *= 2
		}
	}

	log.Warn().Str("endpoint", endpoint).Str("symbol", symbol).
		Msgf("giving up after %d attempts", c.maxRetries)
	return nil
}

func (c *Client) attempt(ctx context.Context, reqURL string) ([]byte, error) {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (c *Client) record(endpoint, result string) {
	if c.metrics != nil {
		c.metrics.ExchangeRequests.WithLabelValues(endpoint, result).Inc()
	}
}

// parseKlines converts the exchange's string septuples. Layout per
// https://bybit-exchange.github.io/docs/v5/market/kline:
// [startTime, open, high, low, close, volume, turnover].
func parseKlines(rows [][]string) ([]Kline, error) {
	out := make([]Kline, 0, len(rows))
	for i, raw := range rows {
		if len(raw) != 7 {
			return nil, fmt.Errorf("kline row %d has %d fields, want 7", i, len(raw))
		}
		openTime, err := strconv.ParseInt(raw[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kline row %d open time %q: %w", i, raw[0], err)
		}
		var vals [6]float64
		for j := 1; j < 7; j++ {
			v, err := strconv.ParseFloat(raw[j], 64)
			if err != nil {
				return nil, fmt.Errorf("kline row %d field %d %q: %w", i, j, raw[j], err)
			}
			vals[j-1] = v
		}
		out = append(out, Kline{
			OpenTime: openTime,
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
			Turnover: int64(math.Round(vals[5])),
		})
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
