package market

import "fmt"

// Timeframe is a Bybit v5 kline interval code. Intraday intervals are
// minute counts ("1" .. "240"), "D" and "W" are daily and weekly.
type Timeframe string

const (
	TF1m  Timeframe = "1"
	TF5m  Timeframe = "5"
	TF15m Timeframe = "15"
	TF1h  Timeframe = "60"
	TF4h  Timeframe = "240"
	TF1d  Timeframe = "D"
	TF1w  Timeframe = "W"
)

// SyncOrder lists every timeframe coarsest-first. The ingestor walks
// this order so the lowest-value data is fetched last if a run is
// interrupted.
var SyncOrder = []Timeframe{TF1w, TF1d, TF4h, TF1h, TF15m, TF5m, TF1m}

var tables = map[Timeframe]string{
	TF1m:  "candles1",
	TF5m:  "candles5",
	TF15m: "candles15",
	TF1h:  "candles60",
	TF4h:  "candles240",
	TF1d:  "candlesd",
	TF1w:  "candlesw",
}

var labels = map[Timeframe]string{
	TF1m:  "1m",
	TF5m:  "5m",
	TF15m: "15m",
	TF1h:  "60m",
	TF4h:  "240m",
	TF1d:  "1D",
	TF1w:  "1W",
}

// ParseTimeframe validates a timeframe query parameter.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tables[tf]; !ok {
		return "", fmt.Errorf("invalid timeframe: %q", s)
	}
	return tf, nil
}

// Table returns the candle table this timeframe persists into.
func (tf Timeframe) Table() string { return tables[tf] }

// Label is the human-facing name used in API responses.
func (tf Timeframe) Label() string { return labels[tf] }

func (tf Timeframe) String() string { return string(tf) }

// CandleTables lists every candle-bearing table, used when a delisted
// symbol has to be scrubbed from the whole store.
func CandleTables() []string {
	out := make([]string, 0, len(SyncOrder))
	for _, tf := range SyncOrder {
		out = append(out, tables[tf])
	}
	return out
}
