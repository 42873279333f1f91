// Package market holds the domain types shared by the ingestor, the
// persistence layer and the read API.
package market

import "time"

// Candle is one closed (or still-forming) OHLCV bar for a symbol.
// OpenTime is milliseconds since the Unix epoch; OpenDatetime is the
// same instant rendered as a UTC wall-clock string for the legacy
// schema. Turnover is quote-currency volume rounded to an integer so
// it fits the store's column without decimal overflow.
type Candle struct {
	Symbol       string
	OpenTime     int64
	OpenDatetime string
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Turnover     int64
}

// OpenDatetimeLayout is the wall-clock format the candle tables use.
const OpenDatetimeLayout = "2006-01-02 15:04:05"

// FormatOpenTime renders an epoch-millisecond timestamp as the UTC
// wall-clock string stored alongside it.
func FormatOpenTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(OpenDatetimeLayout)
}

// Ticker is the 24h market snapshot for one perpetual symbol. All
// numeric fields are nullable because the exchange omits them for
// some contracts; Basis is free-form.
type Ticker struct {
	Symbol                 string
	LastPrice              *float64
	IndexPrice             *float64
	MarkPrice              *float64
	PrevPrice24h           *float64
	Price24hPcnt           *float64
	HighPrice24h           *float64
	LowPrice24h            *float64
	PrevPrice1h            *float64
	OpenInterest           *float64
	OpenInterestValue      *float64
	Turnover24h            *float64
	Volume24h              *float64
	FundingRate            *float64
	NextFundingTime        *int64
	PredictedDeliveryPrice *float64
	BasisRate              *float64
	DeliveryFeeRate        *float64
	DeliveryTime           *int64
	Ask1Size               *float64
	Bid1Price              *float64
	Ask1Price              *float64
	Bid1Size               *float64
	Basis                  string
}
