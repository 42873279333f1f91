package bybit

import (
	"strconv"

	"github.com/smartchart/smartchart/internal/market"
)

// Market converts the raw snapshot entry into the domain ticker,
// coercing each numeric string with null-when-missing semantics.
func (t Ticker) Market() market.Ticker {
	return market.Ticker{
		Symbol:                 t.Symbol,
		LastPrice:              nullFloat(t.LastPrice),
		IndexPrice:             nullFloat(t.IndexPrice),
		MarkPrice:              nullFloat(t.MarkPrice),
		PrevPrice24h:           nullFloat(t.PrevPrice24h),
		Price24hPcnt:           nullFloat(t.Price24hPcnt),
		HighPrice24h:           nullFloat(t.HighPrice24h),
		LowPrice24h:            nullFloat(t.LowPrice24h),
		PrevPrice1h:            nullFloat(t.PrevPrice1h),
		OpenInterest:           nullFloat(t.OpenInterest),
		OpenInterestValue:      nullFloat(t.OpenInterestValue),
		Turnover24h:            nullFloat(t.Turnover24h),
		Volume24h:              nullFloat(t.Volume24h),
		FundingRate:            nullFloat(t.FundingRate),
		NextFundingTime:        nullInt(t.NextFundingTime),
		PredictedDeliveryPrice: nullFloat(t.PredictedDeliveryPrice),
		BasisRate:              nullFloat(t.BasisRate),
		DeliveryFeeRate:        nullFloat(t.DeliveryFeeRate),
		DeliveryTime:           nullInt(t.DeliveryTime),
		Ask1Size:               nullFloat(t.Ask1Size),
		Bid1Price:              nullFloat(t.Bid1Price),
		Ask1Price:              nullFloat(t.Ask1Price),
		Bid1Size:               nullFloat(t.Bid1Size),
		Basis:                  t.Basis,
	}
}

func nullFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func nullInt(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
