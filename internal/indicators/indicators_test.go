package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func TestSMA(t *testing.T) {
	sma := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, sma, 5)

	assert.Nil(t, sma[0])
	assert.Nil(t, sma[1])
	require.NotNil(t, sma[2])
	assert.InDelta(t, 2.0, *sma[2], 1e-9)
	assert.InDelta(t, 3.0, *sma[3], 1e-9)
	assert.InDelta(t, 4.0, *sma[4], 1e-9)
}

func TestSMA_TooShort(t *testing.T) {
	sma := SMA([]float64{1, 2}, 3)
	require.Len(t, sma, 2)
	for _, v := range sma {
		assert.Nil(t, v)
	}
}

func TestEMA_Reference(t *testing.T) {
	// Seed 2.0 at i=2, alpha=0.5, so the recursion lands on the
	// successive integers.
	ema := EMA(seq(10), 3)
	require.Len(t, ema, 10)

	assert.Nil(t, ema[0])
	assert.Nil(t, ema[1])
	for i := 2; i < 10; i++ {
		require.NotNil(t, ema[i], "position %d", i)
		assert.InDelta(t, float64(i), *ema[i], 1e-9, "position %d", i)
	}
}

func TestEMA_SeedEqualsSMA(t *testing.T) {
	prices := []float64{3.5, 8.2, 1.1, 9.9, 4.4, 7.3, 2.8}
	for _, k := range []int{2, 3, 5, 7} {
		ema := EMA(prices, k)
		sma := SMA(prices, k)
		require.NotNil(t, ema[k-1])
		require.NotNil(t, sma[k-1])
		assert.InDelta(t, *sma[k-1], *ema[k-1], 1e-9, "period %d", k)
	}
}

func TestEMA_TooShort(t *testing.T) {
	ema := EMA(seq(4), 5)
	require.Len(t, ema, 4)
	for _, v := range ema {
		assert.Nil(t, v)
	}
}

func TestMACD_HistogramIdentity(t *testing.T) {
	prices := make([]float64, 120)
	for i := range prices {
		prices[i] = 100 + float64(i%17) - float64(i%5)*0.7
	}

	res := DefaultMACD(prices)
	require.Len(t, res.Line, len(prices))
	require.Len(t, res.Signal, len(prices))
	require.Len(t, res.Histogram, len(prices))

	var defined int
	for i := range prices {
		if res.Histogram[i] == nil {
			continue
		}
		require.NotNil(t, res.Line[i])
		require.NotNil(t, res.Signal[i])
		assert.InDelta(t, *res.Line[i]-*res.Signal[i], *res.Histogram[i], 1e-9)
		defined++
	}
	assert.Greater(t, defined, 0)
}

func TestMACD_SignalWarmup(t *testing.T) {
	res := MACD(seq(60), 12, 26, 9)

	// MACD line defined from slow-1 onward, signal nine defined
	// values later.
	for i := 0; i < 25; i++ {
		assert.Nil(t, res.Line[i], "line position %d", i)
	}
	require.NotNil(t, res.Line[25])
	for i := 25; i < 33; i++ {
		assert.Nil(t, res.Signal[i], "signal position %d", i)
	}
	require.NotNil(t, res.Signal[33])
}

func TestRSI_AllUp(t *testing.T) {
	rsi := RSI(seq(16), 14)
	require.Len(t, rsi, 16)

	for i := 0; i < 14; i++ {
		assert.Nil(t, rsi[i], "position %d", i)
	}
	require.NotNil(t, rsi[14])
	require.NotNil(t, rsi[15])
	assert.Equal(t, 100.0, *rsi[14])
	assert.Equal(t, 100.0, *rsi[15])
}

func TestRSI_Bounds(t *testing.T) {
	prices := make([]float64, 200)
	for i := range prices {
		prices[i] = 50 + float64((i*7919)%23) - float64((i*104729)%11)
	}
	rsi := RSI(prices, 14)
	for i, v := range rsi {
		if v == nil {
			continue
		}
		assert.GreaterOrEqual(t, *v, 0.0, "position %d", i)
		assert.LessOrEqual(t, *v, 100.0, "position %d", i)
	}
}

func TestRSI_TooShort(t *testing.T) {
	rsi := RSI(seq(14), 14)
	for _, v := range rsi {
		assert.Nil(t, v)
	}
}

func TestBollinger_Flat(t *testing.T) {
	prices := make([]float64, 25)
	for i := range prices {
		prices[i] = 10
	}
	res := Bollinger(prices, 20, 2.0)

	for i := 0; i < 19; i++ {
		assert.Nil(t, res.Middle[i], "position %d", i)
	}
	for i := 19; i < 25; i++ {
		require.NotNil(t, res.Middle[i], "position %d", i)
		assert.InDelta(t, 10.0, *res.Middle[i], 1e-9)
		assert.InDelta(t, 10.0, *res.Upper[i], 1e-9)
		assert.InDelta(t, 10.0, *res.Lower[i], 1e-9)
	}
}

func TestBollinger_BandsEnvelopeMiddle(t *testing.T) {
	res := Bollinger(seq(30), 20, 2.0)
	for i := 19; i < 30; i++ {
		require.NotNil(t, res.Upper[i])
		assert.Greater(t, *res.Upper[i], *res.Middle[i])
		assert.Less(t, *res.Lower[i], *res.Middle[i])
	}
}

func TestVolatility(t *testing.T) {
	// Alternating +10% / -9.0909...% moves around 100.
	prices := make([]float64, 12)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 100
		} else {
			prices[i] = 110
		}
	}
	vol := Volatility(prices, 4)

	for i := 0; i < 4; i++ {
		assert.Nil(t, vol[i], "position %d", i)
	}
	for i := 4; i < 12; i++ {
		require.NotNil(t, vol[i], "position %d", i)
		// Mean of two 10% up moves and two 9.09% down moves.
		assert.InDelta(t, (10.0+10.0/1.1)/2, *vol[i], 1e-6)
	}
}

func TestVolatility_SkipsNonPositivePrevious(t *testing.T) {
	vol := Volatility([]float64{0, 0, 0, 0, 0, 0}, 4)
	for _, v := range vol {
		assert.Nil(t, v)
	}
}

func TestDualEMA(t *testing.T) {
	prices := seq(300)
	res := DualEMA(prices, 50, 200)
	require.Len(t, res.EMA50, 300)
	require.Len(t, res.EMA200, 300)
	assert.Nil(t, res.EMA50[48])
	assert.NotNil(t, res.EMA50[49])
	assert.Nil(t, res.EMA200[198])
	assert.NotNil(t, res.EMA200[199])
}

func TestTotality(t *testing.T) {
	for _, n := range []int{0, 1, 5, 50} {
		prices := seq(n)
		assert.Len(t, SMA(prices, 20), n)
		assert.Len(t, EMA(prices, 20), n)
		assert.Len(t, RSI(prices, 14), n)
		assert.Len(t, Volatility(prices, 200), n)

		macd := DefaultMACD(prices)
		assert.Len(t, macd.Line, n)
		assert.Len(t, macd.Signal, n)
		assert.Len(t, macd.Histogram, n)

		boll := Bollinger(prices, 20, 2.0)
		assert.Len(t, boll.Upper, n)
		assert.Len(t, boll.Middle, n)
		assert.Len(t, boll.Lower, n)

		dual := DualEMA(prices, 50, 200)
		assert.Len(t, dual.EMA50, n)
		assert.Len(t, dual.EMA200, n)
	}
}

func TestWarmupPositions(t *testing.T) {
	prices := seq(60)

	sma := SMA(prices, 20)
	for i := 0; i < 19; i++ {
		assert.Nil(t, sma[i])
	}
	assert.NotNil(t, sma[19])

	rsi := RSI(prices, 14)
	for i := 0; i < 14; i++ {
		assert.Nil(t, rsi[i])
	}
	assert.NotNil(t, rsi[14])

	vol := Volatility(prices, 20)
	for i := 0; i < 20; i++ {
		assert.Nil(t, vol[i])
	}
	assert.NotNil(t, vol[20])
}
