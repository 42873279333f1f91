// Package indicators implements the streaming technical indicators the
// read API computes over stored closing prices.
//
// Every function is pure and total: given n prices it returns series of
// exactly n elements. A nil element marks a position inside the warm-up
// window where the indicator is undefined; nil serializes to JSON null,
// which is what the chart frontend expects.
package indicators

import "math"

// SMA is the simple moving average over a k-wide trailing window.
func SMA(prices []float64, period int) []*float64 {
	out := make([]*float64, len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}
	var sum float64
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			v := sum / float64(period)
			out[i] = &v
		}
	}
	return out
}

// EMA is the exponential moving average seeded with the first SMA and
// smoothed with alpha = 2/(k+1).
func EMA(prices []float64, period int) []*float64 {
	out := make([]*float64, len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	prev := sum / float64(period)
	seed := prev
	out[period-1] = &seed

	alpha := 2 / float64(period+1)
	for i := period; i < len(prices); i++ {
		prev = (prices[i]-prev)*alpha + prev
		v := prev
		out[i] = &v
	}
	return out
}

// MACDResult carries the three MACD series.
type MACDResult struct {
	Line      []*float64
	Signal    []*float64
	Histogram []*float64
}

// MACD computes the moving average convergence divergence. The signal
// line is an EMA over the defined prefix of the MACD line, scattered
// back onto the original positions; everything else stays undefined.
func MACD(prices []float64, fast, slow, signal int) MACDResult {
	n := len(prices)
	emaFast := EMA(prices, fast)
	emaSlow := EMA(prices, slow)

	line := make([]*float64, n)
	defined := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if emaFast[i] != nil && emaSlow[i] != nil {
			v := *emaFast[i] - *emaSlow[i]
			line[i] = &v
			defined = append(defined, v)
		}
	}

	signalEMA := EMA(defined, signal)
	sig := make([]*float64, n)
	j := 0
	for i := 0; i < n; i++ {
		if line[i] == nil {
			continue
		}
		if j < len(signalEMA) && signalEMA[j] != nil {
			v := *signalEMA[j]
			sig[i] = &v
		}
		j++
	}

	hist := make([]*float64, n)
	for i := 0; i < n; i++ {
		if line[i] != nil && sig[i] != nil {
			v := *line[i] - *sig[i]
			hist[i] = &v
		}
	}

	return MACDResult{Line: line, Signal: sig, Histogram: hist}
}

// DefaultMACD uses the conventional 12/26/9 parameters.
func DefaultMACD(prices []float64) MACDResult { return MACD(prices, 12, 26, 9) }

// RSI is the relative strength index with Wilder's smoothing. Values
// are in [0, 100]; a zero trailing loss average pins the output at 100.
func RSI(prices []float64, period int) []*float64 {
	out := make([]*float64, len(prices))
	if period <= 0 || len(prices) < period+1 {
		return out
	}

	gains := make([]float64, len(prices)-1)
	losses := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gains[i-1] = d
		} else {
			losses[i-1] = -d
		}
	}

	var avgGain, avgLoss float64
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period; i < len(prices); i++ {
		var v float64
		if avgLoss == 0 {
			v = 100
		} else {
			rs := avgGain / avgLoss
			v = 100 - 100/(1+rs)
		}
		val := v
		out[i] = &val

		if i < len(gains) {
			avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
			avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		}
	}
	return out
}

// BollingerResult carries the three Bollinger band series.
type BollingerResult struct {
	Upper  []*float64
	Middle []*float64
	Lower  []*float64
}

// Bollinger computes bands at stdDev population standard deviations
// around the k-period SMA.
func Bollinger(prices []float64, period int, stdDev float64) BollingerResult {
	n := len(prices)
	res := BollingerResult{
		Upper:  make([]*float64, n),
		Middle: make([]*float64, n),
		Lower:  make([]*float64, n),
	}
	if period <= 0 || n < period {
		return res
	}
	for i := period - 1; i < n; i++ {
		window := prices[i-period+1 : i+1]
		var sum float64
		for _, p := range window {
			sum += p
		}
		mean := sum / float64(period)

		var variance float64
		for _, p := range window {
			d := p - mean
			variance += d * d
		}
		variance /= float64(period)
		sigma := math.Sqrt(variance)

		mid, up, lo := mean, mean+stdDev*sigma, mean-stdDev*sigma
		res.Middle[i] = &mid
		res.Upper[i] = &up
		res.Lower[i] = &lo
	}
	return res
}

// Volatility averages the absolute percentage change of the last k bars.
// Bars whose previous close is non-positive are skipped; a window with
// no usable bars stays undefined.
func Volatility(prices []float64, period int) []*float64 {
	out := make([]*float64, len(prices))
	if period <= 0 || len(prices) < period+1 {
		return out
	}
	for i := period; i < len(prices); i++ {
		var sum float64
		var count int
		for j := i - period + 1; j <= i; j++ {
			if j == 0 || prices[j-1] <= 0 {
				continue
			}
			pct := (prices[j] - prices[j-1]) / prices[j-1] * 100
			if pct < 0 {
				pct = -pct
			}
			sum += pct
			count++
		}
		if count > 0 {
			v := sum / float64(count)
			out[i] = &v
		}
	}
	return out
}

// DualEMAResult carries the slow/fast EMA pair used for trend overlays.
type DualEMAResult struct {
	EMA50  []*float64
	EMA200 []*float64
}

// DualEMA computes the 50/200 EMA pair (periods are parameters so the
// overlay stays testable on short fixtures).
func DualEMA(prices []float64, period1, period2 int) DualEMAResult {
	return DualEMAResult{
		EMA50:  EMA(prices, period1),
		EMA200: EMA(prices, period2),
	}
}
