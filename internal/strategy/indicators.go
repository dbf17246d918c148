package strategy

import "math"

// Indicator helpers shared by the evaluators. All operate on a Window
// without mutating it; prices come out in paise as float64.

// closeF returns the close of candle i as float64 paise.
func closeF(w Window, i int) float64 { return float64(w[i].Close) }

// EMASeries returns the EMA of closes with the given period, one value per
// candle. The first period-1 values are seeded with an SMA ramp.
func EMASeries(w Window, period int) []float64 {
	out := make([]float64, len(w))
	if len(w) == 0 || period <= 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	sum := 0.0
	for i := range w {
		c := closeF(w, i)
		if i < period {
			sum += c
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = c*k + out[i-1]*(1-k)
	}
	return out
}

// SMA returns the simple moving average of the last period closes.
func SMA(w Window, period int) float64 {
	if period <= 0 || len(w) < period {
		return 0
	}
	sum := 0.0
	for i := len(w) - period; i < len(w); i++ {
		sum += closeF(w, i)
	}
	return sum / float64(period)
}

// RSI returns the Wilder RSI of closes over the last period+1 candles.
func RSI(w Window, period int) float64 {
	if len(w) < period+1 {
		return 50
	}
	var gain, loss float64
	start := len(w) - period
	for i := start; i < len(w); i++ {
		d := closeF(w, i) - closeF(w, i-1)
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// ATR returns the average true range over the last period candles, in paise.
func ATR(w Window, period int) float64 {
	if len(w) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(w) - period; i < len(w); i++ {
		hi := float64(w[i].High)
		lo := float64(w[i].Low)
		pc := closeF(w, i-1)
		tr := hi - lo
		if d := math.Abs(hi - pc); d > tr {
			tr = d
		}
		if d := math.Abs(lo - pc); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

// VWAP returns the volume-weighted average price over the whole window
// (typically the session so far), in paise. Falls back to SMA when volume is
// absent (index series).
func VWAP(w Window) float64 {
	var pv, vol float64
	for i := range w {
		typ := (float64(w[i].High) + float64(w[i].Low) + float64(w[i].Close)) / 3
		v := float64(w[i].Volume)
		pv += typ * v
		vol += v
	}
	if vol == 0 {
		return SMA(w, len(w))
	}
	return pv / vol
}

// StdDev returns the standard deviation of the last period closes.
func StdDev(w Window, period int) float64 {
	if period <= 1 || len(w) < period {
		return 0
	}
	mean := SMA(w, period)
	var ss float64
	for i := len(w) - period; i < len(w); i++ {
		d := closeF(w, i) - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(period))
}

// RelVolume returns the terminal candle's volume relative to the average of
// the preceding period candles. 1.0 = average.
func RelVolume(w Window, period int) float64 {
	if len(w) < period+1 {
		return 1
	}
	var sum float64
	for i := len(w) - period - 1; i < len(w)-1; i++ {
		sum += float64(w[i].Volume)
	}
	avg := sum / float64(period)
	if avg == 0 {
		return 1
	}
	return float64(w.Last().Volume) / avg
}

// Slope returns the normalized slope of a series tail: (last - first) / first
// over the last n points. Positive = rising.
func Slope(series []float64, n int) float64 {
	if n <= 1 || len(series) < n {
		return 0
	}
	first := series[len(series)-n]
	last := series[len(series)-1]
	if first == 0 {
		return 0
	}
	return (last - first) / first
}

// HighestHigh returns the highest high over the last period candles
// excluding the terminal candle.
func HighestHigh(w Window, period int) int64 {
	if len(w) < period+1 {
		return 0
	}
	hh := int64(0)
	for i := len(w) - period - 1; i < len(w)-1; i++ {
		if w[i].High > hh {
			hh = w[i].High
		}
	}
	return hh
}

// LowestLow returns the lowest low over the last period candles excluding
// the terminal candle.
func LowestLow(w Window, period int) int64 {
	if len(w) < period+1 {
		return 0
	}
	ll := int64(math.MaxInt64)
	for i := len(w) - period - 1; i < len(w)-1; i++ {
		if w[i].Low < ll {
			ll = w[i].Low
		}
	}
	return ll
}

// bodyPct returns the candle body as a fraction of its full range (0..1).
func bodyPct(c float64, o float64, h float64, l float64) float64 {
	rng := h - l
	if rng <= 0 {
		return 0
	}
	return math.Abs(c-o) / rng
}
