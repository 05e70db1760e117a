package indicator

import (
	"math"

	"github.com/quantbed/backtestd/internal/domain"
)

// kernelFunc computes every output series of one family over a candle
// window. Each series carries one point per candle, NaN until the window
// has filled.
type kernelFunc func(params map[string]float64, candles []domain.Candle) (map[string][]float64, error)

func builtinFamilies() []family {
	return []family{
		{
			name:     "sma",
			params:   []paramSpec{{name: "timeperiod", integer: true}},
			outputs:  []string{"value"},
			lookback: func(p map[string]float64) int { return int(p["timeperiod"]) },
			kernel:   smaKernel,
		},
		{
			name:     "ema",
			params:   []paramSpec{{name: "timeperiod", integer: true}},
			outputs:  []string{"value"},
			lookback: func(p map[string]float64) int { return 2 * int(p["timeperiod"]) },
			kernel:   emaKernel,
		},
		{
			name:     "rsi",
			params:   []paramSpec{{name: "timeperiod", integer: true}},
			outputs:  []string{"value"},
			lookback: func(p map[string]float64) int { return int(p["timeperiod"]) + 1 },
			kernel:   rsiKernel,
		},
		{
			name:     "macd",
			params:   []paramSpec{{name: "fast", integer: true}, {name: "signal", integer: true}, {name: "slow", integer: true}},
			outputs:  []string{"macd", "signal", "hist"},
			lookback: func(p map[string]float64) int { return int(p["slow"]) + int(p["signal"]) },
			kernel:   macdKernel,
		},
		{
			name:     "bollinger",
			params:   []paramSpec{{name: "nbdev"}, {name: "timeperiod", integer: true}},
			outputs:  []string{"upper", "middle", "lower"},
			lookback: func(p map[string]float64) int { return int(p["timeperiod"]) },
			kernel:   bollingerKernel,
		},
		{
			name:     "atr",
			params:   []paramSpec{{name: "timeperiod", integer: true}},
			outputs:  []string{"value"},
			lookback: func(p map[string]float64) int { return int(p["timeperiod"]) + 1 },
			kernel:   atrKernel,
		},
		{
			name:     "super_trend",
			params:   []paramSpec{{name: "multiplier"}, {name: "period", integer: true}},
			outputs:  []string{"value", "direction"},
			lookback: func(p map[string]float64) int { return int(p["period"]) + 1 },
			kernel:   superTrendKernel,
		},
	}
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// rollingMean is a simple moving average over a fixed window.
func rollingMean(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n < 1 || len(values) < n {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// expMean is an exponential moving average with smoothing 2/(n+1), seeded
// with the plain mean of the first n points. Leading NaNs are skipped so it
// can run over another kernel's output.
func expMean(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n < 1 {
		return out
	}
	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < n {
		return out
	}
	var sum float64
	for i := start; i < start+n; i++ {
		sum += values[i]
	}
	prev := sum / float64(n)
	out[start+n-1] = prev
	k := 2 / (float64(n) + 1)
	for i := start + n; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// wilderATR is the Wilder-smoothed average true range. The first point
// lands at index n because the true range needs a previous close.
func wilderATR(candles []domain.Candle, n int) []float64 {
	out := nanSlice(len(candles))
	if n < 1 || len(candles) < n+1 {
		return out
	}
	tr := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		tr[i] = math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}
	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	prev := sum / float64(n)
	out[n] = prev
	for i := n + 1; i < len(candles); i++ {
		prev = (prev*float64(n-1) + tr[i]) / float64(n)
		out[i] = prev
	}
	return out
}

func smaKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	return map[string][]float64{"value": rollingMean(closes(candles), int(params["timeperiod"]))}, nil
}

func emaKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	return map[string][]float64{"value": expMean(closes(candles), int(params["timeperiod"]))}, nil
}

// rsiKernel is Wilder's relative strength index. A window with no losses
// reads 100, a fully flat window reads 50.
func rsiKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	n := int(params["timeperiod"])
	values := closes(candles)
	out := nanSlice(len(values))
	if n < 1 || len(values) < n+1 {
		return map[string][]float64{"value": out}, nil
	}
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	out[n] = rsiPoint(avgGain, avgLoss)
	for i := n + 1; i < len(values); i++ {
		var gain, loss float64
		if d := values[i] - values[i-1]; d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = rsiPoint(avgGain, avgLoss)
	}
	return map[string][]float64{"value": out}, nil
}

func rsiPoint(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func macdKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	values := closes(candles)
	fast := expMean(values, int(params["fast"]))
	slow := expMean(values, int(params["slow"]))
	line := nanSlice(len(values))
	for i := range values {
		line[i] = fast[i] - slow[i]
	}
	signal := expMean(line, int(params["signal"]))
	hist := nanSlice(len(values))
	for i := range values {
		hist[i] = line[i] - signal[i]
	}
	return map[string][]float64{"macd": line, "signal": signal, "hist": hist}, nil
}

// bollingerKernel builds bands nbdev population standard deviations around
// the moving average.
func bollingerKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	n := int(params["timeperiod"])
	nbdev := params["nbdev"]
	values := closes(candles)
	middle := rollingMean(values, n)
	upper := nanSlice(len(values))
	lower := nanSlice(len(values))
	if n >= 1 {
		for i := n - 1; i < len(values); i++ {
			var ss float64
			for j := i - n + 1; j <= i; j++ {
				d := values[j] - middle[i]
				ss += d * d
			}
			sd := math.Sqrt(ss / float64(n))
			upper[i] = middle[i] + nbdev*sd
			lower[i] = middle[i] - nbdev*sd
		}
	}
	return map[string][]float64{"upper": upper, "middle": middle, "lower": lower}, nil
}

func atrKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	return map[string][]float64{"value": wilderATR(candles, int(params["timeperiod"]))}, nil
}

// superTrendKernel is the classic ATR-band trailing stop. direction is +1
// while the close rides above the stop and -1 below; value is the active
// band.
func superTrendKernel(params map[string]float64, candles []domain.Candle) (map[string][]float64, error) {
	period := int(params["period"])
	mult := params["multiplier"]
	value := nanSlice(len(candles))
	direction := nanSlice(len(candles))
	if period < 1 || len(candles) < period+1 {
		return map[string][]float64{"value": value, "direction": direction}, nil
	}
	atr := wilderATR(candles, period)
	finalUpper := nanSlice(len(candles))
	finalLower := nanSlice(len(candles))
	dir := 1.0
	for i := period; i < len(candles); i++ {
		mid := (candles[i].High + candles[i].Low) / 2
		upper := mid + mult*atr[i]
		lower := mid - mult*atr[i]
		if i > period {
			// Bands only ratchet towards price while the close stays inside.
			if upper >= finalUpper[i-1] && candles[i-1].Close <= finalUpper[i-1] {
				upper = finalUpper[i-1]
			}
			if lower <= finalLower[i-1] && candles[i-1].Close >= finalLower[i-1] {
				lower = finalLower[i-1]
			}
		}
		finalUpper[i] = upper
		finalLower[i] = lower
		if dir > 0 && candles[i].Close < lower {
			dir = -1
		} else if dir < 0 && candles[i].Close > upper {
			dir = 1
		}
		direction[i] = dir
		if dir > 0 {
			value[i] = lower
		} else {
			value[i] = upper
		}
	}
	return map[string][]float64{"value": value, "direction": direction}, nil
}
