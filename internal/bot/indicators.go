// Package bot provides the automated strategy runner and its indicators.
package bot

// rsi computes a Relative Strength Index over the last closes using
// Wilder smoothing. Returns (value, true) when there is enough history.
func rsi(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// trendUp reports whether the latest price sits above its simple moving
// average over the window, a cheap proxy for an uptrend.
func trendUp(prices []float64, window int) (bool, bool) {
	if window <= 0 || len(prices) < window {
		return false, false
	}
	var sum float64
	for _, p := range prices[len(prices)-window:] {
		sum += p
	}
	sma := sum / float64(window)
	return prices[len(prices)-1] > sma, true
}
