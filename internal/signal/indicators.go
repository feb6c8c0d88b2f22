package signal

// EMA returns the exponential moving average series for the given period.
// The first period-1 entries are zero; entry period-1 seeds with the simple
// average of the first period values.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	out := make([]float64, len(values))
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the Wilder relative strength index series for the given period.
// avgLoss of zero is treated as RS=100 rather than a division by zero.
func RSI(values []float64, period int) []float64 {
	if period <= 0 || len(values) <= period {
		return nil
	}

	out := make([]float64, len(values))

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	rs := 100.0
	if avgLoss > 0 {
		rs = avgGain / avgLoss
	}
	return 100 - 100/(1+rs)
}
