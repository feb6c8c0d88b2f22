package signal

import "tradebot-core/pkg/exchanges/common"

// snapshot carries one iteration's precomputed market view for the strategies.
type snapshot struct {
	candles []common.Candle
	ema12   []float64
	ema26   []float64
	rsi     []float64
}

func (s snapshot) last() common.Candle { return s.candles[len(s.candles)-1] }

func (s snapshot) prev() common.Candle { return s.candles[len(s.candles)-2] }

func (s snapshot) lastRSI() float64 { return s.rsi[len(s.rsi)-1] }

// strategy is one independent vote. Each may set buy, sell, or neither.
type strategy struct {
	name string
	eval func(snapshot) (buy, sell bool)
}

// strategies are evaluated in order and OR-aggregated by the engine.
var strategies = []strategy{
	{name: "ema_crossover", eval: emaCrossover},
	{name: "rsi_threshold", eval: rsiThreshold},
	{name: "engulfing_price", eval: engulfingPrice},
	{name: "basic_candlestick", eval: basicCandlestick},
}

// emaCrossover fires on a cross of EMA12 through EMA26 between the last two
// candles.
func emaCrossover(s snapshot) (bool, bool) {
	n := len(s.ema12)
	prevFast, prevSlow := s.ema12[n-2], s.ema26[n-2]
	curFast, curSlow := s.ema12[n-1], s.ema26[n-1]

	buy := prevFast <= prevSlow && curFast > curSlow
	sell := prevFast >= prevSlow && curFast < curSlow
	return buy, sell
}

// rsiThreshold buys oversold (<30) and sells overbought (>70).
func rsiThreshold(s snapshot) (bool, bool) {
	rsi := s.lastRSI()
	return rsi < 30, rsi > 70
}

// engulfingPrice requires an engulfing pattern confirmed by a 2% move of the
// last close against the first close of the window.
func engulfingPrice(s snapshot) (bool, bool) {
	first := s.candles[0].Close
	last := s.last().Close

	buy := IsBullishEngulfing(s.prev(), s.last()) && last >= first*1.02
	sell := IsBearishEngulfing(s.prev(), s.last()) && last <= first*0.98
	return buy, sell
}

// basicCandlestick reads the last candle alone: hammer buys, shooting star
// sells. A doji votes neither way.
func basicCandlestick(s snapshot) (bool, bool) {
	c := s.last()
	if IsDoji(c) {
		return false, false
	}
	return IsHammer(c), IsShootingStar(c)
}
