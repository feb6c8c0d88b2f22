package signal

import (
	"fmt"

	"tradebot-core/pkg/exchanges/common"
)

// minCandles is the window needed for full indicator coverage (EMA26 is the
// slowest component).
const minCandles = 26

// Engine evaluates the strategy set plus the user's Q-learning policy over a
// candle window and aggregates the votes into one Signal.
type Engine struct {
	qtable *QTable
}

// NewEngine binds an engine to the learned policy it consults.
func NewEngine(qtable *QTable) *Engine {
	return &Engine{qtable: qtable}
}

// Evaluate produces the decision for the current window. hasOpenPosition
// steers conflict resolution: conflicting votes prefer entering when flat and
// exiting when exposed.
func (e *Engine) Evaluate(candles []common.Candle, hasOpenPosition bool) Signal {
	if len(candles) < minCandles {
		return insufficient()
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	snap := snapshot{
		candles: candles,
		ema12:   EMA(closes, 12),
		ema26:   EMA(closes, 26),
		rsi:     RSI(closes, 14),
	}
	if snap.ema26 == nil || snap.rsi == nil {
		return insufficient()
	}

	sig := Signal{QState: discretize(snap)}

	for _, st := range strategies {
		buy, sell := st.eval(snap)
		if buy {
			sig.Buy = true
			sig.Contributors.Buy = append(sig.Contributors.Buy, st.name)
		}
		if sell {
			sig.Sell = true
			sig.Contributors.Sell = append(sig.Contributors.Sell, st.name)
		}
	}

	switch e.qtable.Best(sig.QState) {
	case ActionBuy:
		sig.Buy = true
		sig.Contributors.Buy = append(sig.Contributors.Buy, "q_learning")
	case ActionSell:
		sig.Sell = true
		sig.Contributors.Sell = append(sig.Contributors.Sell, "q_learning")
	}

	return resolveConflict(sig, hasOpenPosition)
}

// resolveConflict enforces that at most one side survives: a flat caller
// prefers the buy, an exposed caller prefers the sell. The losing side's
// contributors are cleared.
func resolveConflict(sig Signal, hasOpenPosition bool) Signal {
	if !sig.Buy || !sig.Sell {
		return sig
	}
	if hasOpenPosition {
		sig.Buy = false
		sig.Contributors.Buy = nil
	} else {
		sig.Sell = false
		sig.Contributors.Sell = nil
	}
	return sig
}

// discretize maps the indicator snapshot to the Q-table's state space.
func discretize(snap snapshot) string {
	trend := "down"
	if snap.ema12[len(snap.ema12)-1] > snap.ema26[len(snap.ema26)-1] {
		trend = "up"
	}

	zone := "mid"
	switch rsi := snap.lastRSI(); {
	case rsi < 30:
		zone = "low"
	case rsi > 70:
		zone = "high"
	}

	return fmt.Sprintf("ema_%s_rsi_%s", trend, zone)
}
