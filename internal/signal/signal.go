// Package signal turns candle windows into a single buy/sell/hold decision
// by combining independent indicator strategies with a Q-learning policy.
package signal

// Action is a trading decision.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// StateInsufficientData marks a signal produced from too few candles; the
// caller skips the iteration and no Q-learning happens for it.
const StateInsufficientData = "insufficient_data"

// Contributors records which strategies voted for each side.
type Contributors struct {
	Buy  []string
	Sell []string
}

// Signal is the aggregated decision for one iteration. Both sides can never
// be true on output; conflicts are resolved before returning.
type Signal struct {
	Buy          bool
	Sell         bool
	Contributors Contributors
	QState       string
}

// Neutral reports whether the signal requests no action.
func (s Signal) Neutral() bool { return !s.Buy && !s.Sell }

// Action returns the signal as a single action.
func (s Signal) Action() Action {
	switch {
	case s.Buy:
		return ActionBuy
	case s.Sell:
		return ActionSell
	}
	return ActionHold
}

// insufficient returns the neutral skip-iteration signal.
func insufficient() Signal {
	return Signal{QState: StateInsufficientData}
}
