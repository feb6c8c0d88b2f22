// Package bot implements the per-user trading bot: its validated
// configuration, the decision loop state machine, and the model-driven
// variant.
package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradebot-core/pkg/db"
)

// ErrInvalidConfig rejects bot construction; nothing runs with bad
// parameters.
var ErrInvalidConfig = errors.New("invalid trading config")

// Strategy identifiers.
const (
	StrategyIndicator = "indicator" // SignalEngine-driven
	StrategyModel     = "model"     // external-model-driven variant
)

// Config is the validated, immutable parameter set of one bot.
type Config struct {
	ID              string
	Name            string
	Symbol          string // "BASE/QUOTE"
	Timeframe       string
	TradeAmount     float64 // base currency units per entry
	Venue           string
	MaxActiveTrades int
	StopLossPct     float64 // fraction in (0,1)
	TakeProfitPct   float64 // fraction in (0,1)
	Strategy        string
}

var validTimeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// Validate checks every field; the returned error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.ID == "" {
		return fail("bot id is required")
	}
	if !strings.Contains(c.Symbol, "/") {
		return fail("symbol must be BASE/QUOTE, got %q", c.Symbol)
	}
	if _, ok := validTimeframes[c.Timeframe]; !ok {
		return fail("unsupported timeframe %q", c.Timeframe)
	}
	if c.TradeAmount <= 0 {
		return fail("trade amount must be positive, got %f", c.TradeAmount)
	}
	if c.Venue == "" {
		return fail("venue is required")
	}
	if c.MaxActiveTrades < 1 {
		return fail("max active trades must be at least 1, got %d", c.MaxActiveTrades)
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fail("stop loss must be a fraction in (0,1), got %f", c.StopLossPct)
	}
	if c.TakeProfitPct <= 0 || c.TakeProfitPct >= 1 {
		return fail("take profit must be a fraction in (0,1), got %f", c.TakeProfitPct)
	}
	switch c.Strategy {
	case StrategyIndicator, StrategyModel:
	default:
		return fail("unknown strategy %q", c.Strategy)
	}
	return nil
}

// TimeframeDuration returns the candle interval. Validate must have passed.
func (c Config) TimeframeDuration() time.Duration {
	return validTimeframes[c.Timeframe]
}

// ConfigFromRecord maps a persisted bot definition to a runtime config.
func ConfigFromRecord(r db.BotConfig) Config {
	return Config{
		ID:              r.ID,
		Name:            r.Name,
		Symbol:          r.Symbol,
		Timeframe:       r.Timeframe,
		TradeAmount:     r.TradeAmount,
		Venue:           r.Venue,
		MaxActiveTrades: r.MaxActiveTrades,
		StopLossPct:     r.StopLossPct,
		TakeProfitPct:   r.TakeProfitPct,
		Strategy:        r.Strategy,
	}
}
