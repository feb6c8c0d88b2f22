// Package common defines the capability interface every trading venue
// adapter implements, plus the shared wire-neutral types.
package common

import (
	"context"
	"time"
)

// Exchange abstracts a trading venue. Adapters own their authentication,
// request shaping and pacing; callers only see prices, candles, balances and
// fills.
type Exchange interface {
	// Name returns the venue identifier ("binance", "kraken", "paper").
	Name() string

	// GetPrice returns the current price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetOHLC returns up to limit candles for the given timeframe, oldest first.
	GetOHLC(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)

	// SubmitOrder dispatches an order and returns the confirmed fill.
	SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error)

	// GetAccountBalance returns the venue-side balances of the account.
	GetAccountBalance(ctx context.Context) ([]AssetBalance, error)

	// RateLimit is the minimum spacing the venue wants between requests;
	// the bot scheduler derives its iteration pause from it.
	RateLimit() time.Duration
}
