package common

import (
	"strings"
	"time"
)

// Side denotes order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing direction for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Candle is one OHLCV sample.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Body returns the absolute open-close distance.
func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range returns the high-low distance.
func (c Candle) Range() float64 { return c.High - c.Low }

// UpperShadow returns the wick above the body.
func (c Candle) UpperShadow() float64 {
	if c.Close > c.Open {
		return c.High - c.Close
	}
	return c.High - c.Open
}

// LowerShadow returns the wick below the body.
func (c Candle) LowerShadow() float64 {
	if c.Close > c.Open {
		return c.Open - c.Low
	}
	return c.Close - c.Low
}

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Volume   float64 // base currency units
	Price    float64 // required for LIMIT
	ClientID string  // optional client order id
	Leverage int     // futures venues only; 0 = spot
}

// Fill is the confirmed result of a submitted order.
type Fill struct {
	ExchangeOrderID string
	FilledVolume    float64
	Cost            float64 // quote currency spent/received, before fee
	Fee             float64
	FeeCurrency     string
	Price           float64 // average fill price
}

// AssetBalance is one currency's venue-side balance.
type AssetBalance struct {
	Currency string
	Amount   float64
}

// NormalizeSymbol returns the canonical "BASE/QUOTE" form of a symbol.
func NormalizeSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// SplitSymbol resolves "BTC/USDT" (or "BTCUSDT" with a known quote) into
// base and quote currencies.
func SplitSymbol(symbol string) (base, quote string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	// Fall back to the common quote suffixes.
	for _, q := range []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, "USDT"
}
