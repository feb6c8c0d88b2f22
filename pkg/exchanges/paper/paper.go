// Package paper implements an in-process simulated venue. It fills every
// order instantly at the current synthetic price, charges a configurable fee,
// and records everything it is asked to do, which makes it the default venue
// for development and for the executor and bot tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebot-core/pkg/exchanges/common"
)

// Config controls the simulation.
type Config struct {
	InitialPrice float64 // starting price for every symbol
	FeeRate      float64 // e.g. 0.001 for 10 bps
}

// Venue is a simulated exchange. Safe for concurrent use.
type Venue struct {
	cfg Config

	mu        sync.Mutex
	prices    map[string]float64
	balances  map[string]float64
	orders    []common.OrderRequest
	fills     []common.Fill
	failNext  error
	baseTime  time.Time
	tickCount map[string]int
}

// New creates a paper venue with generous starting balances.
func New(cfg Config) *Venue {
	if cfg.InitialPrice <= 0 {
		cfg.InitialPrice = 50000
	}
	return &Venue{
		cfg: cfg,
		prices: map[string]float64{},
		balances: map[string]float64{
			"USDT": 1_000_000,
			"BTC":  100,
			"ETH":  1000,
		},
		baseTime:  time.Now().Add(-500 * time.Hour).Truncate(time.Hour),
		tickCount: map[string]int{},
	}
}

// Name implements common.Exchange.
func (v *Venue) Name() string { return "paper" }

// RateLimit implements common.Exchange. Kept small but nonzero so scheduling
// code paths behave as they would against a real venue.
func (v *Venue) RateLimit() time.Duration { return 50 * time.Millisecond }

// GetPrice implements common.Exchange. The price follows a deterministic
// slow sine walk around the initial price so repeated calls move.
func (v *Venue) GetPrice(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return 0, err
	}
	return v.priceLocked(symbol), nil
}

// GetOHLC implements common.Exchange, synthesizing candles along the walk.
func (v *Venue) GetOHLC(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return nil, err
	}

	step, err := timeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	candles := make([]common.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		n := limit - i
		open := v.syntheticPrice(symbol, -n)
		close := v.syntheticPrice(symbol, -n+1)
		high := math.Max(open, close) * 1.002
		low := math.Min(open, close) * 0.998
		candles = append(candles, common.Candle{
			OpenTime: v.baseTime.Add(time.Duration(-n) * step),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			Volume:   10 + float64(i%7),
		})
	}
	return candles, nil
}

// SubmitOrder implements common.Exchange. Market orders fill in full at the
// current synthetic price; limit orders fill at their limit price.
func (v *Venue) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return common.Fill{}, err
	}
	if req.Volume <= 0 {
		return common.Fill{}, fmt.Errorf("%w: non-positive volume", common.ErrOrderRejected)
	}

	v.orders = append(v.orders, req)

	price := v.priceLocked(req.Symbol)
	if req.Type == common.OrderTypeLimit && req.Price > 0 {
		price = req.Price
	}

	base, quote := common.SplitSymbol(req.Symbol)
	cost := req.Volume * price
	fee := cost * v.cfg.FeeRate

	switch req.Side {
	case common.SideBuy:
		if v.balances[quote] < cost+fee {
			return common.Fill{}, fmt.Errorf("%w: need %.8f %s", common.ErrInsufficientFunds, cost+fee, quote)
		}
		v.balances[quote] -= cost + fee
		v.balances[base] += req.Volume
	case common.SideSell:
		if v.balances[base] < req.Volume {
			return common.Fill{}, fmt.Errorf("%w: need %.8f %s", common.ErrInsufficientFunds, req.Volume, base)
		}
		v.balances[base] -= req.Volume
		v.balances[quote] += cost - fee
	default:
		return common.Fill{}, fmt.Errorf("%w: unknown side %q", common.ErrOrderRejected, req.Side)
	}

	fill := common.Fill{
		ExchangeOrderID: "paper-" + uuid.NewString()[:8],
		FilledVolume:    req.Volume,
		Cost:            cost,
		Fee:             fee,
		FeeCurrency:     quote,
		Price:           price,
	}
	v.fills = append(v.fills, fill)
	return fill, nil
}

// GetAccountBalance implements common.Exchange.
func (v *Venue) GetAccountBalance(ctx context.Context) ([]common.AssetBalance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]common.AssetBalance, 0, len(v.balances))
	for cur, amt := range v.balances {
		if amt == 0 {
			continue
		}
		out = append(out, common.AssetBalance{Currency: cur, Amount: amt})
	}
	return out, nil
}

// SetPrice pins a symbol's price. Used by tests and the CLI sandbox.
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[common.NormalizeSymbol(symbol)] = price
}

// FailNext makes the next venue call return err, once.
func (v *Venue) FailNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = err
}

// SubmittedOrders returns a copy of every order the venue has received.
func (v *Venue) SubmittedOrders() []common.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]common.OrderRequest, len(v.orders))
	copy(out, v.orders)
	return out
}

func (v *Venue) takeFailure() error {
	if v.failNext != nil {
		err := v.failNext
		v.failNext = nil
		return err
	}
	return nil
}

func (v *Venue) priceLocked(symbol string) float64 {
	key := common.NormalizeSymbol(symbol)
	if p, ok := v.prices[key]; ok {
		return p
	}
	v.tickCount[key]++
	return v.syntheticPrice(symbol, v.tickCount[key])
}

// syntheticPrice walks a slow sine wave around the initial price; index
// selects a point on the wave so candle history is reproducible.
func (v *Venue) syntheticPrice(symbol string, index int) float64 {
	base := v.cfg.InitialPrice
	return base * (1 + 0.02*math.Sin(float64(index)/12))
}

func timeframeDuration(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("paper: unsupported timeframe %q", timeframe)
}
