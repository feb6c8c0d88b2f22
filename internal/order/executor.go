// Package order implements the submission pipeline: fund pre-checks, venue
// dispatch, and reconciliation of the fill into the wallet and the bot's
// blocked balance.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"tradebot-core/internal/events"
	"tradebot-core/internal/ledger"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/ident"
)

// ErrInsufficientBalance rejects an order before any venue contact.
var ErrInsufficientBalance = errors.New("insufficient balance for order")

// ErrNothingToSell rejects a sell with no open position to unwind.
var ErrNothingToSell = errors.New("no position crypto available to sell")

// PlacedBy values recorded on order rows.
const (
	PlacedByUser = "user"
	PlacedByBot  = "bot"
)

// Request describes one order submission.
type Request struct {
	UserID   string
	BotID    string
	Exchange common.Exchange
	Symbol   string
	Side     common.Side
	Volume   float64
	PlacedBy string
	// Reason tags forced exits (stop_loss / take_profit) on the order row.
	Reason string
}

// Result reports what a successful submission did.
type Result struct {
	OrderID    string
	Fill       common.Fill
	PositionID string
	// Closed is true when this fill brought the position flat; Realized then
	// carries the net quote result booked for the round trip.
	Closed   bool
	Realized float64
}

// Executor runs the submission pipeline. One instance serves all bots; each
// call is self-contained and the storage layer serializes row updates.
type Executor struct {
	ledger    *ledger.Ledger
	positions *ledger.Positions
	queries   *db.UserQueries
	bus       *events.Bus

	// VerifyVenueBalance adds a venue-side account check before dispatch.
	// It fails closed: a venue error rejects the order.
	VerifyVenueBalance bool
}

// NewExecutor wires the pipeline.
func NewExecutor(l *ledger.Ledger, p *ledger.Positions, queries *db.UserQueries, bus *events.Bus) *Executor {
	return &Executor{ledger: l, positions: p, queries: queries, bus: bus}
}

// Submit runs the full pipeline once. Pre-check failures return before any
// venue call; venue failures return before any ledger mutation. Fund effects
// are only applied after a confirmed fill.
func (e *Executor) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.Volume <= 0 {
		return nil, fmt.Errorf("order volume must be positive, got %f", req.Volume)
	}
	base, quote := common.SplitSymbol(req.Symbol)
	venue := req.Exchange.Name()

	price, err := req.Exchange.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price lookup for %s: %w", req.Symbol, err)
	}

	if err := e.precheck(ctx, req, quote, venue, price); err != nil {
		return nil, err
	}
	if e.VerifyVenueBalance {
		if err := e.verifyVenue(ctx, req, base, quote, price); err != nil {
			return nil, err
		}
	}

	fill, err := req.Exchange.SubmitOrder(ctx, common.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     common.OrderTypeMarket,
		Volume:   req.Volume,
		ClientID: clientOrderID(req.BotID),
	})
	if err != nil {
		e.bus.Publish(events.Event{
			Topic:   events.TopicOrderFailed,
			UserID:  req.UserID,
			BotID:   req.BotID,
			Payload: map[string]any{"symbol": req.Symbol, "side": string(req.Side), "error": err.Error()},
		})
		return nil, fmt.Errorf("submit %s %s on %s: %w", req.Side, req.Symbol, venue, err)
	}

	orderID := uuid.NewString()
	if err := e.queries.CreateOrder(ctx, db.Order{
		ID:              orderID,
		UserID:          req.UserID,
		BotID:           req.BotID,
		Symbol:          req.Symbol,
		Side:            string(req.Side),
		Type:            string(common.OrderTypeMarket),
		RequestedQty:    req.Volume,
		Price:           price,
		FilledQty:       fill.FilledVolume,
		Cost:            fill.Cost,
		Fee:             fill.Fee,
		FeeCurrency:     fill.FeeCurrency,
		ExchangeOrderID: fill.ExchangeOrderID,
		PlacedBy:        req.PlacedBy,
		Venue:           venue,
		Status:          "filled",
	}); err != nil {
		// The fill is real; keep going so the fund effects still land.
		log.Printf("executor: persist order for %s failed: %v", req.UserID, err)
	}

	result := &Result{OrderID: orderID, Fill: fill}
	if err := e.applyFill(ctx, req, result, base, quote, venue, fill); err != nil {
		return result, err
	}

	e.bus.Publish(events.Event{
		Topic:  events.TopicOrderFilled,
		UserID: req.UserID,
		BotID:  req.BotID,
		Payload: map[string]any{
			"symbol": req.Symbol,
			"side":   string(req.Side),
			"volume": fill.FilledVolume,
			"cost":   fill.Cost,
			"reason": req.Reason,
		},
	})
	return result, nil
}

// precheck validates funds without contacting the venue.
func (e *Executor) precheck(ctx context.Context, req Request, quote, venue string, price float64) error {
	switch req.Side {
	case common.SideBuy:
		needed := req.Volume * price
		balance, err := e.ledger.Balance(ctx, req.UserID, quote, venue)
		if err != nil {
			return err
		}
		if balance < needed {
			return fmt.Errorf("%w: have %.8f %s, need %.8f", ErrInsufficientBalance, balance, quote, needed)
		}
	case common.SideSell:
		sellable, err := e.positions.SellableVolume(ctx, req.UserID, req.Symbol, req.BotID, venue)
		if err != nil {
			return err
		}
		if sellable <= 0 {
			return ErrNothingToSell
		}
		if sellable < req.Volume {
			return fmt.Errorf("%w: position holds %.8f, sell requests %.8f", ErrInsufficientBalance, sellable, req.Volume)
		}
	default:
		return fmt.Errorf("unknown order side %q", req.Side)
	}
	return nil
}

// verifyVenue cross-checks the venue account itself. Any venue error fails
// the order; guessing about remote funds is worse than skipping a trade.
func (e *Executor) verifyVenue(ctx context.Context, req Request, base, quote string, price float64) error {
	balances, err := req.Exchange.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("venue balance check: %w", err)
	}

	want := quote
	needed := req.Volume * price
	if req.Side == common.SideSell {
		want = base
		needed = req.Volume
	}
	for _, b := range balances {
		if b.Currency == want {
			if b.Amount < needed {
				return fmt.Errorf("%w: venue holds %.8f %s, need %.8f", ErrInsufficientBalance, b.Amount, want, needed)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: venue holds no %s", ErrInsufficientBalance, want)
}

// applyFill books the confirmed fill: wallet first, then the blocked balance,
// then the close-out check. Wallet postings after a confirmed fill are never
// dropped; failures go to the reconciler queue.
func (e *Executor) applyFill(ctx context.Context, req Request, result *Result, base, quote, venue string, fill common.Fill) error {
	deltaUsdt := -fill.Cost
	deltaCrypto := fill.FilledVolume
	if req.Side == common.SideSell {
		deltaUsdt = fill.Cost
		deltaCrypto = -fill.FilledVolume
	}
	switch fill.FeeCurrency {
	case quote:
		deltaUsdt -= fill.Fee
	case base:
		deltaCrypto -= fill.Fee
	}

	e.ledger.Post(ctx, req.UserID, quote, venue, deltaUsdt,
		fmt.Sprintf("order:%s:%s", req.Side, result.OrderID))

	pos, err := e.positions.Get(ctx, req.UserID, req.Symbol, req.BotID, venue)
	if errors.Is(err, ledger.ErrNoPosition) {
		opened, oerr := e.positions.Open(ctx, req.UserID, req.Symbol, req.BotID, venue,
			string(req.Side), deltaUsdt, deltaCrypto)
		if oerr != nil {
			return fmt.Errorf("open position: %w", oerr)
		}
		result.PositionID = opened.ID
		e.bus.Publish(events.Event{
			Topic:   events.TopicPositionOpen,
			UserID:  req.UserID,
			BotID:   req.BotID,
			Payload: map[string]any{"symbol": req.Symbol, "direction": string(req.Side)},
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}

	result.PositionID = pos.ID
	if err := e.positions.ApplyFill(ctx, pos.ID, string(req.Side), deltaUsdt, deltaCrypto); err != nil {
		return fmt.Errorf("apply fill to position: %w", err)
	}

	closed, realized, err := e.positions.SettleIfFlat(ctx, req.UserID, req.Symbol, req.BotID, venue)
	if err != nil {
		return fmt.Errorf("close-out check: %w", err)
	}
	if closed {
		result.Closed = true
		result.Realized = realized
		log.Printf("executor: position %s closed for user %s, realized %.4f %s",
			pos.ID, req.UserID, realized, quote)
		e.bus.Publish(events.Event{
			Topic:  events.TopicPositionClose,
			UserID: req.UserID,
			BotID:  req.BotID,
			Payload: map[string]any{
				"symbol":   req.Symbol,
				"realized": realized,
				"reason":   req.Reason,
			},
		})
	}
	return nil
}

// clientOrderID namespaces orders by engine instance and bot so concurrent
// engines sharing one exchange account stay distinguishable.
func clientOrderID(botID string) string {
	short := botID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("tb-%s-%s-%s", ident.InstanceID(), short, uuid.NewString()[:8])
}
