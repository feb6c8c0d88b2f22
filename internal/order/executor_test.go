package order

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tradebot-core/internal/events"
	"tradebot-core/internal/ledger"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/exchanges/paper"
)

type fixture struct {
	queries   *db.UserQueries
	ledger    *ledger.Ledger
	positions *ledger.Positions
	executor  *Executor
	venue     *paper.Venue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	queries := database.Queries()
	l := ledger.New(queries)
	p := ledger.NewPositions(queries)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	venue := paper.New(paper.Config{InitialPrice: 50000, FeeRate: 0})
	venue.SetPrice("BTC/USDT", 50000)

	return &fixture{
		queries:   queries,
		ledger:    l,
		positions: p,
		executor:  NewExecutor(l, p, queries, bus),
		venue:     venue,
	}
}

func TestBuyThenSellRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ledger.Credit(ctx, "u1", "USDT", "paper", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	buy, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: f.venue,
		Symbol: "BTC/USDT", Side: common.SideBuy, Volume: 0.01, PlacedBy: PlacedByBot,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buy.Closed {
		t.Fatal("opening buy reported a close")
	}
	if math.Abs(buy.Fill.Cost-500) > 1e-9 {
		t.Fatalf("buy cost = %f, want 500", buy.Fill.Cost)
	}

	balance, _ := f.ledger.Balance(ctx, "u1", "USDT", "paper")
	if math.Abs(balance-500) > 1e-9 {
		t.Fatalf("wallet after buy = %f, want 500", balance)
	}

	pos, err := f.positions.Get(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.AmountCrypto-0.01) > 1e-12 || pos.StartDirection != string(common.SideBuy) {
		t.Fatalf("unexpected position %+v", pos)
	}

	// Price rises; the sell closes the round trip at +10.
	f.venue.SetPrice("BTC/USDT", 51000)
	sell, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: f.venue,
		Symbol: "BTC/USDT", Side: common.SideSell, Volume: 0.01, PlacedBy: PlacedByBot,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.Closed {
		t.Fatal("closing sell did not settle the position")
	}
	if math.Abs(sell.Realized-10) > 1e-9 {
		t.Fatalf("realized = %f, want 10", sell.Realized)
	}

	balance, _ = f.ledger.Balance(ctx, "u1", "USDT", "paper")
	if math.Abs(balance-1010) > 1e-9 {
		t.Fatalf("wallet after close = %f, want 1010", balance)
	}

	closed, err := f.queries.GetBlockedBalance(ctx, "u1", "BTC/USDT", "bot1", true)
	if err != nil {
		t.Fatalf("finished position: %v", err)
	}
	if !closed.Finished {
		t.Fatal("position row not marked finished")
	}
}

func TestBuyRejectedWithoutFundsMakesNoVenueCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ledger.Credit(ctx, "u1", "USDT", "paper", 10, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: f.venue,
		Symbol: "BTC/USDT", Side: common.SideBuy, Volume: 0.01, PlacedBy: PlacedByBot,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if got := f.venue.SubmittedOrders(); len(got) != 0 {
		t.Fatalf("venue received %d orders, want 0", len(got))
	}
	if balance, _ := f.ledger.Balance(ctx, "u1", "USDT", "paper"); balance != 10 {
		t.Fatalf("wallet = %f, want untouched 10", balance)
	}
}

func TestSellWithoutPositionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: f.venue,
		Symbol: "BTC/USDT", Side: common.SideSell, Volume: 0.01, PlacedBy: PlacedByBot,
	})
	if !errors.Is(err, ErrNothingToSell) {
		t.Fatalf("err = %v, want ErrNothingToSell", err)
	}
	if got := f.venue.SubmittedOrders(); len(got) != 0 {
		t.Fatalf("venue received %d orders, want 0", len(got))
	}
}

func TestSellClampedToOwnPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ledger.Credit(ctx, "u1", "USDT", "paper", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: f.venue,
		Symbol: "BTC/USDT", Side: common.SideBuy, Volume: 0.01, PlacedBy: PlacedByBot,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Selling more than the position holds is rejected even though the
	// venue account itself has plenty of BTC.
	_, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: f.venue,
		Symbol: "BTC/USDT", Side: common.SideSell, Volume: 0.02, PlacedBy: PlacedByBot,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

// failingSubmitExchange confirms prices but rejects order dispatch, to prove
// no ledger mutation happens without a confirmed fill.
type failingSubmitExchange struct {
	price float64
}

func (f *failingSubmitExchange) Name() string               { return "failing" }
func (f *failingSubmitExchange) RateLimit() time.Duration   { return time.Millisecond }
func (f *failingSubmitExchange) GetPrice(context.Context, string) (float64, error) {
	return f.price, nil
}
func (f *failingSubmitExchange) GetOHLC(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}
func (f *failingSubmitExchange) SubmitOrder(context.Context, common.OrderRequest) (common.Fill, error) {
	return common.Fill{}, &common.APIError{Venue: "failing", Code: 500, Message: "order rejected"}
}
func (f *failingSubmitExchange) GetAccountBalance(context.Context) ([]common.AssetBalance, error) {
	return nil, nil
}

func TestVenueErrorLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ledger.Credit(ctx, "u1", "USDT", "failing", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := f.executor.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: &failingSubmitExchange{price: 50000},
		Symbol: "BTC/USDT", Side: common.SideBuy, Volume: 0.01, PlacedBy: PlacedByBot,
	})
	if err == nil {
		t.Fatal("venue failure did not surface")
	}

	if balance, _ := f.ledger.Balance(ctx, "u1", "USDT", "failing"); balance != 1000 {
		t.Fatalf("wallet = %f, want untouched 1000", balance)
	}
	if _, err := f.positions.Get(ctx, "u1", "BTC/USDT", "bot1", "failing"); !errors.Is(err, ledger.ErrNoPosition) {
		t.Fatalf("position err = %v, want ErrNoPosition", err)
	}
}

func TestFeeInQuoteReducesRealized(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	queries := database.Queries()
	l := ledger.New(queries)
	p := ledger.NewPositions(queries)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	exec := NewExecutor(l, p, queries, bus)

	venue := paper.New(paper.Config{InitialPrice: 50000, FeeRate: 0.001})
	venue.SetPrice("BTC/USDT", 50000)
	ctx := context.Background()

	if err := l.Credit(ctx, "u1", "USDT", "paper", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := exec.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: venue,
		Symbol: "BTC/USDT", Side: common.SideBuy, Volume: 0.01, PlacedBy: PlacedByBot,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	venue.SetPrice("BTC/USDT", 51000)
	sell, err := exec.Submit(ctx, Request{
		UserID: "u1", BotID: "bot1", Exchange: venue,
		Symbol: "BTC/USDT", Side: common.SideSell, Volume: 0.01, PlacedBy: PlacedByBot,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.Closed {
		t.Fatal("position did not close")
	}

	// 10 gross minus 0.5 buy fee minus 0.51 sell fee.
	want := 10.0 - 0.5 - 0.51
	if math.Abs(sell.Realized-want) > 1e-9 {
		t.Fatalf("realized = %f, want %f", sell.Realized, want)
	}
}
