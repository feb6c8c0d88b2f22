package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"tradebot-core/pkg/db"
)

func newTestQueries(t *testing.T) *db.UserQueries {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database.Queries()
}

func TestDebitRejectsOverdraft(t *testing.T) {
	l := New(newTestQueries(t))
	ctx := context.Background()

	if err := l.Credit(ctx, "u1", "USDT", "paper", 100, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit(ctx, "u1", "USDT", "paper", 150, "order"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// Balance untouched by the rejected debit.
	amount, err := l.Balance(ctx, "u1", "USDT", "paper")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if amount != 100 {
		t.Fatalf("balance = %f, want 100", amount)
	}
}

func TestDebitAndCreditMoveFunds(t *testing.T) {
	l := New(newTestQueries(t))
	ctx := context.Background()

	if err := l.Credit(ctx, "u1", "USDT", "paper", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit(ctx, "u1", "USDT", "paper", 400, "order"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	amount, _ := l.Balance(ctx, "u1", "USDT", "paper")
	if amount != 600 {
		t.Fatalf("balance = %f, want 600", amount)
	}
}

func TestPositionRoundTripInvariant(t *testing.T) {
	q := newTestQueries(t)
	p := NewPositions(q)
	ctx := context.Background()

	opened, err := p.Open(ctx, "u1", "BTC/USDT", "bot1", "paper", "BUY", -500, 0.01)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Still open: crypto not flat yet.
	done, _, err := p.SettleIfFlat(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil || done {
		t.Fatalf("settle before flat: done=%v err=%v", done, err)
	}

	if err := p.ApplyFill(ctx, opened.ID, "SELL", 510, -0.01); err != nil {
		t.Fatalf("fill: %v", err)
	}

	done, realized, err := p.SettleIfFlat(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !done {
		t.Fatal("flat position did not settle")
	}
	if math.Abs(realized-10) > 1e-9 {
		t.Fatalf("realized = %f, want 10", realized)
	}

	// Exactly once: a second settle finds no open position.
	done, _, err = p.SettleIfFlat(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil || done {
		t.Fatalf("second settle: done=%v err=%v", done, err)
	}
}

func TestSettleToleratesDustResidual(t *testing.T) {
	q := newTestQueries(t)
	p := NewPositions(q)
	ctx := context.Background()

	opened, err := p.Open(ctx, "u1", "BTC/USDT", "bot1", "paper", "BUY", -500, 0.01)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Fee rounding leaves a residual below the epsilon.
	if err := p.ApplyFill(ctx, opened.ID, "SELL", 509, -0.01+1e-9); err != nil {
		t.Fatalf("fill: %v", err)
	}

	done, _, err := p.SettleIfFlat(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !done {
		t.Fatal("dust residual prevented settlement")
	}
}

func TestDuplicateOpenRejected(t *testing.T) {
	p := NewPositions(newTestQueries(t))
	ctx := context.Background()

	if _, err := p.Open(ctx, "u1", "BTC/USDT", "bot1", "paper", "BUY", -500, 0.01); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := p.Open(ctx, "u1", "BTC/USDT", "bot1", "paper", "BUY", -500, 0.01); !errors.Is(err, ErrPositionOpen) {
		t.Fatalf("err = %v, want ErrPositionOpen", err)
	}

	// A different bot can hold its own position on the same pair.
	if _, err := p.Open(ctx, "u1", "BTC/USDT", "bot2", "paper", "BUY", -500, 0.01); err != nil {
		t.Fatalf("open for second bot: %v", err)
	}
}

func TestSellableVolume(t *testing.T) {
	p := NewPositions(newTestQueries(t))
	ctx := context.Background()

	v, err := p.SellableVolume(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil {
		t.Fatalf("sellable: %v", err)
	}
	if v != 0 {
		t.Fatalf("sellable with no position = %f, want 0", v)
	}

	if _, err := p.Open(ctx, "u1", "BTC/USDT", "bot1", "paper", "BUY", -500, 0.01); err != nil {
		t.Fatalf("open: %v", err)
	}
	v, err = p.SellableVolume(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil {
		t.Fatalf("sellable: %v", err)
	}
	if v != 0.01 {
		t.Fatalf("sellable = %f, want 0.01", v)
	}
}

func TestReconcilerLandsQueuedPostings(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.AddPendingPosting(ctx, db.PendingPosting{
		UserID: "u1", Currency: "USDT", Venue: "paper", Delta: 25, Reason: "order:sell:o1",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	NewReconciler(q).Sweep(ctx)

	amount, err := q.GetWalletAmount(ctx, "u1", "USDT", "paper")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if amount != 25 {
		t.Fatalf("wallet = %f, want 25", amount)
	}

	pending, _ := q.ListPendingPostings(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("queue not drained: %+v", pending)
	}
}
