package bot

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"tradebot-core/internal/events"
	"tradebot-core/internal/ledger"
	"tradebot-core/internal/order"
	"tradebot-core/internal/signal"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/exchanges/paper"
)

func validConfig() Config {
	return Config{
		ID:              "bot1",
		Name:            "test bot",
		Symbol:          "BTC/USDT",
		Timeframe:       "5m",
		TradeAmount:     0.01,
		Venue:           "paper",
		MaxActiveTrades: 1,
		StopLossPct:     0.02,
		TakeProfitPct:   0.04,
		Strategy:        StrategyIndicator,
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.ID = "" }},
		{"bad symbol", func(c *Config) { c.Symbol = "BTCUSDT" }},
		{"bad timeframe", func(c *Config) { c.Timeframe = "7m" }},
		{"zero amount", func(c *Config) { c.TradeAmount = 0 }},
		{"negative amount", func(c *Config) { c.TradeAmount = -1 }},
		{"missing venue", func(c *Config) { c.Venue = "" }},
		{"zero max trades", func(c *Config) { c.MaxActiveTrades = 0 }},
		{"stop loss at zero", func(c *Config) { c.StopLossPct = 0 }},
		{"stop loss at one", func(c *Config) { c.StopLossPct = 1 }},
		{"take profit too big", func(c *Config) { c.TakeProfitPct = 1.5 }},
		{"unknown strategy", func(c *Config) { c.Strategy = "martingale" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

type botFixture struct {
	queries   *db.UserQueries
	ledger    *ledger.Ledger
	positions *ledger.Positions
	executor  *order.Executor
	bus       *events.Bus
	qtable    *signal.QTable
}

func newBotFixture(t *testing.T) *botFixture {
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

	qt, err := signal.LoadQTable(context.Background(), queries, "u1")
	if err != nil {
		t.Fatalf("qtable: %v", err)
	}

	return &botFixture{
		queries:   queries,
		ledger:    l,
		positions: p,
		executor:  order.NewExecutor(l, p, queries, bus),
		bus:       bus,
		qtable:    qt,
	}
}

func (f *botFixture) newBot(t *testing.T, ex common.Exchange) *Bot {
	return f.newBotWithConfig(t, ex, validConfig())
}

func (f *botFixture) newBotWithConfig(t *testing.T, ex common.Exchange, cfg Config) *Bot {
	t.Helper()
	b, err := New("u1", cfg, Deps{
		Exchange:  ex,
		QTable:    f.qtable,
		Executor:  f.executor,
		Positions: f.positions,
		Queries:   f.queries,
		Bus:       f.bus,
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return b
}

// brokenFeedExchange always fails market data, driving the error streak.
type brokenFeedExchange struct{}

func (brokenFeedExchange) Name() string             { return "paper" }
func (brokenFeedExchange) RateLimit() time.Duration { return time.Millisecond }
func (brokenFeedExchange) GetPrice(context.Context, string) (float64, error) {
	return 0, errors.New("feed down")
}
func (brokenFeedExchange) GetOHLC(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, errors.New("feed down")
}
func (brokenFeedExchange) SubmitOrder(context.Context, common.OrderRequest) (common.Fill, error) {
	return common.Fill{}, errors.New("feed down")
}
func (brokenFeedExchange) GetAccountBalance(context.Context) ([]common.AssetBalance, error) {
	return nil, errors.New("feed down")
}

func TestAutoStopAfterErrorThreshold(t *testing.T) {
	f := newBotFixture(t)
	b := f.newBot(t, brokenFeedExchange{})
	b.sleep = func(context.Context, time.Duration) {} // run iterations back to back

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if b.Status().State == StateStopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := b.Status()
	if status.State != StateStopped {
		t.Fatalf("state = %s, want stopped", status.State)
	}
	if status.ErrorStreak < autoStopThreshold {
		t.Fatalf("streak = %d, want >= %d", status.ErrorStreak, autoStopThreshold)
	}
	if !strings.Contains(status.LastError, "feed down") {
		t.Fatalf("last error %q not retained", status.LastError)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newBotFixture(t)
	venue := paper.New(paper.Config{InitialPrice: 50000})
	b := f.newBot(t, venue)
	ctx := context.Background()

	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := b.Status().State; got != StateRunning {
		t.Fatalf("state after start = %s", got)
	}

	// A running bot cannot start again.
	if err := b.Start(ctx); err == nil {
		t.Fatal("second start accepted")
	}

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := b.Status().State; got != StateStopped {
		t.Fatalf("state after stop = %s", got)
	}

	// Stop is idempotent and Stopped is terminal.
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := b.Start(ctx); err == nil {
		t.Fatal("stopped bot restarted")
	}
}

func TestStopBeforeStart(t *testing.T) {
	f := newBotFixture(t)
	b := f.newBot(t, paper.New(paper.Config{InitialPrice: 50000}))

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop created bot: %v", err)
	}
	if got := b.Status().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestIterationPauseBounds(t *testing.T) {
	f := newBotFixture(t)
	b := f.newBot(t, paper.New(paper.Config{InitialPrice: 50000}))

	// 5m timeframe: quarter is 75s, which dominates the venue pacing.
	if got := b.iterationPause(0); got != 75*time.Second {
		t.Fatalf("pause = %s, want 75s", got)
	}
	// Elapsed time is subtracted but never below the one second floor.
	if got := b.iterationPause(74 * time.Second); got != time.Second {
		t.Fatalf("pause = %s, want 1s", got)
	}
	if got := b.iterationPause(2 * time.Hour); got != time.Second {
		t.Fatalf("pause = %s, want 1s floor", got)
	}
}

func TestRecordErrorKeepsBoundedBuffer(t *testing.T) {
	f := newBotFixture(t)
	b := f.newBot(t, brokenFeedExchange{})

	for i := 0; i < 25; i++ {
		b.recordError(errors.New("iteration failed"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) != errorBufferSize {
		t.Fatalf("buffer holds %d entries, want %d", len(b.errs), errorBufferSize)
	}
	if b.errorStreak != 25 {
		t.Fatalf("streak = %d, want 25", b.errorStreak)
	}
}

// decliningCandles produces a monotone downtrend ending at close 100, deep
// enough into oversold RSI that the engine votes buy on every evaluation.
func decliningCandles(n int) []common.Candle {
	candles := make([]common.Candle, n)
	for i := range candles {
		c := float64(100 + n - 1 - i)
		candles[i] = common.Candle{Open: c, High: c, Low: c, Close: c}
	}
	return candles
}

// rejectingOrderExchange serves a clean buy-side market but refuses every
// order with a transport failure.
type rejectingOrderExchange struct {
	candles []common.Candle
}

func (e *rejectingOrderExchange) Name() string             { return "paper" }
func (e *rejectingOrderExchange) RateLimit() time.Duration { return time.Millisecond }
func (e *rejectingOrderExchange) GetPrice(context.Context, string) (float64, error) {
	return e.candles[len(e.candles)-1].Close, nil
}
func (e *rejectingOrderExchange) GetOHLC(context.Context, string, string, int) ([]common.Candle, error) {
	return e.candles, nil
}
func (e *rejectingOrderExchange) SubmitOrder(context.Context, common.OrderRequest) (common.Fill, error) {
	return common.Fill{}, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
}
func (e *rejectingOrderExchange) GetAccountBalance(context.Context) ([]common.AssetBalance, error) {
	return nil, nil
}

func TestOrderFailureCountsTowardStreakWithBackoff(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()
	if err := f.ledger.Credit(ctx, "u1", "USDT", "paper", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	b := f.newBot(t, &rejectingOrderExchange{candles: decliningCandles(40)})

	for i := 0; i < 5; i++ {
		if pause := b.iterate(ctx); pause != networkPause {
			t.Fatalf("iteration %d pause = %s, want %s", i, pause, networkPause)
		}
	}

	status := b.Status()
	if status.ErrorStreak != 5 {
		t.Fatalf("streak = %d, want 5", status.ErrorStreak)
	}
	if !strings.Contains(status.LastError, "connection refused") {
		t.Fatalf("last error %q not retained", status.LastError)
	}
}

// scriptedFeedExchange keeps the paper venue's order handling but serves a
// fixed candle history.
type scriptedFeedExchange struct {
	*paper.Venue
	candles []common.Candle
}

func (e *scriptedFeedExchange) GetOHLC(context.Context, string, string, int) ([]common.Candle, error) {
	return e.candles, nil
}

func TestBuySignalsAccumulateUpToMaxActiveTrades(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()
	if err := f.ledger.Credit(ctx, "u1", "USDT", "paper", 1000, "deposit"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	venue := paper.New(paper.Config{InitialPrice: 100})
	venue.SetPrice("BTC/USDT", 100)
	ex := &scriptedFeedExchange{Venue: venue, candles: decliningCandles(40)}

	cfg := validConfig()
	cfg.MaxActiveTrades = 3
	b := f.newBotWithConfig(t, ex, cfg)

	for i := 0; i < 5; i++ {
		if pause := b.iterate(ctx); pause != 0 {
			t.Fatalf("iteration %d pause = %s, want 0", i, pause)
		}
	}

	if got := b.Status().TradesTotal; got != 3 {
		t.Fatalf("trades = %d, want 3 (entries capped)", got)
	}
	pos, err := f.positions.Get(ctx, "u1", "BTC/USDT", "bot1", "paper")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if math.Abs(pos.AmountCrypto-0.03) > 1e-12 {
		t.Fatalf("accumulated crypto = %f, want 0.03", pos.AmountCrypto)
	}
}

func TestRateLimitErrorGetsExtendedPause(t *testing.T) {
	f := newBotFixture(t)
	b := f.newBot(t, paper.New(paper.Config{InitialPrice: 50000}))

	pause := b.recordError(&common.RateLimitError{Venue: "paper"})
	if pause != 3*b.iterationPause(0) {
		t.Fatalf("rate-limit pause = %s, want %s", pause, 3*b.iterationPause(0))
	}

	netPause := b.recordError(errors.New("dial tcp: connection refused"))
	if netPause != networkPause {
		t.Fatalf("network pause = %s, want %s", netPause, networkPause)
	}
}
