package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradebot-core/internal/events"
	"tradebot-core/internal/ledger"
	"tradebot-core/internal/order"
	"tradebot-core/internal/risk"
	"tradebot-core/internal/signal"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

// State of the bot lifecycle. Stopped is terminal; restarting means
// constructing a new instance.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

const (
	// autoStopThreshold halts a bot drowning in errors, but only once it
	// holds no position that would be orphaned.
	autoStopThreshold = 1000
	// errorBufferSize bounds the retained recent errors.
	errorBufferSize = 10
	// qtableSaveEvery flushes learned values periodically.
	qtableSaveEvery = 50
	// candleWindow is the history requested per iteration.
	candleWindow = 100

	minSleep     = time.Second
	defaultFloor = 10 * time.Second
	networkPause = 60 * time.Second
	stopJoinWait = 30 * time.Second
)

// Status is the externally visible snapshot of a bot.
type Status struct {
	State       State
	LastError   string
	Iterations  int64
	TradesTotal int64
	ErrorStreak int
}

// Bot runs one user's decision loop against one venue. The loop is
// single-threaded; Stop is the only cross-goroutine entry point and
// coordinates through the state mutex and context cancellation.
type Bot struct {
	UserID string
	Config Config

	exchange  common.Exchange
	policy    Policy
	qtable    *signal.QTable
	executor  *order.Executor
	positions *ledger.Positions
	risk      *risk.Tracker
	queries   *db.UserQueries
	bus       *events.Bus

	mu          sync.Mutex
	state       State
	errs        []string
	errorStreak int
	iterations  int64
	trades      int64
	// openState / openAction remember the signal that opened the current
	// position, for the reward update at close. openEntries counts the buys
	// accumulated into it, bounded by MaxActiveTrades.
	openState   string
	openAction  signal.Action
	openEntries int

	cancel context.CancelFunc
	done   chan struct{}

	// sleep is replaced in tests to run the loop without real waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// Policy produces the per-iteration decision. The indicator policy wraps the
// signal engine; the model policy asks an external service.
type Policy interface {
	Decide(ctx context.Context, candles []common.Candle, hasPosition bool) (signal.Signal, error)
}

// indicatorPolicy is the default SignalEngine-backed decision source.
type indicatorPolicy struct {
	engine *signal.Engine
}

func (p indicatorPolicy) Decide(_ context.Context, candles []common.Candle, hasPosition bool) (signal.Signal, error) {
	return p.engine.Evaluate(candles, hasPosition), nil
}

// Deps bundles the collaborators a bot needs. Model is only consulted for
// StrategyModel bots.
type Deps struct {
	Exchange  common.Exchange
	QTable    *signal.QTable
	Executor  *order.Executor
	Positions *ledger.Positions
	Queries   *db.UserQueries
	Bus       *events.Bus
	Model     *ModelClient
}

// New validates the config and constructs a bot in StateCreated.
func New(userID string, cfg Config, deps Deps) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidConfig)
	}

	var policy Policy
	switch cfg.Strategy {
	case StrategyModel:
		if deps.Model == nil {
			return nil, fmt.Errorf("%w: model strategy requires a model service", ErrInvalidConfig)
		}
		policy = &modelPolicy{
			client:   deps.Model,
			queries:  deps.Queries,
			userID:   userID,
			botID:    cfg.ID,
			symbol:   cfg.Symbol,
			fallback: indicatorPolicy{engine: signal.NewEngine(deps.QTable)},
		}
	default:
		policy = indicatorPolicy{engine: signal.NewEngine(deps.QTable)}
	}

	return &Bot{
		UserID:    userID,
		Config:    cfg,
		exchange:  deps.Exchange,
		policy:    policy,
		qtable:    deps.QTable,
		executor:  deps.Executor,
		positions: deps.Positions,
		risk:      risk.NewTracker(),
		queries:   deps.Queries,
		bus:       deps.Bus,
		state:     StateCreated,
		done:      make(chan struct{}),
		sleep:     sleepCtx,
	}, nil
}

// Start launches the loop worker. Only a Created bot can start.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateCreated {
		b.mu.Unlock()
		return fmt.Errorf("bot %s cannot start from state %s", b.Config.ID, b.state)
	}
	b.state = StateRunning
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.bus.Publish(events.Event{Topic: events.TopicBotStarted, UserID: b.UserID, BotID: b.Config.ID})
	log.Printf("bot %s: started for user %s (%s on %s, %s)",
		b.Config.ID, b.UserID, b.Config.Symbol, b.Config.Venue, b.Config.Timeframe)

	go b.run(loopCtx)
	return nil
}

// Stop requests shutdown, joins the worker with a bounded wait, liquidates
// any residual position, and persists the Q-table. Idempotent.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateStopped:
		b.mu.Unlock()
		return nil
	case StateCreated:
		b.state = StateStopped
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-b.done:
	case <-time.After(stopJoinWait):
		log.Printf("bot %s: worker did not exit within %s, proceeding with shutdown", b.Config.ID, stopJoinWait)
	}

	b.liquidate(ctx)

	if err := b.qtable.Save(ctx, b.queries); err != nil {
		log.Printf("bot %s: final qtable save: %v", b.Config.ID, err)
	}

	b.mu.Lock()
	b.state = StateStopped
	iterations, trades := b.iterations, b.trades
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Topic:   events.TopicBotStopped,
		UserID:  b.UserID,
		BotID:   b.Config.ID,
		Payload: map[string]any{"iterations": iterations, "trades": trades},
	})
	log.Printf("bot %s: stopped after %d iterations, %d trades", b.Config.ID, iterations, trades)
	return nil
}

// Status returns the current snapshot.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		State:       b.state,
		Iterations:  b.iterations,
		TradesTotal: b.trades,
		ErrorStreak: b.errorStreak,
	}
	if len(b.errs) > 0 {
		s.LastError = b.errs[len(b.errs)-1]
	}
	return s
}

// run is the worker loop. A single bad iteration never terminates it; only
// Stop, context cancellation, or the auto-stop policy do.
func (b *Bot) run(ctx context.Context) {
	defer close(b.done)

	for {
		if !b.running() || ctx.Err() != nil {
			return
		}
		if b.autoStopDue(ctx) {
			b.autoStop(ctx)
			return
		}

		started := time.Now()
		pause := b.iterate(ctx)
		b.countIteration(ctx)

		if pause == 0 {
			pause = b.iterationPause(time.Since(started))
		}
		b.sleep(ctx, pause)
	}
}

// iterate executes one decision cycle. A nonzero return overrides the normal
// pause (error backoffs).
func (b *Bot) iterate(ctx context.Context) time.Duration {
	candles, err := b.exchange.GetOHLC(ctx, b.Config.Symbol, b.Config.Timeframe, candleWindow)
	if err != nil {
		return b.recordError(fmt.Errorf("market data: %w", err))
	}
	if len(candles) == 0 {
		// Empty data is not an error, just nothing to do yet.
		return 0
	}

	price := candles[len(candles)-1].Close

	pos, err := b.positions.Get(ctx, b.UserID, b.Config.Symbol, b.Config.ID, b.Config.Venue)
	if err != nil && !errors.Is(err, ledger.ErrNoPosition) {
		return b.recordError(fmt.Errorf("position lookup: %w", err))
	}
	hasPosition := pos != nil

	// Forced exits take precedence over whatever the signal says.
	if hasPosition && pos.StartDirection == string(common.SideBuy) {
		if reason, due := b.risk.Check(pos.ID, price); due {
			pause, ok := b.forceExit(ctx, pos, reason)
			if ok {
				b.clearErrorStreak()
			}
			return pause
		}
	}

	sig, err := b.policy.Decide(ctx, candles, hasPosition)
	if err != nil {
		return b.recordError(fmt.Errorf("decision: %w", err))
	}
	if sig.QState == signal.StateInsufficientData {
		return 0
	}

	var pause time.Duration
	ok := true
	switch {
	case sig.Buy && b.openEntryCount(hasPosition) < b.Config.MaxActiveTrades:
		pause, ok = b.enter(ctx, sig, price)
	case sig.Sell && hasPosition:
		pause, ok = b.exitOnSignal(ctx, pos, sig)
	}

	if ok {
		b.clearErrorStreak()
	}
	return pause
}

// enter buys the configured trade amount, either opening a position or adding
// to the open one, and arms the risk levels from the first entry's fill price.
// Returns the backoff pause and whether the iteration counts as successful.
func (b *Bot) enter(ctx context.Context, sig signal.Signal, price float64) (time.Duration, bool) {
	res, err := b.executor.Submit(ctx, order.Request{
		UserID:   b.UserID,
		BotID:    b.Config.ID,
		Exchange: b.exchange,
		Symbol:   b.Config.Symbol,
		Side:     common.SideBuy,
		Volume:   b.Config.TradeAmount,
		PlacedBy: order.PlacedByBot,
	})
	if err != nil {
		if errors.Is(err, order.ErrInsufficientBalance) {
			// Not enough funds is a skipped signal, not a failure streak.
			log.Printf("bot %s: buy skipped: %v", b.Config.ID, err)
			return 0, true
		}
		return b.recordError(fmt.Errorf("buy: %w", err)), false
	}

	if !b.risk.Armed(res.PositionID) {
		entry := res.Fill.Price
		if entry == 0 {
			entry = price
		}
		levels := b.risk.Arm(res.PositionID, entry, b.Config.StopLossPct, b.Config.TakeProfitPct)
		log.Printf("bot %s: bought %.8f %s (%s), contributors=%v",
			b.Config.ID, res.Fill.FilledVolume, b.Config.Symbol, levels, sig.Contributors.Buy)
	} else {
		log.Printf("bot %s: added %.8f %s to open position, contributors=%v",
			b.Config.ID, res.Fill.FilledVolume, b.Config.Symbol, sig.Contributors.Buy)
	}

	b.mu.Lock()
	b.trades++
	b.openEntries++
	if b.openState == "" {
		b.openState = sig.QState
		b.openAction = signal.ActionBuy
	}
	b.mu.Unlock()
	return 0, true
}

// exitOnSignal unwinds the position because the strategies voted sell.
// Volume is clamped to what the position actually holds.
func (b *Bot) exitOnSignal(ctx context.Context, pos *db.BlockedBalance, sig signal.Signal) (time.Duration, bool) {
	volume := b.Config.TradeAmount
	if pos.AmountCrypto < volume {
		volume = pos.AmountCrypto
	}
	if volume <= 0 {
		return 0, true
	}

	res, err := b.executor.Submit(ctx, order.Request{
		UserID:   b.UserID,
		BotID:    b.Config.ID,
		Exchange: b.exchange,
		Symbol:   b.Config.Symbol,
		Side:     common.SideSell,
		Volume:   volume,
		PlacedBy: order.PlacedByBot,
	})
	if err != nil {
		return b.recordError(fmt.Errorf("sell: %w", err)), false
	}

	b.mu.Lock()
	b.trades++
	b.mu.Unlock()

	if res.Closed {
		reward := signal.RewardSignalProfit
		if res.Realized < 0 {
			reward = signal.RewardSignalLoss
		}
		b.rewardOpenTrade(reward)
		b.risk.Disarm(pos.ID)
		log.Printf("bot %s: position closed on signal, realized %.4f, contributors=%v",
			b.Config.ID, res.Realized, sig.Contributors.Sell)
	}
	return 0, true
}

// forceExit liquidates the position because a risk level tripped.
func (b *Bot) forceExit(ctx context.Context, pos *db.BlockedBalance, reason risk.Reason) (time.Duration, bool) {
	if pos.AmountCrypto <= 0 {
		return 0, true
	}

	res, err := b.executor.Submit(ctx, order.Request{
		UserID:   b.UserID,
		BotID:    b.Config.ID,
		Exchange: b.exchange,
		Symbol:   b.Config.Symbol,
		Side:     common.SideSell,
		Volume:   pos.AmountCrypto,
		PlacedBy: order.PlacedByBot,
		Reason:   string(reason),
	})
	if err != nil {
		return b.recordError(fmt.Errorf("forced %s exit: %w", reason, err)), false
	}

	b.mu.Lock()
	b.trades++
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Topic:   events.TopicRiskTriggered,
		UserID:  b.UserID,
		BotID:   b.Config.ID,
		Payload: map[string]any{"reason": string(reason), "realized": res.Realized},
	})

	if res.Closed {
		reward := signal.RewardTakeProfit
		if reason == risk.ReasonStopLoss {
			reward = signal.RewardStopLoss
		}
		b.rewardOpenTrade(reward)
		b.risk.Disarm(pos.ID)
		log.Printf("bot %s: forced exit (%s), realized %.4f", b.Config.ID, reason, res.Realized)
	}
	return 0, true
}

// rewardOpenTrade feeds the close-time reward back to the state/action that
// opened the position.
func (b *Bot) rewardOpenTrade(reward float64) {
	b.mu.Lock()
	state, action := b.openState, b.openAction
	b.openState, b.openAction = "", ""
	b.openEntries = 0
	b.mu.Unlock()

	if state == "" || action == "" {
		return
	}
	b.qtable.Update(state, action, reward)
}

// liquidate closes any residual position during Stop.
func (b *Bot) liquidate(ctx context.Context) {
	pos, err := b.positions.Get(ctx, b.UserID, b.Config.Symbol, b.Config.ID, b.Config.Venue)
	if errors.Is(err, ledger.ErrNoPosition) {
		return
	}
	if err != nil {
		log.Printf("bot %s: liquidation lookup: %v", b.Config.ID, err)
		return
	}
	if pos.AmountCrypto <= 0 {
		return
	}

	res, err := b.executor.Submit(ctx, order.Request{
		UserID:   b.UserID,
		BotID:    b.Config.ID,
		Exchange: b.exchange,
		Symbol:   b.Config.Symbol,
		Side:     common.SideSell,
		Volume:   pos.AmountCrypto,
		PlacedBy: order.PlacedByBot,
		Reason:   "shutdown",
	})
	if err != nil {
		log.Printf("bot %s: liquidation failed, position %s left open: %v", b.Config.ID, pos.ID, err)
		return
	}
	b.risk.Disarm(pos.ID)
	log.Printf("bot %s: liquidated residual position, realized %.4f", b.Config.ID, res.Realized)
}

// ---- error and scheduling plumbing ----

// recordError appends to the bounded buffer, counts the streak, and returns
// the pause appropriate for the error class.
func (b *Bot) recordError(err error) time.Duration {
	b.mu.Lock()
	b.errs = append(b.errs, err.Error())
	if len(b.errs) > errorBufferSize {
		b.errs = b.errs[len(b.errs)-errorBufferSize:]
	}
	b.errorStreak++
	streak := b.errorStreak
	b.mu.Unlock()

	log.Printf("bot %s: iteration error (streak %d): %v", b.Config.ID, streak, err)

	switch {
	case common.IsRateLimit(err):
		return 3 * b.iterationPause(0)
	case common.IsNetwork(err):
		return networkPause
	}
	return 0
}

func (b *Bot) clearErrorStreak() {
	b.mu.Lock()
	b.errorStreak = 0
	b.mu.Unlock()
}

// autoStopDue reports whether the error policy demands a halt: a long
// unbroken failure streak while holding no position.
func (b *Bot) autoStopDue(ctx context.Context) bool {
	b.mu.Lock()
	streak := b.errorStreak
	b.mu.Unlock()
	if streak < autoStopThreshold {
		return false
	}

	_, err := b.positions.Get(ctx, b.UserID, b.Config.Symbol, b.Config.ID, b.Config.Venue)
	return errors.Is(err, ledger.ErrNoPosition)
}

func (b *Bot) autoStop(ctx context.Context) {
	b.mu.Lock()
	b.state = StateStopping
	last := ""
	if len(b.errs) > 0 {
		last = b.errs[len(b.errs)-1]
	}
	streak := b.errorStreak
	b.mu.Unlock()

	log.Printf("bot %s: auto-stop after %d consecutive errors, last: %s", b.Config.ID, streak, last)

	if err := b.qtable.Save(ctx, b.queries); err != nil {
		log.Printf("bot %s: qtable save on auto-stop: %v", b.Config.ID, err)
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Topic:   events.TopicBotAutoStop,
		UserID:  b.UserID,
		BotID:   b.Config.ID,
		Payload: map[string]any{"errorStreak": streak, "lastError": last},
	})
}

func (b *Bot) running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning
}

// countIteration also handles the periodic Q-table flush.
func (b *Bot) countIteration(ctx context.Context) {
	b.mu.Lock()
	b.iterations++
	n := b.iterations
	b.mu.Unlock()

	if n%qtableSaveEvery == 0 {
		if err := b.qtable.Save(ctx, b.queries); err != nil {
			log.Printf("bot %s: periodic qtable save: %v", b.Config.ID, err)
		}
	}
}

// iterationPause derives the inter-iteration sleep from the venue's pacing
// and the timeframe, minus time already spent, never below one second.
func (b *Bot) iterationPause(elapsed time.Duration) time.Duration {
	pause := 2 * b.exchange.RateLimit()
	if quarter := b.Config.TimeframeDuration() / 4; quarter > pause {
		pause = quarter
	}
	if pause < defaultFloor {
		pause = defaultFloor
	}
	pause -= elapsed
	if pause < minSleep {
		pause = minSleep
	}
	return pause
}

// openEntryCount reports how many buys the open position has accumulated.
// A position inherited from a previous run counts as one entry.
func (b *Bot) openEntryCount(hasPosition bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !hasPosition {
		b.openEntries = 0
		return 0
	}
	if b.openEntries == 0 {
		return 1
	}
	return b.openEntries
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
