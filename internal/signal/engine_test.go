package signal

import (
	"context"
	"math"
	"testing"
	"time"

	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
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

func newTestEngine(t *testing.T) (*Engine, *QTable) {
	t.Helper()
	qt, err := LoadQTable(context.Background(), newTestQueries(t), "u1")
	if err != nil {
		t.Fatalf("load qtable: %v", err)
	}
	return NewEngine(qt), qt
}

// candlesFromCloses builds flat candles (open=close, no shadows) so pattern
// strategies stay silent and only the close series matters.
func candlesFromCloses(closes []float64) []common.Candle {
	out := make([]common.Candle, len(closes))
	base := time.Unix(1_700_000_000, 0)
	for i, c := range closes {
		out[i] = common.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return out
}

func TestEvaluateInsufficientData(t *testing.T) {
	engine, _ := newTestEngine(t)

	sig := engine.Evaluate(candlesFromCloses(make([]float64, 10)), false)
	if sig.QState != StateInsufficientData {
		t.Fatalf("qstate = %q, want %q", sig.QState, StateInsufficientData)
	}
	if !sig.Neutral() {
		t.Fatal("insufficient-data signal is not neutral")
	}
}

func TestEvaluateMixedMarketIsNeutral(t *testing.T) {
	engine, _ := newTestEngine(t)

	// Gentle uptrend with alternating pullbacks: RSI stays mid-range, the
	// fast EMA stays above the slow one without crossing, no patterns form.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + 0.1*float64(i) + 0.5*float64(i%2)
	}
	sig := engine.Evaluate(candlesFromCloses(closes), false)
	if !sig.Neutral() {
		t.Fatalf("mixed market produced %+v", sig)
	}
	if sig.QState != "ema_up_rsi_mid" {
		t.Fatalf("qstate = %q, want ema_up_rsi_mid", sig.QState)
	}
}

func TestEvaluateOversoldProducesBuy(t *testing.T) {
	engine, _ := newTestEngine(t)

	// Steady decline drives RSI to zero.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 200 - float64(i)*2
	}
	sig := engine.Evaluate(candlesFromCloses(closes), false)
	if !sig.Buy {
		t.Fatalf("declining market did not trigger the RSI buy: %+v", sig)
	}
	if !contains(sig.Contributors.Buy, "rsi_threshold") {
		t.Fatalf("rsi_threshold missing from contributors %v", sig.Contributors.Buy)
	}
}

func TestEvaluateOverboughtProducesSellWithPosition(t *testing.T) {
	engine, _ := newTestEngine(t)

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	sig := engine.Evaluate(candlesFromCloses(closes), true)
	if !sig.Sell {
		t.Fatalf("rising market with position did not sell: %+v", sig)
	}
	if sig.Buy {
		t.Fatalf("conflicting buy survived resolution: %+v", sig)
	}
}

func TestConflictResolutionPrefersSideByPosition(t *testing.T) {
	conflicted := Signal{
		Buy: true, Sell: true,
		Contributors: Contributors{Buy: []string{"a"}, Sell: []string{"b"}},
		QState:       "ema_up_rsi_mid",
	}

	t.Run("no position prefers buy", func(t *testing.T) {
		got := resolveConflict(conflicted, false)
		if !got.Buy || got.Sell {
			t.Fatalf("got %+v", got)
		}
		if got.Contributors.Sell != nil {
			t.Fatal("losing side's contributors not cleared")
		}
	})

	t.Run("open position prefers sell", func(t *testing.T) {
		got := resolveConflict(conflicted, true)
		if got.Buy || !got.Sell {
			t.Fatalf("got %+v", got)
		}
		if got.Contributors.Buy != nil {
			t.Fatal("losing side's contributors not cleared")
		}
	})
}

func TestDiscretizeStates(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)*2 // rising: ema up, rsi high
	}
	candles := candlesFromCloses(closes)
	snap := snapshot{
		candles: candles,
		ema12:   EMA(closes, 12),
		ema26:   EMA(closes, 26),
		rsi:     RSI(closes, 14),
	}
	if got := discretize(snap); got != "ema_up_rsi_high" {
		t.Fatalf("state = %q, want ema_up_rsi_high", got)
	}

	for i := range closes {
		closes[i] = 200 - float64(i)*2 // falling: ema down, rsi low
	}
	snap = snapshot{
		candles: candlesFromCloses(closes),
		ema12:   EMA(closes, 12),
		ema26:   EMA(closes, 26),
		rsi:     RSI(closes, 14),
	}
	if got := discretize(snap); got != "ema_down_rsi_low" {
		t.Fatalf("state = %q, want ema_down_rsi_low", got)
	}
}

func TestRSIKnownBehavior(t *testing.T) {
	// All gains: RSI pegs at 100.
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(i)
	}
	rsi := RSI(rising, 14)
	if got := rsi[len(rsi)-1]; math.Abs(got-100) > 1e-9 {
		t.Fatalf("all-gains RSI = %f, want 100", got)
	}

	// All losses: RSI at 0.
	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = float64(100 - i)
	}
	rsi = RSI(falling, 14)
	if got := rsi[len(rsi)-1]; math.Abs(got) > 1e-9 {
		t.Fatalf("all-losses RSI = %f, want 0", got)
	}
}

func TestEMAConvergesTowardConstant(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 50
	}
	ema := EMA(values, 12)
	if got := ema[len(ema)-1]; math.Abs(got-50) > 1e-9 {
		t.Fatalf("EMA of constant series = %f, want 50", got)
	}

	if EMA([]float64{1, 2}, 12) != nil {
		t.Fatal("EMA on short input should be nil")
	}
}

func TestPatternPredicates(t *testing.T) {
	hammer := common.Candle{Open: 100, High: 100.5, Low: 90, Close: 101}
	if !IsHammer(hammer) {
		t.Fatal("hammer not detected")
	}

	star := common.Candle{Open: 101, High: 111, Low: 100.5, Close: 100}
	if !IsShootingStar(star) {
		t.Fatal("shooting star not detected")
	}

	doji := common.Candle{Open: 100, High: 105, Low: 95, Close: 100.2}
	if !IsDoji(doji) {
		t.Fatal("doji not detected")
	}

	prev := common.Candle{Open: 102, High: 103, Low: 99, Close: 100}  // bearish
	cur := common.Candle{Open: 99.5, High: 104, Low: 99, Close: 103} // bullish, engulfing
	if !IsBullishEngulfing(prev, cur) {
		t.Fatal("bullish engulfing not detected")
	}
	if IsBearishEngulfing(prev, cur) {
		t.Fatal("bearish engulfing misdetected")
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
