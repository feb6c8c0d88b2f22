package signal

import (
	"context"
	"math"
	"testing"
)

func TestQTableRegistersUnseenStatesNeutral(t *testing.T) {
	qt, err := LoadQTable(context.Background(), newTestQueries(t), "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := qt.Best("ema_up_rsi_mid"); got != ActionHold {
		t.Fatalf("fresh state best = %q, want hold", got)
	}
	if v := qt.Value("ema_up_rsi_mid", ActionBuy); v != 0.5 {
		t.Fatalf("fresh buy value = %f, want 0.5", v)
	}
}

func TestQTableUpdateBlendsExponentially(t *testing.T) {
	qt, err := LoadQTable(context.Background(), newTestQueries(t), "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	qt.Update("ema_up_rsi_low", ActionBuy, 1)
	want := 0.9*0.5 + 0.1*1 // (1-alpha)*old + alpha*reward
	if got := qt.Value("ema_up_rsi_low", ActionBuy); math.Abs(got-want) > 1e-12 {
		t.Fatalf("value after update = %f, want %f", got, want)
	}

	qt.Update("ema_up_rsi_low", ActionBuy, -1)
	want = 0.9*want + 0.1*(-1)
	if got := qt.Value("ema_up_rsi_low", ActionBuy); math.Abs(got-want) > 1e-12 {
		t.Fatalf("value after second update = %f, want %f", got, want)
	}
}

func TestQTableIgnoresPlaceholderStates(t *testing.T) {
	qt, err := LoadQTable(context.Background(), newTestQueries(t), "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	qt.Update("", ActionBuy, 1)
	qt.Update(StateInsufficientData, ActionBuy, 1)

	if qt.Value(StateInsufficientData, ActionBuy) != 0.5 {
		t.Fatal("placeholder state was updated")
	}
}

func TestQTableBestPicksHighestValue(t *testing.T) {
	qt, err := LoadQTable(context.Background(), newTestQueries(t), "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < 10; i++ {
		qt.Update("s", ActionSell, 1)
	}
	if got := qt.Best("s"); got != ActionSell {
		t.Fatalf("best = %q, want sell", got)
	}
}

func TestQTableSaveAndReload(t *testing.T) {
	queries := newTestQueries(t)
	ctx := context.Background()

	qt, err := LoadQTable(ctx, queries, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	qt.Update("ema_down_rsi_high", ActionSell, 1)
	if err := qt.Save(ctx, queries); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := LoadQTable(ctx, queries, "u1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	want := qt.Value("ema_down_rsi_high", ActionSell)
	if got := reloaded.Value("ema_down_rsi_high", ActionSell); math.Abs(got-want) > 1e-12 {
		t.Fatalf("reloaded value = %f, want %f", got, want)
	}

	// A clean table skips the write entirely.
	if err := reloaded.Save(ctx, queries); err != nil {
		t.Fatalf("save clean: %v", err)
	}
}
