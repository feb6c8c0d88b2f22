package bot

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"tradebot-core/pkg/db"
)

// Preset is one bot definition from the bots.yaml file. Presets let a
// deployment ship pre-configured bots that are synced into the database at
// boot and optionally auto-started.
type Preset struct {
	ID              string  `yaml:"id"`
	UserID          string  `yaml:"user_id"`
	Name            string  `yaml:"name"`
	Symbol          string  `yaml:"symbol"`
	Timeframe       string  `yaml:"timeframe"`
	TradeAmount     float64 `yaml:"trade_amount"`
	Venue           string  `yaml:"venue"`
	MaxActiveTrades int     `yaml:"max_active_trades"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	Strategy        string  `yaml:"strategy"`
	AutoStart       bool    `yaml:"auto_start"`
}

type presetFile struct {
	Bots []Preset `yaml:"bots"`
}

// LoadPresets parses a bots.yaml file. A missing file is not an error; it
// just means no presets.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}

	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	return f.Bots, nil
}

// SyncPresets validates each preset and upserts it as a bot definition.
// Invalid presets are skipped with a log line rather than failing boot.
func SyncPresets(ctx context.Context, queries *db.UserQueries, path string) (int, error) {
	presets, err := LoadPresets(path)
	if err != nil {
		return 0, err
	}

	var synced int
	for _, p := range presets {
		cfg := Config{
			ID:              p.ID,
			Name:            p.Name,
			Symbol:          p.Symbol,
			Timeframe:       p.Timeframe,
			TradeAmount:     p.TradeAmount,
			Venue:           p.Venue,
			MaxActiveTrades: p.MaxActiveTrades,
			StopLossPct:     p.StopLossPct,
			TakeProfitPct:   p.TakeProfitPct,
			Strategy:        p.Strategy,
		}
		if err := cfg.Validate(); err != nil {
			log.Printf("presets: skipping %q: %v", p.ID, err)
			continue
		}
		if p.UserID == "" {
			log.Printf("presets: skipping %q: user_id is required", p.ID)
			continue
		}

		if err := queries.UpsertBotConfig(ctx, db.BotConfig{
			ID:              cfg.ID,
			UserID:          p.UserID,
			Name:            cfg.Name,
			Symbol:          cfg.Symbol,
			Timeframe:       cfg.Timeframe,
			TradeAmount:     cfg.TradeAmount,
			Venue:           cfg.Venue,
			MaxActiveTrades: cfg.MaxActiveTrades,
			StopLossPct:     cfg.StopLossPct,
			TakeProfitPct:   cfg.TakeProfitPct,
			Strategy:        cfg.Strategy,
			AutoStart:       p.AutoStart,
		}); err != nil {
			return synced, fmt.Errorf("sync preset %q: %w", p.ID, err)
		}
		synced++
	}
	return synced, nil
}
