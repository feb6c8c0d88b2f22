package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"tradebot-core/internal/signal"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
)

// ModelClient talks to an external decision service (an LLM or policy
// network behind HTTP). The engine does not care what runs behind the
// endpoint, only that it answers with buy/sell/hold.
type ModelClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewModelClient points a client at the decision service.
func NewModelClient(baseURL string) *ModelClient {
	return &ModelClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type modelRequest struct {
	Symbol      string        `json:"symbol"`
	Strategy    string        `json:"strategy,omitempty"`
	HasPosition bool          `json:"has_position"`
	Candles     []modelCandle `json:"candles"`
}

type modelCandle struct {
	Time   int64   `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

type modelResponse struct {
	Action     string  `json:"action"` // buy | sell | hold
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Decide asks the service for an action given the market window and the
// user's strategy text.
func (c *ModelClient) Decide(ctx context.Context, symbol, strategyText string, candles []common.Candle, hasPosition bool) (signal.Action, error) {
	reqBody := modelRequest{
		Symbol:      symbol,
		Strategy:    strategyText,
		HasPosition: hasPosition,
		Candles:     make([]modelCandle, 0, len(candles)),
	}
	for _, c := range candles {
		reqBody.Candles = append(reqBody.Candles, modelCandle{
			Time: c.OpenTime.Unix(), Open: c.Open, High: c.High,
			Low: c.Low, Close: c.Close, Volume: c.Volume,
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return signal.ActionHold, fmt.Errorf("model: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decide", bytes.NewReader(payload))
	if err != nil {
		return signal.ActionHold, fmt.Errorf("model: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signal.ActionHold, fmt.Errorf("model: call service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return signal.ActionHold, fmt.Errorf("model: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return signal.ActionHold, fmt.Errorf("model: service returned %d: %s", resp.StatusCode, body)
	}

	var out modelResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return signal.ActionHold, fmt.Errorf("model: decode response: %w", err)
	}

	switch out.Action {
	case "buy":
		return signal.ActionBuy, nil
	case "sell":
		return signal.ActionSell, nil
	case "hold", "":
		return signal.ActionHold, nil
	}
	return signal.ActionHold, fmt.Errorf("model: unknown action %q", out.Action)
}

// modelPolicy is the StrategyVariant decision source: it replaces the signal
// engine with the external model, falling back to indicators when the
// service is unavailable so a model outage degrades instead of halting.
type modelPolicy struct {
	client   *ModelClient
	queries  *db.UserQueries
	userID   string
	botID    string
	symbol   string
	fallback indicatorPolicy
}

// modelQState is the single Q-table state used for model-driven trades; the
// reward loop still learns how much to trust the model's entries.
const modelQState = "model"

func (p *modelPolicy) Decide(ctx context.Context, candles []common.Candle, hasPosition bool) (signal.Signal, error) {
	strategyText, err := p.queries.GetStrategyText(ctx, p.userID, p.botID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return signal.Signal{}, fmt.Errorf("strategy text: %w", err)
	}

	action, err := p.client.Decide(ctx, p.symbol, strategyText, candles, hasPosition)
	if err != nil {
		log.Printf("bot %s: model unavailable, using indicators: %v", p.botID, err)
		return p.fallback.Decide(ctx, candles, hasPosition)
	}

	sig := signal.Signal{QState: modelQState}
	switch action {
	case signal.ActionBuy:
		sig.Buy = true
		sig.Contributors.Buy = []string{"model"}
	case signal.ActionSell:
		sig.Sell = true
		sig.Contributors.Sell = []string{"model"}
	}
	return sig, nil
}
