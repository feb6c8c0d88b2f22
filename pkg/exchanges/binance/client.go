// Package binance implements the venue adapter for Binance spot trading.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tradebot-core/pkg/exchanges/common"
)

const (
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	defaultRecvWindow = 5000
)

// Config holds the credentials and environment for a Binance client.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64
}

// Client is a Binance spot REST client scoped to one credential.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	stream     *priceStream
}

// New creates a Binance adapter. A background miniTicker stream serves
// GetPrice from a local cache; REST is the fallback before the first tick.
func New(cfg Config) *Client {
	base := mainnetBaseURL
	if cfg.Testnet {
		base = testnetBaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	return &Client{
		cfg:     cfg,
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Binance allows 1200 request weight per minute; stay at half.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		stream:  newPriceStream(cfg.Testnet),
	}
}

// Name implements common.Exchange.
func (c *Client) Name() string { return "binance" }

// RateLimit implements common.Exchange.
func (c *Client) RateLimit() time.Duration { return 100 * time.Millisecond }

// GetPrice implements common.Exchange. The websocket cache answers when warm;
// otherwise one REST lookup primes the stream subscription.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	sym := wireSymbol(symbol)
	if price, ok := c.stream.price(sym); ok {
		return price, nil
	}
	c.stream.watch(sym)

	var resp struct {
		Price string `json:"price"`
	}
	q := url.Values{"symbol": {sym}}
	if err := c.get(ctx, "/api/v3/ticker/price", q, &resp); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: parse price %q: %w", resp.Price, err)
	}
	return price, nil
}

// GetOHLC implements common.Exchange.
func (c *Client) GetOHLC(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	q := url.Values{
		"symbol":   {wireSymbol(symbol)},
		"interval": {timeframe},
		"limit":    {strconv.Itoa(limit)},
	}
	var raw [][]any
	if err := c.get(ctx, "/api/v3/klines", q, &raw); err != nil {
		return nil, err
	}

	candles := make([]common.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candles = append(candles, common.Candle{
			OpenTime: time.UnixMilli(toInt64(k[0])),
			Open:     toFloat(k[1]),
			High:     toFloat(k[2]),
			Low:      toFloat(k[3]),
			Close:    toFloat(k[4]),
			Volume:   toFloat(k[5]),
		})
	}
	return candles, nil
}

// SubmitOrder implements common.Exchange.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.Fill, error) {
	params := url.Values{
		"symbol":   {wireSymbol(req.Symbol)},
		"side":     {string(req.Side)},
		"type":     {string(req.Type)},
		"quantity": {formatQty(req.Volume)},
	}
	if req.Type == common.OrderTypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", formatQty(req.Price))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var resp struct {
		OrderID int64 `json:"orderId"`
		Fills   []struct {
			Price           string `json:"price"`
			Qty             string `json:"qty"`
			Commission      string `json:"commission"`
			CommissionAsset string `json:"commissionAsset"`
		} `json:"fills"`
		ExecutedQty        string `json:"executedQty"`
		CummulativeQuoteQt string `json:"cummulativeQuoteQty"`
	}
	if err := c.signedPost(ctx, "/api/v3/order", params, &resp); err != nil {
		return common.Fill{}, err
	}

	fill := common.Fill{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		FilledVolume:    parseFloat(resp.ExecutedQty),
		Cost:            parseFloat(resp.CummulativeQuoteQt),
	}
	for _, f := range resp.Fills {
		fill.Fee += parseFloat(f.Commission)
		fill.FeeCurrency = f.CommissionAsset
	}
	if fill.FilledVolume > 0 {
		fill.Price = fill.Cost / fill.FilledVolume
	}
	return fill, nil
}

// GetAccountBalance implements common.Exchange.
func (c *Client) GetAccountBalance(ctx context.Context) ([]common.AssetBalance, error) {
	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := c.signedGet(ctx, "/api/v3/account", url.Values{}, &resp); err != nil {
		return nil, err
	}
	out := make([]common.AssetBalance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		amount := parseFloat(b.Free)
		if amount == 0 {
			continue
		}
		out = append(out, common.AssetBalance{Currency: b.Asset, Amount: amount})
	}
	return out, nil
}

// Close stops the background price stream.
func (c *Client) Close() {
	c.stream.close()
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, false, out)
}

func (c *Client) signedGet(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, true, out)
}

func (c *Client) signedPost(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, q, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if signed {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		q.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		q.Set("signature", c.sign(q.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("binance: build request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return &common.RateLimitError{Venue: "binance", RetryAfter: resp.Header.Get("Retry-After")}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return mapAPIError(apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("binance: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("binance: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func mapAPIError(code int, msg string) error {
	switch code {
	case -2010, -2019: // NEW_ORDER_REJECTED / margin insufficient
		if strings.Contains(strings.ToLower(msg), "insufficient") {
			return fmt.Errorf("%w: %s", common.ErrInsufficientFunds, msg)
		}
		return fmt.Errorf("%w: %s", common.ErrOrderRejected, msg)
	case -1121:
		return fmt.Errorf("%w: %s", common.ErrSymbolNotFound, msg)
	case -1003:
		return &common.RateLimitError{Venue: "binance"}
	}
	return &common.APIError{Venue: "binance", Code: code, Message: msg}
}

// wireSymbol turns "BTC/USDT" into Binance's "BTCUSDT".
func wireSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}
