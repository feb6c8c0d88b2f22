// Package kraken implements the venue adapter for Kraken spot trading.
//
// Kraken's private API authenticates with an HMAC-SHA512 over a per-request
// nonce; the nonce source is injected so it can be shared with anything else
// signing under the same credential.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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

const baseURL = "https://api.kraken.com"

// NonceSource supplies strictly increasing nonces for request signing.
type NonceSource interface {
	Next(ctx context.Context) (int64, error)
}

// Config holds the credentials for a Kraken client.
type Config struct {
	APIKey    string
	APISecret string // base64, as issued by Kraken
}

// Client is a Kraken REST client scoped to one credential.
type Client struct {
	cfg        Config
	secret     []byte
	httpClient *http.Client
	limiter    *rate.Limiter
	nonces     NonceSource
}

// New creates a Kraken adapter using nonces for private-endpoint signing.
func New(cfg Config, nonces NonceSource) (*Client, error) {
	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("kraken: decode api secret: %w", err)
	}
	return &Client{
		cfg:    cfg,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Kraken's public tier allows roughly 1 call/s sustained.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		nonces:  nonces,
	}, nil
}

// Name implements common.Exchange.
func (c *Client) Name() string { return "kraken" }

// RateLimit implements common.Exchange.
func (c *Client) RateLimit() time.Duration { return time.Second }

// GetPrice implements common.Exchange.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	pair := wirePair(symbol)
	var result map[string]struct {
		C []string `json:"c"` // last trade: [price, lot volume]
	}
	if err := c.public(ctx, "/0/public/Ticker", url.Values{"pair": {pair}}, &result); err != nil {
		return 0, err
	}
	for _, t := range result {
		if len(t.C) == 0 {
			break
		}
		price, err := strconv.ParseFloat(t.C[0], 64)
		if err != nil {
			return 0, fmt.Errorf("kraken: parse price %q: %w", t.C[0], err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("kraken: no ticker data for %s", symbol)
}

// GetOHLC implements common.Exchange. Kraken returns at most 720 candles and
// ignores limit server-side, so the tail is trimmed locally.
func (c *Client) GetOHLC(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	interval, err := intervalMinutes(timeframe)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"pair":     {wirePair(symbol)},
		"interval": {strconv.Itoa(interval)},
	}

	var result map[string]json.RawMessage
	if err := c.public(ctx, "/0/public/OHLC", q, &result); err != nil {
		return nil, err
	}

	var candles []common.Candle
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("kraken: decode ohlc rows: %w", err)
		}
		for _, r := range rows {
			if len(r) < 7 {
				continue
			}
			candles = append(candles, common.Candle{
				OpenTime: time.Unix(toInt64(r[0]), 0),
				Open:     toFloat(r[1]),
				High:     toFloat(r[2]),
				Low:      toFloat(r[3]),
				Close:    toFloat(r[4]),
				Volume:   toFloat(r[6]),
			})
		}
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// SubmitOrder implements common.Exchange.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.Fill, error) {
	params := url.Values{
		"pair":      {wirePair(req.Symbol)},
		"type":      {strings.ToLower(string(req.Side))},
		"ordertype": {strings.ToLower(string(req.Type))},
		"volume":    {strconv.FormatFloat(req.Volume, 'f', -1, 64)},
	}
	if req.Type == common.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.ClientID != "" {
		params.Set("userref", userref(req.ClientID))
	}

	var resp struct {
		TxID []string `json:"txid"`
	}
	if err := c.private(ctx, "/0/private/AddOrder", params, &resp); err != nil {
		return common.Fill{}, err
	}
	if len(resp.TxID) == 0 {
		return common.Fill{}, fmt.Errorf("%w: no txid returned", common.ErrOrderRejected)
	}

	return c.awaitFill(ctx, resp.TxID[0], req)
}

// awaitFill polls QueryOrders until the order closes. Market orders on
// Kraken normally close within one poll.
func (c *Client) awaitFill(ctx context.Context, txid string, req common.OrderRequest) (common.Fill, error) {
	for attempt := 0; attempt < 10; attempt++ {
		var result map[string]struct {
			Status  string `json:"status"`
			VolExec string `json:"vol_exec"`
			Cost    string `json:"cost"`
			Fee     string `json:"fee"`
			Price   string `json:"price"`
		}
		err := c.private(ctx, "/0/private/QueryOrders", url.Values{"txid": {txid}}, &result)
		if err != nil {
			return common.Fill{}, err
		}

		if o, ok := result[txid]; ok && o.Status == "closed" {
			_, quote := common.SplitSymbol(req.Symbol)
			return common.Fill{
				ExchangeOrderID: txid,
				FilledVolume:    parseFloat(o.VolExec),
				Cost:            parseFloat(o.Cost),
				Fee:             parseFloat(o.Fee),
				FeeCurrency:     quote,
				Price:           parseFloat(o.Price),
			}, nil
		}

		select {
		case <-ctx.Done():
			return common.Fill{}, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return common.Fill{}, fmt.Errorf("kraken: order %s not closed after polling", txid)
}

// GetAccountBalance implements common.Exchange.
func (c *Client) GetAccountBalance(ctx context.Context) ([]common.AssetBalance, error) {
	var result map[string]string
	if err := c.private(ctx, "/0/private/Balance", url.Values{}, &result); err != nil {
		return nil, err
	}
	out := make([]common.AssetBalance, 0, len(result))
	for asset, amount := range result {
		v := parseFloat(amount)
		if v == 0 {
			continue
		}
		out = append(out, common.AssetBalance{Currency: normalizeAsset(asset), Amount: v})
	}
	return out, nil
}

func (c *Client) public(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("kraken: build request: %w", err)
	}
	return c.send(req, out)
}

func (c *Client) private(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return fmt.Errorf("kraken: nonce: %w", err)
	}
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("kraken: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", c.sign(path, strconv.FormatInt(nonce, 10), body))

	return c.send(req, out)
}

// sign computes HMAC-SHA512(path + SHA256(nonce + body), secret), base64.
func (c *Client) sign(path, nonce, body string) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kraken: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kraken: read response: %w", err)
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("kraken: decode response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return mapAPIError(envelope.Error[0])
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("kraken: decode result: %w", err)
		}
	}
	return nil
}

func mapAPIError(code string) error {
	switch {
	case strings.Contains(code, "Rate limit"):
		return &common.RateLimitError{Venue: "kraken"}
	case strings.Contains(code, "Insufficient funds"):
		return fmt.Errorf("%w: %s", common.ErrInsufficientFunds, code)
	case strings.Contains(code, "Unknown asset pair"):
		return fmt.Errorf("%w: %s", common.ErrSymbolNotFound, code)
	}
	return &common.APIError{Venue: "kraken", Code: 0, Message: code}
}

// wirePair turns "BTC/USDT" into Kraken's "XBTUSDT".
func wirePair(symbol string) string {
	base, quote := common.SplitSymbol(symbol)
	if strings.EqualFold(base, "BTC") {
		base = "XBT"
	}
	return strings.ToUpper(base + quote)
}

// normalizeAsset strips Kraken's X/Z asset-class prefixes.
func normalizeAsset(asset string) string {
	a := strings.ToUpper(asset)
	if len(a) == 4 && (a[0] == 'X' || a[0] == 'Z') {
		a = a[1:]
	}
	if a == "XBT" {
		return "BTC"
	}
	return a
}

func intervalMinutes(timeframe string) (int, error) {
	switch timeframe {
	case "1m":
		return 1, nil
	case "5m":
		return 5, nil
	case "15m":
		return 15, nil
	case "30m":
		return 30, nil
	case "1h":
		return 60, nil
	case "4h":
		return 240, nil
	case "1d":
		return 1440, nil
	}
	return 0, fmt.Errorf("kraken: unsupported timeframe %q", timeframe)
}

// userref maps an arbitrary client id to Kraken's int32 userref field.
func userref(clientID string) string {
	var h uint32
	for i := 0; i < len(clientID); i++ {
		h = h*31 + uint32(clientID[i])
	}
	return strconv.FormatUint(uint64(h&0x7fffffff), 10)
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
