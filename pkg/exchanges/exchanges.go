// Package exchanges builds venue adapters from stored user credentials.
package exchanges

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tradebot-core/pkg/config"
	"tradebot-core/pkg/crypto"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/binance"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/exchanges/kraken"
	"tradebot-core/pkg/exchanges/paper"
	"tradebot-core/pkg/nonce"
)

// ErrVenueDisabled is returned when a venue exists but is switched off in the
// deployment configuration.
var ErrVenueDisabled = errors.New("venue disabled by configuration")

// ErrUnknownVenue is returned for venue names no adapter claims.
var ErrUnknownVenue = errors.New("unknown venue")

// Factory resolves (user, venue) to a ready adapter. Adapters are cached so a
// user's bots on the same venue share one client, one rate limiter and one
// nonce sequence.
type Factory struct {
	cfg       *config.Config
	database  *db.Database
	encryptor *crypto.Encryptor

	mu    sync.Mutex
	cache map[string]common.Exchange
	paper *paper.Venue
}

// NewFactory wires the adapter factory. The paper venue is shared process-wide
// since it holds the simulated market state.
func NewFactory(cfg *config.Config, database *db.Database, encryptor *crypto.Encryptor) *Factory {
	return &Factory{
		cfg:       cfg,
		database:  database,
		encryptor: encryptor,
		cache:     make(map[string]common.Exchange),
		paper: paper.New(paper.Config{
			InitialPrice: cfg.PaperInitialPrice,
			FeeRate:      cfg.PaperFeeRate,
		}),
	}
}

// Paper exposes the shared simulated venue.
func (f *Factory) Paper() *paper.Venue { return f.paper }

// ForUser returns the adapter for a user on the named venue, building and
// caching it on first use.
func (f *Factory) ForUser(ctx context.Context, userID, venue string) (common.Exchange, error) {
	if venue == "paper" {
		return f.paper, nil
	}
	if f.cfg.PaperOnly {
		return nil, fmt.Errorf("%w: %s (paper-only mode)", ErrVenueDisabled, venue)
	}

	key := userID + "|" + venue
	f.mu.Lock()
	if ex, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return ex, nil
	}
	f.mu.Unlock()

	ex, err := f.build(ctx, userID, venue)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[key]; ok {
		return cached, nil
	}
	f.cache[key] = ex
	return ex, nil
}

func (f *Factory) build(ctx context.Context, userID, venue string) (common.Exchange, error) {
	apiKey, apiSecret, credID, err := f.credentials(ctx, userID, venue)
	if err != nil {
		return nil, err
	}

	switch venue {
	case "binance":
		if !f.cfg.EnableBinance {
			return nil, fmt.Errorf("%w: binance", ErrVenueDisabled)
		}
		return binance.New(binance.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   f.cfg.BinanceTestnet,
		}), nil
	case "kraken":
		if !f.cfg.EnableKraken {
			return nil, fmt.Errorf("%w: kraken", ErrVenueDisabled)
		}
		return kraken.New(kraken.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}, nonce.NewGenerator(f.database.DB, credID))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
}

func (f *Factory) credentials(ctx context.Context, userID, venue string) (apiKey, apiSecret, credID string, err error) {
	cred, err := f.database.Queries().GetVenueCredential(ctx, userID, venue)
	if err != nil {
		return "", "", "", fmt.Errorf("load %s credential: %w", venue, err)
	}
	apiKey, err = f.encryptor.Decrypt(cred.APIKeyEncrypted)
	if err != nil {
		return "", "", "", fmt.Errorf("decrypt %s api key: %w", venue, err)
	}
	apiSecret, err = f.encryptor.Decrypt(cred.APISecretEncrypted)
	if err != nil {
		return "", "", "", fmt.Errorf("decrypt %s api secret: %w", venue, err)
	}
	return apiKey, apiSecret, cred.ID, nil
}

// Close releases adapters that hold background resources.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.cache {
		if c, ok := ex.(*binance.Client); ok {
			c.Close()
		}
	}
}
