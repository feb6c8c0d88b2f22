package ledger

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"tradebot-core/pkg/db"
)

// closeEpsilon is the residual crypto amount below which a position counts as
// fully unwound. Venue fee rounding routinely leaves dust at the 1e-9 scale.
const closeEpsilon = 1e-8

// ErrPositionOpen is returned when a second position would be opened for the
// same (user, symbol, bot, venue).
var ErrPositionOpen = errors.New("position already open for this bot")

// ErrNoPosition is returned when an operation needs an open position and none
// exists.
var ErrNoPosition = errors.New("no open position for this bot")

// Positions tracks blocked balances: the funds a bot has committed to an
// in-flight position. Totals are maintained additively from the
// blocked_balance_events log.
type Positions struct {
	queries *db.UserQueries
}

// NewPositions creates the blocked-balance tracker.
func NewPositions(queries *db.UserQueries) *Positions {
	return &Positions{queries: queries}
}

// Open starts a position for (user, symbol, bot, venue) seeded with the first
// fill. The storage-level partial unique index makes a concurrent duplicate
// open impossible; the lookup here only produces the friendlier error.
func (p *Positions) Open(ctx context.Context, userID, symbol, botID, venue, direction string, usdt, crypto float64) (*db.BlockedBalance, error) {
	if existing, err := p.queries.GetOpenBlockedBalance(ctx, userID, symbol, botID, venue); err == nil && existing != nil {
		return nil, ErrPositionOpen
	} else if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	b := db.BlockedBalance{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		BotID:          botID,
		Venue:          venue,
		AmountUsdt:     usdt,
		AmountCrypto:   crypto,
		StartDirection: direction,
	}
	if err := p.queries.CreateBlockedBalance(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Get returns the open position for (user, symbol, bot, venue), or
// ErrNoPosition.
func (p *Positions) Get(ctx context.Context, userID, symbol, botID, venue string) (*db.BlockedBalance, error) {
	b, err := p.queries.GetOpenBlockedBalance(ctx, userID, symbol, botID, venue)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoPosition
	}
	return b, err
}

// SellableVolume returns how much crypto the bot may sell: the crypto held by
// its own open position, zero when there is none. Bots never sell holdings
// they did not buy.
func (p *Positions) SellableVolume(ctx context.Context, userID, symbol, botID, venue string) (float64, error) {
	b, err := p.Get(ctx, userID, symbol, botID, venue)
	if errors.Is(err, ErrNoPosition) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if b.AmountCrypto < 0 {
		return 0, nil
	}
	return b.AmountCrypto, nil
}

// ApplyFill folds an executed fill into the position: buys add crypto and
// subtract the spent quote (net of fee), sells do the reverse. Deltas are
// recorded in the event log and applied additively, so the running
// amount_usdt is the position's realized result once the crypto side is flat.
func (p *Positions) ApplyFill(ctx context.Context, blockedID, direction string, deltaUsdt, deltaCrypto float64) error {
	err := p.queries.ApplyBlockedDelta(ctx, blockedID, direction, deltaUsdt, deltaCrypto)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNoPosition
	}
	return err
}

// SettleIfFlat finishes the position when its crypto residual is within the
// dust epsilon, returning the realized usdt result (positive means the sells
// brought back more quote than the buys spent). The finished transition
// happens at most once; a false return means the position is still open.
func (p *Positions) SettleIfFlat(ctx context.Context, userID, symbol, botID, venue string) (done bool, realizedUsdt float64, err error) {
	b, err := p.Get(ctx, userID, symbol, botID, venue)
	if errors.Is(err, ErrNoPosition) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if math.Abs(b.AmountCrypto) > closeEpsilon {
		return false, 0, nil
	}

	finished, err := p.queries.FinishBlockedBalance(ctx, b.ID)
	if err != nil {
		return false, 0, err
	}
	if !finished {
		return false, 0, nil
	}
	return true, b.AmountUsdt, nil
}
