// Package ledger owns user fund accounting: wallet balances, the append-only
// adjustment log behind them, and the per-bot blocked balances that track
// in-flight positions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"tradebot-core/pkg/db"
)

// ErrInsufficientBalance is returned when a debit would push a wallet below
// zero.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// Ledger is the fund accounting service. All mutations are additive deltas
// recorded in the wallet_adjustments log; the wallets table is a materialized
// running total that is never overwritten from a read value.
type Ledger struct {
	queries *db.UserQueries
}

// New creates a ledger over the given query layer.
func New(queries *db.UserQueries) *Ledger {
	return &Ledger{queries: queries}
}

// Balance returns the wallet amount for (user, currency, venue); absent rows
// read as zero.
func (l *Ledger) Balance(ctx context.Context, userID, currency, venue string) (float64, error) {
	return l.queries.GetWalletAmount(ctx, userID, currency, venue)
}

// Credit adds funds to a wallet.
func (l *Ledger) Credit(ctx context.Context, userID, currency, venue string, amount float64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %f", amount)
	}
	return l.queries.AdjustWallet(ctx, userID, currency, venue, amount, reason)
}

// Debit removes funds from a wallet, failing with ErrInsufficientBalance if
// the wallet cannot cover the amount. The check and the delta run on the
// single-writer SQLite connection, so no interleaved debit can slip between
// them.
func (l *Ledger) Debit(ctx context.Context, userID, currency, venue string, amount float64, reason string) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %f", amount)
	}

	balance, err := l.queries.GetWalletAmount(ctx, userID, currency, venue)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: have %.8f %s, need %.8f", ErrInsufficientBalance, balance, currency, amount)
	}
	return l.queries.AdjustWallet(ctx, userID, currency, venue, -amount, reason)
}

// Post applies a signed delta that corresponds to a fund movement that has
// already happened at the venue. It bypasses the non-negativity pre-check
// (the money moved whether we like it or not) and, if the posting fails, it
// is queued for the reconciler instead of being lost.
func (l *Ledger) Post(ctx context.Context, userID, currency, venue string, delta float64, reason string) {
	if err := l.queries.AdjustWallet(ctx, userID, currency, venue, delta, reason); err != nil {
		log.Printf("ledger: posting failed, queueing for reconciler: %v", err)
		if qerr := l.queries.AddPendingPosting(ctx, db.PendingPosting{
			UserID:    userID,
			Currency:  currency,
			Venue:     venue,
			Delta:     delta,
			Reason:    reason,
			LastError: err.Error(),
		}); qerr != nil {
			log.Printf("ledger: CRITICAL: could not queue posting for %s %s: %v", userID, currency, qerr)
		}
	}
}
