// Package db provides user-isolated database queries for the bot engine.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Wallet Queries
// ----------------------------------------

// GetWalletAmount returns the balance for (user, currency, venue); missing rows read as 0.
func (q *UserQueries) GetWalletAmount(ctx context.Context, userID, currency, venue string) (float64, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}

	var amount float64
	err := q.db.QueryRowContext(ctx, `
		SELECT amount FROM wallets
		WHERE user_id = ? AND currency = ? AND venue = ?
	`, userID, currency, venue).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query wallet: %w", err)
	}
	return amount, nil
}

// AdjustWallet applies an additive delta to a wallet row and records the
// adjustment in the append-only log, atomically. The materialized amount is
// never overwritten with a read value; the delta is applied in SQL so that
// concurrent adjustments to the same row serialize at the storage layer.
func (q *UserQueries) AdjustWallet(ctx context.Context, userID, currency, venue string, delta float64, reason string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin adjust: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_adjustments (user_id, currency, venue, delta, reason)
		VALUES (?, ?, ?, ?, ?)
	`, userID, currency, venue, delta, reason); err != nil {
		return fmt.Errorf("log adjustment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, venue, amount, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, currency, venue) DO UPDATE SET
			amount = amount + excluded.amount,
			updated_at = CURRENT_TIMESTAMP
	`, userID, currency, venue, delta); err != nil {
		return fmt.Errorf("apply adjustment: %w", err)
	}

	return tx.Commit()
}

// ListWallets returns every balance row for a user.
func (q *UserQueries) ListWallets(ctx context.Context, userID string) ([]Wallet, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, currency, venue, amount, updated_at
		FROM wallets
		WHERE user_id = ?
		ORDER BY venue, currency
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.UserID, &w.Currency, &w.Venue, &w.Amount, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Blocked Balance Queries
// ----------------------------------------

const blockedColumns = `id, user_id, symbol, bot_id, venue, amount_usdt, amount_crypto,
       start_direction, finished, created_at, updated_at`

func scanBlocked(row interface{ Scan(...any) error }) (*BlockedBalance, error) {
	var b BlockedBalance
	err := row.Scan(&b.ID, &b.UserID, &b.Symbol, &b.BotID, &b.Venue,
		&b.AmountUsdt, &b.AmountCrypto, &b.StartDirection, &b.Finished,
		&b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan blocked balance: %w", err)
	}
	return &b, nil
}

// GetOpenBlockedBalance returns the single unfinished position for
// (user, symbol, bot, venue), or ErrNotFound.
func (q *UserQueries) GetOpenBlockedBalance(ctx context.Context, userID, symbol, botID, venue string) (*BlockedBalance, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT `+blockedColumns+`
		FROM blocked_balances
		WHERE user_id = ? AND symbol = ? AND bot_id = ? AND venue = ? AND finished = 0
	`, userID, symbol, botID, venue)
	return scanBlocked(row)
}

// GetBlockedBalance returns the newest position for (user, symbol, bot) with
// the given finished flag, or ErrNotFound.
func (q *UserQueries) GetBlockedBalance(ctx context.Context, userID, symbol, botID string, finished bool) (*BlockedBalance, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT `+blockedColumns+`
		FROM blocked_balances
		WHERE user_id = ? AND symbol = ? AND bot_id = ? AND finished = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, symbol, botID, finished)
	return scanBlocked(row)
}

// CreateBlockedBalance opens a new position row. The partial unique index on
// unfinished rows enforces the at-most-one-open invariant at the storage layer.
func (q *UserQueries) CreateBlockedBalance(ctx context.Context, b BlockedBalance) error {
	if b.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO blocked_balances
			(id, user_id, symbol, bot_id, venue, amount_usdt, amount_crypto, start_direction, finished)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, b.ID, b.UserID, b.Symbol, b.BotID, b.Venue, b.AmountUsdt, b.AmountCrypto, b.StartDirection)
	if err != nil {
		return fmt.Errorf("create blocked balance: %w", err)
	}
	return nil
}

// ApplyBlockedDelta records a fill event and additively updates the
// materialized totals of an open position.
func (q *UserQueries) ApplyBlockedDelta(ctx context.Context, blockedID, direction string, deltaUsdt, deltaCrypto float64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin blocked delta: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocked_balance_events (blocked_id, direction, delta_usdt, delta_crypto)
		VALUES (?, ?, ?, ?)
	`, blockedID, direction, deltaUsdt, deltaCrypto); err != nil {
		return fmt.Errorf("log blocked event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE blocked_balances
		SET amount_usdt = amount_usdt + ?,
		    amount_crypto = amount_crypto + ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND finished = 0
	`, deltaUsdt, deltaCrypto, blockedID)
	if err != nil {
		return fmt.Errorf("apply blocked delta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// FinishBlockedBalance marks a position finished. Returns true when this call
// performed the transition, false when the row was already finished.
func (q *UserQueries) FinishBlockedBalance(ctx context.Context, blockedID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE blocked_balances
		SET finished = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND finished = 0
	`, blockedID)
	if err != nil {
		return false, fmt.Errorf("finish blocked balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

// CreateOrder inserts an immutable order row.
func (q *UserQueries) CreateOrder(ctx context.Context, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, bot_id, symbol, side, type, requested_qty,
			price, filled_qty, cost, fee, fee_currency, exchange_order_id, placed_by, venue, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.BotID, o.Symbol, o.Side, o.Type, o.RequestedQty,
		o.Price, o.FilledQty, o.Cost, o.Fee, o.FeeCurrency, o.ExchangeOrderID,
		o.PlacedBy, o.Venue, o.Status)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrdersByUser returns the newest orders for a user.
func (q *UserQueries) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(bot_id, ''), symbol, side, type, requested_qty,
		       price, filled_qty, cost, fee, COALESCE(fee_currency, ''),
		       COALESCE(exchange_order_id, ''), placed_by, venue, status, created_at
		FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.BotID, &o.Symbol, &o.Side, &o.Type,
			&o.RequestedQty, &o.Price, &o.FilledQty, &o.Cost, &o.Fee, &o.FeeCurrency,
			&o.ExchangeOrderID, &o.PlacedBy, &o.Venue, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Q-table Queries
// ----------------------------------------

// GetQTable loads every state row for a user.
func (q *UserQueries) GetQTable(ctx context.Context, userID string) ([]QRow, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, state, buy, sell, hold FROM qtable WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query qtable: %w", err)
	}
	defer rows.Close()

	var out []QRow
	for rows.Next() {
		var r QRow
		if err := rows.Scan(&r.UserID, &r.State, &r.Buy, &r.Sell, &r.Hold); err != nil {
			return nil, fmt.Errorf("scan qtable row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveQTable upserts a batch of state rows for a user in one transaction.
func (q *UserQueries) SaveQTable(ctx context.Context, userID string, table []QRow) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin qtable save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO qtable (user_id, state, buy, sell, hold, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, state) DO UPDATE SET
			buy = excluded.buy,
			sell = excluded.sell,
			hold = excluded.hold,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare qtable save: %w", err)
	}
	defer stmt.Close()

	for _, r := range table {
		if _, err := stmt.ExecContext(ctx, userID, r.State, r.Buy, r.Sell, r.Hold); err != nil {
			return fmt.Errorf("save qtable row %s: %w", r.State, err)
		}
	}
	return tx.Commit()
}

// ----------------------------------------
// Bot Config Queries
// ----------------------------------------

const botConfigColumns = `id, user_id, name, symbol, timeframe, trade_amount, venue,
       max_active_trades, stop_loss_pct, take_profit_pct, strategy,
       COALESCE(auto_start, 0), created_at, updated_at`

func scanBotConfig(row interface{ Scan(...any) error }) (*BotConfig, error) {
	var c BotConfig
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Symbol, &c.Timeframe, &c.TradeAmount,
		&c.Venue, &c.MaxActiveTrades, &c.StopLossPct, &c.TakeProfitPct, &c.Strategy,
		&c.AutoStart, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bot config: %w", err)
	}
	return &c, nil
}

// UpsertBotConfig stores or refreshes a bot definition.
func (q *UserQueries) UpsertBotConfig(ctx context.Context, c BotConfig) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bot_configs (id, user_id, name, symbol, timeframe, trade_amount,
			venue, max_active_trades, stop_loss_pct, take_profit_pct, strategy, auto_start, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			trade_amount = excluded.trade_amount,
			venue = excluded.venue,
			max_active_trades = excluded.max_active_trades,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			strategy = excluded.strategy,
			auto_start = excluded.auto_start,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.UserID, c.Name, c.Symbol, c.Timeframe, c.TradeAmount, c.Venue,
		c.MaxActiveTrades, c.StopLossPct, c.TakeProfitPct, c.Strategy, c.AutoStart)
	if err != nil {
		return fmt.Errorf("upsert bot config: %w", err)
	}
	return nil
}

// GetBotConfig returns one bot definition, verifying user ownership.
func (q *UserQueries) GetBotConfig(ctx context.Context, userID, botID string) (*BotConfig, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT `+botConfigColumns+` FROM bot_configs WHERE id = ? AND user_id = ?
	`, botID, userID)
	return scanBotConfig(row)
}

// ListAutoStartConfigs returns every bot marked for resume on boot.
func (q *UserQueries) ListAutoStartConfigs(ctx context.Context) ([]BotConfig, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+botConfigColumns+` FROM bot_configs WHERE auto_start = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query auto-start configs: %w", err)
	}
	defer rows.Close()

	var out []BotConfig
	for rows.Next() {
		c, err := scanBotConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ----------------------------------------
// User / Credential / Strategy-text Queries
// ----------------------------------------

// CreateUser inserts a new account.
func (q *UserQueries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up an account for login.
func (q *UserQueries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// UpsertVenueCredential stores encrypted API keys for (user, venue).
func (q *UserQueries) UpsertVenueCredential(ctx context.Context, c VenueCredential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO venue_credentials
			(id, user_id, venue, api_key_encrypted, api_secret_encrypted, key_version, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_version = excluded.key_version,
			is_active = 1,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.UserID, c.Venue, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion)
	if err != nil {
		return fmt.Errorf("upsert venue credential: %w", err)
	}
	return nil
}

// GetVenueCredential returns the active credential for (user, venue).
func (q *UserQueries) GetVenueCredential(ctx context.Context, userID, venue string) (*VenueCredential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var c VenueCredential
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, venue, api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1), is_active, created_at, updated_at
		FROM venue_credentials
		WHERE user_id = ? AND venue = ? AND is_active = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID, venue).Scan(&c.ID, &c.UserID, &c.Venue, &c.APIKeyEncrypted,
		&c.APISecretEncrypted, &c.KeyVersion, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query venue credential: %w", err)
	}
	return &c, nil
}

// GetStrategyText returns the user's stored strategy prompt/script.
func (q *UserQueries) GetStrategyText(ctx context.Context, userID, strategyID string) (string, error) {
	if userID == "" {
		return "", ErrUserIDRequired
	}

	var body string
	err := q.db.QueryRowContext(ctx, `
		SELECT body FROM strategy_texts WHERE user_id = ? AND strategy_id = ?
	`, userID, strategyID).Scan(&body)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query strategy text: %w", err)
	}
	return body, nil
}

// UpsertStrategyText stores the user's strategy prompt/script.
func (q *UserQueries) UpsertStrategyText(ctx context.Context, userID, strategyID, body string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_texts (user_id, strategy_id, body, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, strategy_id) DO UPDATE SET
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP
	`, userID, strategyID, body)
	if err != nil {
		return fmt.Errorf("upsert strategy text: %w", err)
	}
	return nil
}

// ----------------------------------------
// Pending Posting Queries (reconciliation)
// ----------------------------------------

// AddPendingPosting queues a fund effect that failed to post.
func (q *UserQueries) AddPendingPosting(ctx context.Context, p PendingPosting) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_postings (user_id, currency, venue, delta, reason, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.UserID, p.Currency, p.Venue, p.Delta, p.Reason, p.Attempts, p.LastError)
	if err != nil {
		return fmt.Errorf("add pending posting: %w", err)
	}
	return nil
}

// ListPendingPostings returns the oldest queued postings.
func (q *UserQueries) ListPendingPostings(ctx context.Context, limit int) ([]PendingPosting, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, currency, venue, delta, COALESCE(reason, ''),
		       attempts, COALESCE(last_error, ''), created_at
		FROM pending_postings
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending postings: %w", err)
	}
	defer rows.Close()

	var out []PendingPosting
	for rows.Next() {
		var p PendingPosting
		if err := rows.Scan(&p.ID, &p.UserID, &p.Currency, &p.Venue, &p.Delta,
			&p.Reason, &p.Attempts, &p.LastError, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending posting: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingPosting removes a posting after it lands.
func (q *UserQueries) DeletePendingPosting(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_postings WHERE id = ?`, id)
	return err
}

// BumpPendingPosting records a failed retry.
func (q *UserQueries) BumpPendingPosting(ctx context.Context, id int64, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_postings SET attempts = attempts + 1, last_error = ? WHERE id = ?
	`, lastError, id)
	return err
}
