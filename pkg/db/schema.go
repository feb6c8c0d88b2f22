package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS venue_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    key_version INTEGER DEFAULT 1,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

-- Materialized per-user balance; mutated only by additive adjustments.
CREATE TABLE IF NOT EXISTS wallets (
    user_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    venue TEXT NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(user_id, currency, venue)
);

-- Append-only adjustment log backing the materialized wallet rows.
CREATE TABLE IF NOT EXISTS wallet_adjustments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    venue TEXT NOT NULL,
    delta REAL NOT NULL,
    reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One in-flight position accumulated by one bot; at most one unfinished row
-- per (user_id, symbol, bot_id, venue).
CREATE TABLE IF NOT EXISTS blocked_balances (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    bot_id TEXT NOT NULL,
    venue TEXT NOT NULL,
    amount_usdt REAL NOT NULL DEFAULT 0,
    amount_crypto REAL NOT NULL DEFAULT 0,
    start_direction TEXT NOT NULL,
    finished BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_open
    ON blocked_balances(user_id, symbol, bot_id, venue) WHERE finished = 0;

CREATE TABLE IF NOT EXISTS blocked_balance_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    blocked_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    delta_usdt REAL NOT NULL,
    delta_crypto REAL NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(blocked_id) REFERENCES blocked_balances(id)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bot_id TEXT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    requested_qty REAL NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    filled_qty REAL NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    fee REAL NOT NULL DEFAULT 0,
    fee_currency TEXT,
    exchange_order_id TEXT,
    placed_by TEXT NOT NULL DEFAULT 'bot',
    venue TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Expected-reward estimates per discretized market state, one table per user.
CREATE TABLE IF NOT EXISTS qtable (
    user_id TEXT NOT NULL,
    state TEXT NOT NULL,
    buy REAL NOT NULL DEFAULT 0.5,
    sell REAL NOT NULL DEFAULT 0.5,
    hold REAL NOT NULL DEFAULT 0.5,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(user_id, state)
);

-- Durable nonce counter per signing credential.
CREATE TABLE IF NOT EXISTS nonces (
    credential TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_configs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    trade_amount REAL NOT NULL,
    venue TEXT NOT NULL,
    max_active_trades INTEGER NOT NULL DEFAULT 1,
    stop_loss_pct REAL NOT NULL,
    take_profit_pct REAL NOT NULL,
    strategy TEXT NOT NULL,
    auto_start BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_texts (
    user_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(user_id, strategy_id)
);

-- Fund effects of confirmed fills that could not be posted to a wallet;
-- retried by the reconciler until they land.
CREATE TABLE IF NOT EXISTS pending_postings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    venue TEXT NOT NULL,
    delta REAL NOT NULL,
    reason TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "orders", "placed_by", "TEXT NOT NULL DEFAULT 'bot'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "fee_currency", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bot_configs", "auto_start", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
