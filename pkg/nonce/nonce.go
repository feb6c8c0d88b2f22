// Package nonce produces strictly increasing, crash-durable request
// identifiers for exchange authentication.
package nonce

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Generator hands out monotonically increasing nonces for one signing
// credential. Values are persisted before being returned, so a restart can
// never reuse or go below an already issued nonce. Concurrent callers are
// serialized by the mutex; the backing row is only touched inside it.
type Generator struct {
	mu         sync.Mutex
	db         *sql.DB
	credential string
	now        func() time.Time // overridable in tests
}

// NewGenerator binds a generator to a credential's durable counter row.
func NewGenerator(db *sql.DB, credential string) *Generator {
	return &Generator{
		db:         db,
		credential: credential,
		now:        time.Now,
	}
}

// Next returns max(now_µs, last+2) and persists it before returning.
// The +2 stride leaves room for an emergency manual request between two
// generated nonces without violating monotonicity.
func (g *Generator) Next(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin nonce tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM nonces WHERE credential = ?`, g.credential).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read nonce: %w", err)
	}

	next := g.now().UnixMicro()
	if last+2 > next {
		next = last + 2
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nonces (credential, value) VALUES (?, ?)
		ON CONFLICT(credential) DO UPDATE SET value = excluded.value
	`, g.credential, next); err != nil {
		return 0, fmt.Errorf("persist nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit nonce: %w", err)
	}

	return next, nil
}
