// Package registry tracks running bots process-wide and enforces at most one
// live bot per (user, bot id).
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"tradebot-core/internal/bot"
	"tradebot-core/internal/events"
	"tradebot-core/internal/ledger"
	"tradebot-core/internal/order"
	"tradebot-core/internal/signal"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges"
)

// ErrNotRunning is returned by Status when no live bot matches.
var ErrNotRunning = errors.New("no running bot for this key")

// Registry owns the map of live bots. It is the only globally shared mutable
// structure in the engine; every mutation happens under one mutex, while the
// bots themselves run unlocked.
type Registry struct {
	factory   *exchanges.Factory
	executor  *order.Executor
	positions *ledger.Positions
	queries   *db.UserQueries
	bus       *events.Bus
	model     *bot.ModelClient

	mu      sync.Mutex
	bots    map[string]*bot.Bot
	qtables map[string]*signal.QTable // one learned table per user
}

// New wires a registry with the engine-wide collaborators bots need.
func New(factory *exchanges.Factory, executor *order.Executor, positions *ledger.Positions,
	queries *db.UserQueries, bus *events.Bus, model *bot.ModelClient) *Registry {
	return &Registry{
		factory:   factory,
		executor:  executor,
		positions: positions,
		queries:   queries,
		bus:       bus,
		model:     model,
		bots:      make(map[string]*bot.Bot),
		qtables:   make(map[string]*signal.QTable),
	}
}

func key(userID, botID string) string { return userID + "/" + botID }

// Start constructs and launches a bot. Returns (false, nil) when the same
// (user, bot id) is already running; construction or launch failures return
// an error.
func (r *Registry) Start(ctx context.Context, userID string, cfg bot.Config) (bool, error) {
	k := key(userID, cfg.ID)

	r.mu.Lock()
	if existing, ok := r.bots[k]; ok {
		// Only a fully stopped instance may be replaced; anything else is a
		// live bot or one a concurrent Start is still launching.
		if existing.Status().State != bot.StateStopped {
			r.mu.Unlock()
			return false, nil
		}
		delete(r.bots, k)
	}
	r.mu.Unlock()

	ex, err := r.factory.ForUser(ctx, userID, cfg.Venue)
	if err != nil {
		return false, fmt.Errorf("venue adapter: %w", err)
	}
	qt, err := r.qtableFor(ctx, userID)
	if err != nil {
		return false, err
	}

	b, err := bot.New(userID, cfg, bot.Deps{
		Exchange:  ex,
		QTable:    qt,
		Executor:  r.executor,
		Positions: r.positions,
		Queries:   r.queries,
		Bus:       r.bus,
		Model:     r.model,
	})
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	// Any entry present now was inserted by a concurrent Start that won the
	// race while this one was constructing; stopped leftovers were already
	// cleared under the first lock.
	if _, ok := r.bots[k]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.bots[k] = b
	r.mu.Unlock()

	if err := b.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.bots, k)
		r.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Stop shuts a bot down and removes it. Returns (false, nil) when nothing is
// running under the key.
func (r *Registry) Stop(ctx context.Context, userID, botID string) (bool, error) {
	k := key(userID, botID)

	r.mu.Lock()
	b, ok := r.bots[k]
	if ok {
		delete(r.bots, k)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := b.Stop(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Status returns the live bot's snapshot, or ErrNotRunning.
func (r *Registry) Status(userID, botID string) (bot.Status, error) {
	r.mu.Lock()
	b, ok := r.bots[key(userID, botID)]
	r.mu.Unlock()
	if !ok {
		return bot.Status{}, ErrNotRunning
	}
	return b.Status(), nil
}

// Running returns the number of live bots.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, b := range r.bots {
		if b.Status().State == bot.StateRunning {
			n++
		}
	}
	return n
}

// ResumeAutoStart launches every bot definition flagged for resume. Failures
// are logged per bot; one broken definition never blocks the rest.
func (r *Registry) ResumeAutoStart(ctx context.Context) {
	configs, err := r.queries.ListAutoStartConfigs(ctx)
	if err != nil {
		log.Printf("registry: list auto-start bots: %v", err)
		return
	}

	for _, c := range configs {
		started, err := r.Start(ctx, c.UserID, bot.ConfigFromRecord(c))
		if err != nil {
			log.Printf("registry: auto-start %s/%s: %v", c.UserID, c.ID, err)
			continue
		}
		if started {
			log.Printf("registry: auto-started bot %s for user %s", c.ID, c.UserID)
		}
	}
}

// StopAll shuts every live bot down; used on process shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	live := make([]*bot.Bot, 0, len(r.bots))
	for k, b := range r.bots {
		live = append(live, b)
		delete(r.bots, k)
	}
	r.mu.Unlock()

	for _, b := range live {
		if err := b.Stop(ctx); err != nil {
			log.Printf("registry: stop %s: %v", b.Config.ID, err)
		}
	}
}

// qtableFor loads (or reuses) the user's Q-table. Bots of one user share the
// table so learning accumulates across them.
func (r *Registry) qtableFor(ctx context.Context, userID string) (*signal.QTable, error) {
	r.mu.Lock()
	qt, ok := r.qtables[userID]
	r.mu.Unlock()
	if ok {
		return qt, nil
	}

	qt, err := signal.LoadQTable(ctx, r.queries, userID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.qtables[userID]; ok {
		return cached, nil
	}
	r.qtables[userID] = qt
	return qt, nil
}
