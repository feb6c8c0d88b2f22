package signal

import (
	"context"
	"fmt"
	"sync"

	"tradebot-core/pkg/db"
)

const (
	// alpha is the exponential blending factor for value updates.
	alpha = 0.1
	// neutralValue seeds unseen states.
	neutralValue = 0.5
)

// Rewards applied at position close, by exit reason.
const (
	RewardTakeProfit   = 1.0
	RewardStopLoss     = -1.0
	RewardSignalProfit = 0.5
	RewardSignalLoss   = -0.5
)

// entry holds the action-value estimates for one state.
type entry struct {
	buy, sell, hold float64
}

// QTable is one user's learned state-action values. It lives in memory while
// the user's bots run and is flushed to storage periodically and on stop.
type QTable struct {
	mu     sync.Mutex
	userID string
	rows   map[string]*entry
	dirty  bool
}

// LoadQTable reads the user's persisted table, starting empty for new users.
func LoadQTable(ctx context.Context, queries *db.UserQueries, userID string) (*QTable, error) {
	persisted, err := queries.GetQTable(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load qtable: %w", err)
	}

	rows := make(map[string]*entry, len(persisted))
	for _, r := range persisted {
		rows[r.State] = &entry{buy: r.Buy, sell: r.Sell, hold: r.Hold}
	}
	return &QTable{userID: userID, rows: rows}, nil
}

// Best returns the highest-valued action for state, registering unseen states
// with neutral estimates. Ties resolve to hold so a fresh table trades on
// indicator strategies only until rewards differentiate the actions.
func (q *QTable) Best(state string) Action {
	if state == StateInsufficientData {
		return ActionHold
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.ensure(state)

	best := ActionHold
	val := e.hold
	if e.buy > val {
		best, val = ActionBuy, e.buy
	}
	if e.sell > val {
		best = ActionSell
	}
	return best
}

// Update blends a reward into the state's action estimate:
// new = (1-alpha)*old + alpha*reward. Placeholder states are ignored.
func (q *QTable) Update(state string, action Action, reward float64) {
	if state == "" || state == StateInsufficientData {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.ensure(state)

	switch action {
	case ActionBuy:
		e.buy = (1-alpha)*e.buy + alpha*reward
	case ActionSell:
		e.sell = (1-alpha)*e.sell + alpha*reward
	case ActionHold:
		e.hold = (1-alpha)*e.hold + alpha*reward
	}
	q.dirty = true
}

// Value returns the current estimate for (state, action); unseen states read
// as neutral without being registered.
func (q *QTable) Value(state string, action Action) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.rows[state]
	if !ok {
		return neutralValue
	}
	switch action {
	case ActionBuy:
		return e.buy
	case ActionSell:
		return e.sell
	}
	return e.hold
}

// Save flushes the table if anything changed since the last save.
func (q *QTable) Save(ctx context.Context, queries *db.UserQueries) error {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	batch := make([]db.QRow, 0, len(q.rows))
	for state, e := range q.rows {
		batch = append(batch, db.QRow{
			UserID: q.userID,
			State:  state,
			Buy:    e.buy,
			Sell:   e.sell,
			Hold:   e.hold,
		})
	}
	q.dirty = false
	q.mu.Unlock()

	if err := queries.SaveQTable(ctx, q.userID, batch); err != nil {
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
		return fmt.Errorf("save qtable: %w", err)
	}
	return nil
}

// ensure must be called with the lock held.
func (q *QTable) ensure(state string) *entry {
	e, ok := q.rows[state]
	if !ok {
		e = &entry{buy: neutralValue, sell: neutralValue, hold: neutralValue}
		q.rows[state] = e
		q.dirty = true
	}
	return e
}
