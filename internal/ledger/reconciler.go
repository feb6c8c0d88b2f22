package ledger

import (
	"context"
	"log"
	"time"

	"tradebot-core/pkg/db"
)

const (
	reconcileInterval = 30 * time.Second
	reconcileBatch    = 100
)

// Reconciler retries wallet postings that failed at fill time. It drains the
// pending_postings queue on an interval until the process stops.
type Reconciler struct {
	queries *db.UserQueries
}

// NewReconciler creates a reconciler over the posting queue.
func NewReconciler(queries *db.UserQueries) *Reconciler {
	return &Reconciler{queries: queries}
}

// Run blocks until ctx is cancelled, sweeping the queue periodically.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep attempts every queued posting once. Postings that land are removed;
// failures stay queued with a bumped attempt count.
func (r *Reconciler) Sweep(ctx context.Context) {
	pending, err := r.queries.ListPendingPostings(ctx, reconcileBatch)
	if err != nil {
		log.Printf("reconciler: list pending: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	var landed int
	for _, p := range pending {
		err := r.queries.AdjustWallet(ctx, p.UserID, p.Currency, p.Venue, p.Delta, p.Reason)
		if err != nil {
			if berr := r.queries.BumpPendingPosting(ctx, p.ID, err.Error()); berr != nil {
				log.Printf("reconciler: bump posting %d: %v", p.ID, berr)
			}
			continue
		}
		if derr := r.queries.DeletePendingPosting(ctx, p.ID); derr != nil {
			log.Printf("reconciler: delete posting %d: %v", p.ID, derr)
		}
		landed++
	}
	log.Printf("reconciler: swept %d postings, %d landed", len(pending), landed)
}
