package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/lock"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/store"
	"github.com/alfredjeanlab/dealroom/internal/store/memory"
)

// PayoutKey is the idempotency key of the payout of transactionID. It is
// deterministic so a retried release can never pay twice.
func PayoutKey(transactionID string) string {
	return "payout:" + transactionID
}

// Releaser releases escrowed funds.
type Releaser struct {
	API       client.API
	Journal   store.Journal
	Locker    lock.Locker
	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// NewReleaser fills defaults: an in-memory journal and an in-process locker.
func NewReleaser(r Releaser) *Releaser {
	if r.Journal == nil {
		r.Journal = memory.New()
	}
	if r.Locker == nil {
		r.Locker = lock.NewLocalLocker(5 * time.Second)
	}
	r.Publisher = events.OrNoop(r.Publisher)
	r.Logger = logging.OrNop(r.Logger)
	return &r
}

// Release pays out tx. It requires confirmed delivery and no open dispute,
// and runs under the transaction's payout lock. A transaction already paid
// out returns the recorded payout without calling the API again.
func (r *Releaser) Release(ctx context.Context, tx model.EscrowTransaction) (*model.Payout, error) {
	if tx.ID == "" {
		return nil, model.NewValidationError("transaction_id", "is required")
	}
	if !tx.Confirmed {
		return nil, model.NewConflict("transaction "+tx.ID, "delivery has not been confirmed")
	}

	l, err := r.Locker.Obtain(ctx, lock.Key("payout", tx.ID), lock.DefaultTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, model.NewConflict("transaction "+tx.ID, "a payout is already in progress")
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			r.Logger.Warn("escrow: releasing payout lock", zap.String("transaction", tx.ID), zap.Error(err))
		}
	}()

	if p, err := r.Journal.GetPayout(ctx, tx.ID); err == nil {
		return p, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading payout of %s: %w", tx.ID, err)
	}

	d, err := r.Journal.OpenDispute(ctx, tx.ID)
	switch {
	case err == nil:
		return nil, model.NewConflict("transaction "+tx.ID, "dispute %s is open", d.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("checking disputes of %s: %w", tx.ID, err)
	}

	p, err := r.API.ConfirmPayout(ctx, &client.PayoutRequest{
		TransactionID:  tx.ID,
		IdempotencyKey: PayoutKey(tx.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("confirming payout of %s: %w", tx.ID, err)
	}
	if p.TransactionID == "" {
		p.TransactionID = tx.ID
	}
	if p.Amount.IsZero() {
		p.Amount = tx.Amount
	}
	if err := r.Journal.MarkPayout(ctx, p); err != nil {
		// The API call is idempotent on PayoutKey, so a later retry
		// converges on the same payout.
		return nil, fmt.Errorf("recording payout of %s: %w", tx.ID, err)
	}

	r.Metrics.Payout()
	if err := r.Publisher.Publish(ctx, events.TopicPayoutReleased, events.PayoutReleased{Payout: *p}); err != nil {
		r.Logger.Warn("escrow: publishing payout", zap.Error(err))
	}
	r.Logger.Info("escrow: payout released",
		zap.String("transaction", tx.ID),
		zap.String("reference", p.Reference),
		zap.Stringer("amount", p.Amount))
	return p, nil
}
