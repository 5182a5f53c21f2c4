// Package dispute gates the confirmation and dispute actions of a
// transaction. At most one dispute is open per transaction, no one may
// confirm while it is open, and only the consumer confirms a delivered
// engagement.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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

// Options configures a Guard. API is required.
type Options struct {
	API       client.API
	Journal   store.Journal
	Locker    lock.Locker
	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	now func() time.Time
}

// Guard tracks the engagement and dispute state of transactions.
type Guard struct {
	api     client.API
	journal store.Journal
	locker  lock.Locker
	pub     events.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.Mutex
	txs map[string]*model.EscrowTransaction
}

// NewGuard creates a Guard. A nil Journal or Locker falls back to the
// in-process implementations.
func NewGuard(opts Options) *Guard {
	if opts.Journal == nil {
		opts.Journal = memory.New()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker(5 * time.Second)
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Guard{
		api:     opts.API,
		journal: opts.Journal,
		locker:  opts.Locker,
		pub:     events.OrNoop(opts.Publisher),
		log:     logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		now:     opts.now,
		txs:     make(map[string]*model.EscrowTransaction),
	}
}

// Load tracks tx and restores its open dispute from the journal.
func (g *Guard) Load(ctx context.Context, tx model.EscrowTransaction) error {
	if tx.ID == "" {
		return model.NewValidationError("transaction_id", "is required")
	}
	d, err := g.journal.OpenDispute(ctx, tx.ID)
	switch {
	case err == nil:
		tx.DisputeRef = d.ID
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("loading disputes of %s: %w", tx.ID, err)
	}
	g.mu.Lock()
	g.txs[tx.ID] = &tx
	g.mu.Unlock()
	return nil
}

// SetStage moves a tracked transaction to stage.
func (g *Guard) SetStage(txID string, stage model.EngagementStage) error {
	if !stage.IsValid() {
		return model.NewValidationError("engagement", "invalid value %q", stage)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.txs[txID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", txID, store.ErrNotFound)
	}
	tx.Engagement = stage
	return nil
}

// Transaction returns a copy of a tracked transaction.
func (g *Guard) Transaction(txID string) (model.EscrowTransaction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.txs[txID]
	if !ok {
		return model.EscrowTransaction{}, false
	}
	return *tx, true
}

// HasOpenDispute reports whether txID has an open dispute.
func (g *Guard) HasOpenDispute(txID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.txs[txID]
	return ok && tx.DisputeRef != ""
}

// CanOpenDispute holds when no dispute is open and the engagement is active
// or delivered.
func (g *Guard) CanOpenDispute(txID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openBlocker(txID) == ""
}

func (g *Guard) openBlocker(txID string) string {
	tx, ok := g.txs[txID]
	switch {
	case !ok:
		return "transaction is not tracked"
	case tx.DisputeRef != "":
		return "dispute " + tx.DisputeRef + " is already open"
	case tx.Confirmed:
		return "delivery is already confirmed"
	case tx.Engagement != model.EngagementActive && tx.Engagement != model.EngagementDelivered:
		return "engagement is " + string(tx.Engagement)
	}
	return ""
}

// CanConfirm holds when role is the consumer, the engagement is delivered,
// nothing is confirmed yet and no dispute is open.
func (g *Guard) CanConfirm(txID string, role model.Role) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmBlocker(txID, role) == ""
}

func (g *Guard) confirmBlocker(txID string, role model.Role) string {
	tx, ok := g.txs[txID]
	switch {
	case role != model.RoleConsumer:
		return "only the consumer may confirm delivery"
	case !ok:
		return "transaction is not tracked"
	case tx.DisputeRef != "":
		return "dispute " + tx.DisputeRef + " is open"
	case tx.Confirmed:
		return "delivery is already confirmed"
	case tx.Engagement != model.EngagementDelivered:
		return "engagement is " + string(tx.Engagement)
	}
	return ""
}

// OpenDispute opens a dispute on txID. Opening is serialised per
// transaction by the locker and a second open is a ConflictError.
func (g *Guard) OpenDispute(ctx context.Context, txID string, role model.Role, reason, notes string) (*model.Dispute, error) {
	if err := model.ValidateDispute(txID, reason, role); err != nil {
		return nil, err
	}

	release, err := g.obtain(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer release()

	g.mu.Lock()
	blocker := g.openBlocker(txID)
	g.mu.Unlock()
	if blocker != "" {
		return nil, model.NewConflict("transaction "+txID, "%s", blocker)
	}
	if existing, err := g.journal.OpenDispute(ctx, txID); err == nil {
		g.setRef(txID, existing.ID)
		return nil, model.NewConflict("transaction "+txID, "dispute %s is already open", existing.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking disputes of %s: %w", txID, err)
	}

	d, err := g.api.OpenDispute(ctx, &client.OpenDisputeRequest{
		TransactionID: txID,
		OpenerRole:    role,
		Reason:        reason,
		Notes:         notes,
	})
	if err != nil {
		return nil, fmt.Errorf("opening dispute on %s: %w", txID, err)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.TransactionID = txID
	d.Status = model.DisputeStatusOpen
	if d.CreatedAt.IsZero() {
		d.CreatedAt = g.now()
	}
	if err := g.journal.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("recording dispute %s: %w", d.ID, err)
	}

	g.setRef(txID, d.ID)
	g.metrics.Dispute()
	if err := g.pub.Publish(ctx, events.TopicDisputeOpened, events.DisputeOpened{Dispute: *d}); err != nil {
		g.log.Warn("dispute: publishing opened", zap.Error(err))
	}
	g.log.Info("dispute: opened",
		zap.String("transaction", txID),
		zap.String("dispute", d.ID),
		zap.String("role", role.String()))
	return d, nil
}

// Resolve closes disputeID. Resolution comes from the dispute_resolved
// signal; resolving an unknown or already resolved dispute is a no-op.
func (g *Guard) Resolve(ctx context.Context, disputeID string) error {
	d, err := g.journal.ResolveDispute(ctx, disputeID, g.now())
	if errors.Is(err, store.ErrNotFound) {
		g.clearRef(disputeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving dispute %s: %w", disputeID, err)
	}
	g.clearRef(disputeID)

	at := g.now()
	if d.ResolvedAt != nil {
		at = *d.ResolvedAt
	}
	if err := g.pub.Publish(ctx, events.TopicDisputeResolved, events.DisputeResolved{
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		ResolvedAt:    at,
	}); err != nil {
		g.log.Warn("dispute: publishing resolved", zap.Error(err))
	}
	g.log.Info("dispute: resolved", zap.String("transaction", d.TransactionID), zap.String("dispute", d.ID))
	return nil
}

// Confirm records the consumer's delivery confirmation. It holds the same
// per-transaction lock as OpenDispute, so a dispute being opened blocks it.
func (g *Guard) Confirm(ctx context.Context, txID string, role model.Role) error {
	if role != model.RoleConsumer {
		return model.NewConflict("transaction "+txID, "only the consumer may confirm delivery")
	}
	release, err := g.obtain(ctx, txID)
	if err != nil {
		return err
	}
	defer release()

	g.mu.Lock()
	blocker := g.confirmBlocker(txID, role)
	g.mu.Unlock()
	if blocker != "" {
		return model.NewConflict("transaction "+txID, "%s", blocker)
	}
	if err := g.api.ConfirmDelivery(ctx, txID); err != nil {
		return fmt.Errorf("confirming delivery of %s: %w", txID, err)
	}
	g.markConfirmed(txID)
	g.log.Info("dispute: delivery confirmed", zap.String("transaction", txID))
	return nil
}

// Apply folds a notification into the tracked transactions.
func (g *Guard) Apply(ctx context.Context, n model.Notification) error {
	switch p := n.Payload.(type) {
	case model.DisputeResolved:
		return g.Resolve(ctx, p.DisputeID)
	case model.DisputeOpened:
		return g.observeOpened(ctx, p)
	case model.DeliveryConfirmed:
		g.markConfirmed(p.TransactionID)
	case model.DeliverySubmitted:
		g.mu.Lock()
		if tx, ok := g.txs[p.TransactionID]; ok && tx.Engagement == model.EngagementActive {
			tx.Engagement = model.EngagementDelivered
		}
		g.mu.Unlock()
	}
	return nil
}

// observeOpened records a dispute opened elsewhere.
func (g *Guard) observeOpened(ctx context.Context, p model.DisputeOpened) error {
	d := &model.Dispute{
		ID:            p.DisputeID,
		TransactionID: p.TransactionID,
		OpenerRole:    p.OpenerRole,
		Status:        model.DisputeStatusOpen,
		CreatedAt:     g.now(),
	}
	err := g.journal.CreateDispute(ctx, d)
	if err != nil && model.KindOf(err) != model.KindConflict {
		return fmt.Errorf("recording dispute %s: %w", d.ID, err)
	}
	if err != nil {
		// A replay of the same dispute is fine; another open one keeps its ref.
		existing, oerr := g.journal.OpenDispute(ctx, p.TransactionID)
		if oerr != nil || existing.ID != p.DisputeID {
			g.log.Warn("dispute: ignoring opened signal",
				zap.String("transaction", p.TransactionID),
				zap.String("dispute", p.DisputeID),
				zap.Error(err))
			return nil
		}
	}
	g.setRef(p.TransactionID, p.DisputeID)
	return nil
}

// obtain takes the per-transaction lock shared by opening and confirming.
func (g *Guard) obtain(ctx context.Context, txID string) (func(), error) {
	l, err := g.locker.Obtain(ctx, lock.Key("dispute", txID), lock.DefaultTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, model.NewConflict("transaction "+txID, "a dispute or confirmation is in progress")
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			g.log.Warn("dispute: releasing lock", zap.String("transaction", txID), zap.Error(err))
		}
	}, nil
}

func (g *Guard) setRef(txID, disputeID string) {
	g.mu.Lock()
	if tx, ok := g.txs[txID]; ok {
		tx.DisputeRef = disputeID
	}
	g.mu.Unlock()
}

func (g *Guard) clearRef(disputeID string) {
	g.mu.Lock()
	for _, tx := range g.txs {
		if tx.DisputeRef == disputeID {
			tx.DisputeRef = ""
		}
	}
	g.mu.Unlock()
}

func (g *Guard) markConfirmed(txID string) {
	g.mu.Lock()
	if tx, ok := g.txs[txID]; ok {
		tx.Confirmed = true
		tx.Engagement = model.EngagementCompleted
	}
	g.mu.Unlock()
}
