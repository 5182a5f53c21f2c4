// Package escrow drives one payment-to-delivery lifecycle per item:
// fee computation, payment session creation, completion, and payout
// release. Completion and payout markers live in the store journal so they
// fire at most once across re-entry and restarts.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/idgen"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/store"
	"github.com/alfredjeanlab/dealroom/internal/store/memory"
)

// Stage is the workflow's position.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageModalOpen      Stage = "modal_open"
	StageEscrowCreated  Stage = "escrow_created"
	StageFeesCalculated Stage = "fees_calculated"
	StageProcessed      Stage = "processed"
)

// ErrAttemptCancelled is returned by Submit when Cancel ran while the
// payment session request was in flight. The session is discarded.
var ErrAttemptCancelled = errors.New("payment attempt cancelled")

// Options configures workflows. API is required; a nil Journal uses an
// in-memory one.
type Options struct {
	API     client.API
	Journal store.Journal
	Fees    FeePolicy
	// CountrySupported reports whether hosted checkout is available in a
	// country. Nil allows every country.
	CountrySupported func(country string) bool
	Publisher        events.Publisher
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	// OnComplete runs once per transaction when it is processed.
	OnComplete func(tx model.EscrowTransaction)

	now func() time.Time
}

func (o *Options) defaults() {
	if o.Journal == nil {
		o.Journal = memory.New()
	}
	if o.Fees.Percent.IsZero() && o.Fees.Fixed.IsZero() {
		o.Fees = DefaultFeePolicy
	}
	o.Publisher = events.OrNoop(o.Publisher)
	o.Logger = logging.OrNop(o.Logger)
	if o.now == nil {
		o.now = time.Now
	}
}

// Target is what a payment surface is opened for.
type Target struct {
	Item model.Item
	// Amount is an amount the caller supplied directly.
	Amount *decimal.Decimal
	// Metadata is an amount carried by a payment_required notification.
	Metadata *decimal.Decimal
	// TransactionID resumes a known transaction; empty allocates one.
	TransactionID string
	Country       string
}

// Workflow is the state machine of one payment attempt.
type Workflow struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	target     Target
	tx         model.EscrowTransaction
	session    *model.PaymentSession
	attemptKey string
	submitting bool
	generation int
}

// New creates an idle workflow.
func New(opts Options) *Workflow {
	opts.defaults()
	return &Workflow{opts: opts, log: opts.Logger}
}

// Stage returns the furthest stage reached.
func (w *Workflow) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage()
}

func (w *Workflow) stage() Stage {
	s := w.tx.Stages
	switch {
	case s.Processed:
		return StageProcessed
	case s.Fees:
		return StageFeesCalculated
	case s.Escrow:
		return StageEscrowCreated
	case s.Modal:
		return StageModalOpen
	}
	return StageIdle
}

// Transaction returns a copy of the transaction.
func (w *Workflow) Transaction() model.EscrowTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tx
}

// Session returns the payment session of the current attempt, or nil.
func (w *Workflow) Session() *model.PaymentSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil
	}
	s := *w.session
	return &s
}

// Open enters modal_open for target. Opening a transaction the journal
// already marks complete lands directly in processed without re-running
// completion. Opening a workflow that is past idle is a no-op.
func (w *Workflow) Open(ctx context.Context, target Target) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stage() != StageIdle {
		return nil
	}

	id := target.TransactionID
	if id == "" {
		var err error
		if id, err = idgen.TransactionID(); err != nil {
			return err
		}
	}
	done, err := w.opts.Journal.IsCompleted(ctx, id)
	if err != nil {
		return fmt.Errorf("checking completion of %s: %w", id, err)
	}

	w.target = target
	w.tx = model.EscrowTransaction{
		ID:         id,
		ItemID:     target.Item.ID,
		Engagement: model.EngagementPending,
	}
	w.tx.Stages.Modal = true
	if done {
		w.tx.Stages = model.EscrowStages{Modal: true, Escrow: true, Fees: true, Processed: true}
		w.log.Info("escrow: transaction already processed", zap.String("transaction", id))
		return nil
	}
	w.log.Debug("escrow: modal open", zap.String("transaction", id), zap.String("item", target.Item.ID))
	w.opts.Metrics.Transition(string(StageModalOpen))
	return nil
}

// Observe folds a notification into the open target. A payment_required
// notification for the target item supplies the metadata amount and the
// transaction id. It reports whether anything changed.
func (w *Workflow) Observe(n model.Notification) bool {
	p, ok := n.Payload.(model.PaymentRequired)
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stage() != StageModalOpen || w.submitting || p.ItemID != w.target.Item.ID {
		return false
	}
	amount := p.Amount
	w.target.Metadata = &amount
	if p.TransactionID != "" && w.target.TransactionID == "" {
		w.target.TransactionID = p.TransactionID
		w.tx.ID = p.TransactionID
	}
	return true
}

// Quote resolves the amount of the open target and prices it.
func (w *Workflow) Quote() (Quote, error) {
	w.mu.Lock()
	t := w.target
	w.mu.Unlock()
	res, err := ResolveAmount(t.Amount, t.Metadata, &t.Item)
	if err != nil {
		return Quote{}, err
	}
	return w.opts.Fees.Compute(res.Amount), nil
}

// Submit marks escrow and fees and requests a payment session. The amount is
// resolved first; an unresolvable or non-positive amount aborts with a
// ValidationError and no session. Submitting again while a session is
// outstanding returns that session.
func (w *Workflow) Submit(ctx context.Context, method model.PaymentMethod) (*model.PaymentSession, error) {
	if !method.IsValid() {
		return nil, model.NewValidationError("method", "invalid value %q", method)
	}

	w.mu.Lock()
	switch {
	case w.stage() == StageProcessed:
		w.mu.Unlock()
		return nil, model.NewConflict("transaction "+w.tx.ID, "already processed")
	case w.stage() == StageIdle:
		w.mu.Unlock()
		return nil, model.NewConflict("payment", "payment surface is not open")
	case w.submitting:
		w.mu.Unlock()
		return nil, model.NewConflict("transaction "+w.tx.ID, "a payment session request is in flight")
	case w.session != nil:
		s := *w.session
		w.mu.Unlock()
		return &s, nil
	}

	res, err := ResolveAmount(w.target.Amount, w.target.Metadata, &w.target.Item)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if len(res.Disagreeing) > 0 {
		w.log.Warn("escrow: amount sources disagree",
			zap.String("transaction", w.tx.ID),
			zap.String("used", string(res.Source)),
			zap.Stringer("amount", res.Amount),
			zap.Any("disagreeing", res.Disagreeing))
	}
	if method == model.PaymentHosted && w.opts.CountrySupported != nil && !w.opts.CountrySupported(w.target.Country) {
		w.mu.Unlock()
		return nil, model.NewValidationError("method", "hosted checkout is not available in %q", w.target.Country)
	}

	q := w.opts.Fees.Compute(res.Amount)
	if w.attemptKey == "" {
		if w.attemptKey, err = idgen.IdempotencyKey(); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	w.tx.Amount, w.tx.Fee, w.tx.Total = q.Amount, q.Fee, q.Total
	w.tx.Stages.Escrow = true
	w.tx.Stages.Fees = true
	w.submitting = true
	gen := w.generation
	req := &client.PaymentSessionRequest{
		TransactionID:  w.tx.ID,
		ItemID:         w.tx.ItemID,
		Amount:         q.Amount,
		Fee:            q.Fee,
		Total:          q.Total,
		Method:         method,
		Country:        w.target.Country,
		IdempotencyKey: w.attemptKey,
	}
	w.mu.Unlock()

	sess, err := w.opts.API.CreatePaymentSession(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitting = false
	if gen != w.generation {
		return nil, ErrAttemptCancelled
	}
	if err != nil {
		// Marks stay set; a retry reuses them and the attempt key, and only
		// Cancel clears them.
		w.log.Warn("escrow: payment session failed", zap.String("transaction", w.tx.ID), zap.Error(err))
		return nil, fmt.Errorf("creating payment session: %w", err)
	}
	if sess.Method == "" {
		sess.Method = method
	}
	w.session = sess

	for _, st := range []Stage{StageEscrowCreated, StageFeesCalculated} {
		w.record(ctx, st)
	}
	w.log.Info("escrow: payment session created",
		zap.String("transaction", w.tx.ID),
		zap.String("session", sess.ID),
		zap.String("method", string(method)),
		zap.Stringer("total", q.Total))
	s := *sess
	return &s, nil
}

// ConfirmRedirect reports that the hosted checkout redirect succeeded.
func (w *Workflow) ConfirmRedirect(ctx context.Context) error {
	return w.complete(ctx, model.PaymentHosted)
}

// AcknowledgeAlternate reports that the user started the alternate flow.
func (w *Workflow) AcknowledgeAlternate(ctx context.Context) error {
	return w.complete(ctx, model.PaymentAlternate)
}

func (w *Workflow) complete(ctx context.Context, method model.PaymentMethod) error {
	w.mu.Lock()
	if w.stage() == StageProcessed {
		w.mu.Unlock()
		return nil
	}
	if w.session == nil {
		w.mu.Unlock()
		return model.NewConflict("transaction "+w.tx.ID, "no payment session has been created")
	}
	if w.session.Method != method {
		w.mu.Unlock()
		return model.NewValidationError("method", "session uses %s, not %s", w.session.Method, method)
	}
	w.tx.Stages.Processed = true
	tx := w.tx
	w.mu.Unlock()

	first, err := w.opts.Journal.MarkCompleted(ctx, tx.ID, w.opts.now())
	if err != nil {
		w.mu.Lock()
		w.tx.Stages.Processed = false
		w.mu.Unlock()
		return fmt.Errorf("recording completion of %s: %w", tx.ID, err)
	}

	w.mu.Lock()
	w.record(ctx, StageProcessed)
	w.mu.Unlock()
	if !first {
		w.log.Debug("escrow: completion already recorded", zap.String("transaction", tx.ID))
		return nil
	}

	if err := w.opts.Publisher.Publish(ctx, events.TopicEscrowProcessed, events.EscrowProcessed{Transaction: tx, Method: method}); err != nil {
		w.log.Warn("escrow: publishing processed", zap.Error(err))
	}
	w.log.Info("escrow: processed", zap.String("transaction", tx.ID), zap.String("method", string(method)))
	if w.opts.OnComplete != nil {
		w.opts.OnComplete(tx)
	}
	return nil
}

// Verify asks the payment collaborator for the session status.
func (w *Workflow) Verify(ctx context.Context) (*model.PaymentSession, error) {
	w.mu.Lock()
	if w.session == nil {
		w.mu.Unlock()
		return nil, model.NewConflict("payment", "no payment session to verify")
	}
	id := w.session.ID
	w.mu.Unlock()

	sess, err := w.opts.API.VerifyPaymentSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("verifying session %s: %w", id, err)
	}
	w.mu.Lock()
	if w.session != nil && w.session.ID == id {
		w.session.Status = sess.Status
	}
	w.mu.Unlock()
	return sess, nil
}

// Cancel abandons the attempt: stages reset to idle and the target and
// session are released. A session request still in flight is discarded when
// it returns. Cancelling a processed workflow is a ConflictError.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stage() == StageProcessed {
		return model.NewConflict("transaction "+w.tx.ID, "already processed")
	}
	if w.stage() != StageIdle {
		w.log.Debug("escrow: cancelled", zap.String("transaction", w.tx.ID), zap.String("stage", string(w.stage())))
	}
	w.generation++
	w.target = Target{}
	w.tx = model.EscrowTransaction{}
	w.session = nil
	w.attemptKey = ""
	w.submitting = false
	return nil
}

// record journals a stage mark. Must be called with w.mu held. Journal
// failures are logged; the completion marker is the only mark that gates
// behaviour.
func (w *Workflow) record(ctx context.Context, st Stage) {
	w.opts.Metrics.Transition(string(st))
	err := w.opts.Journal.RecordTransition(ctx, store.Transition{
		TransactionID: w.tx.ID,
		Stage:         string(st),
		At:            w.opts.now(),
	})
	if err != nil {
		w.log.Warn("escrow: journaling transition", zap.String("stage", string(st)), zap.Error(err))
	}
}
