// Package memory implements store.Journal in process memory. It is used
// when no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/store"
)

// Journal is an in-memory store.Journal.
type Journal struct {
	mu          sync.Mutex
	transitions map[string][]store.Transition
	completed   map[string]time.Time
	payouts     map[string]model.Payout
	disputes    map[string]*model.Dispute
	order       []string // dispute ids in creation order
}

// Compile-time check that Journal implements store.Journal.
var _ store.Journal = (*Journal)(nil)

// New creates an empty journal.
func New() *Journal {
	return &Journal{
		transitions: make(map[string][]store.Transition),
		completed:   make(map[string]time.Time),
		payouts:     make(map[string]model.Payout),
		disputes:    make(map[string]*model.Dispute),
	}
}

func (j *Journal) RecordTransition(_ context.Context, t store.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions[t.TransactionID] = append(j.transitions[t.TransactionID], t)
	return nil
}

func (j *Journal) Transitions(_ context.Context, transactionID string) ([]store.Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]store.Transition, len(j.transitions[transactionID]))
	copy(out, j.transitions[transactionID])
	return out, nil
}

func (j *Journal) MarkCompleted(_ context.Context, transactionID string, at time.Time) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.completed[transactionID]; ok {
		return false, nil
	}
	j.completed[transactionID] = at
	return true, nil
}

func (j *Journal) IsCompleted(_ context.Context, transactionID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.completed[transactionID]
	return ok, nil
}

func (j *Journal) MarkPayout(_ context.Context, p *model.Payout) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.payouts[p.TransactionID]; ok {
		return model.NewConflict("payout "+p.TransactionID, "already released")
	}
	j.payouts[p.TransactionID] = *p
	return nil
}

func (j *Journal) GetPayout(_ context.Context, transactionID string) (*model.Payout, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.payouts[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (j *Journal) CreateDispute(_ context.Context, d *model.Dispute) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if open := j.openLocked(d.TransactionID); open != nil {
		return model.NewConflict("dispute "+d.TransactionID, "dispute %s is already open", open.ID)
	}
	if _, ok := j.disputes[d.ID]; ok {
		return model.NewConflict("dispute "+d.ID, "duplicate id")
	}
	cp := *d
	j.disputes[d.ID] = &cp
	j.order = append(j.order, d.ID)
	return nil
}

func (j *Journal) ResolveDispute(_ context.Context, disputeID string, at time.Time) (*model.Dispute, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	d, ok := j.disputes[disputeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status != model.DisputeStatusResolved {
		d.Status = model.DisputeStatusResolved
		d.ResolvedAt = &at
	}
	cp := *d
	return &cp, nil
}

func (j *Journal) OpenDispute(_ context.Context, transactionID string) (*model.Dispute, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	d := j.openLocked(transactionID)
	if d == nil {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (j *Journal) ListDisputes(_ context.Context, transactionID string) ([]*model.Dispute, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*model.Dispute
	for _, id := range j.order {
		if d := j.disputes[id]; d.TransactionID == transactionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *Journal) openLocked(transactionID string) *model.Dispute {
	for _, id := range j.order {
		if d := j.disputes[id]; d.TransactionID == transactionID && d.Status == model.DisputeStatusOpen {
			return d
		}
	}
	return nil
}

// RunInTransaction runs fn against j. Writes are not rolled back on error.
func (j *Journal) RunInTransaction(ctx context.Context, fn func(tx store.Journal) error) error {
	return fn(j)
}

func (j *Journal) Close() error { return nil }
