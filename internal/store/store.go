// Package store defines the durable journal behind the escrow workflow and
// the dispute guard. The journal is what makes completion and payout
// markers survive re-entry and restarts, and its uniqueness rules back the
// single-open-dispute invariant across processes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Transition is one recorded escrow stage mark.
type Transition struct {
	TransactionID string    `json:"transaction_id"`
	Stage         string    `json:"stage"`
	At            time.Time `json:"at"`
}

// Journal defines the persistence interface for transaction state.
type Journal interface {
	// Escrow
	RecordTransition(ctx context.Context, t Transition) error
	Transitions(ctx context.Context, transactionID string) ([]Transition, error)
	// MarkCompleted records the completion marker. It reports false when
	// the marker already existed, in which case callers must not re-run
	// completion side effects.
	MarkCompleted(ctx context.Context, transactionID string, at time.Time) (bool, error)
	IsCompleted(ctx context.Context, transactionID string) (bool, error)

	// Payouts; at most one per transaction. A second MarkPayout returns a
	// *model.ConflictError.
	MarkPayout(ctx context.Context, p *model.Payout) error
	GetPayout(ctx context.Context, transactionID string) (*model.Payout, error)

	// Disputes; at most one open per transaction. CreateDispute returns a
	// *model.ConflictError when one is already open.
	CreateDispute(ctx context.Context, d *model.Dispute) error
	ResolveDispute(ctx context.Context, disputeID string, at time.Time) (*model.Dispute, error)
	OpenDispute(ctx context.Context, transactionID string) (*model.Dispute, error)
	ListDisputes(ctx context.Context, transactionID string) ([]*model.Dispute, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Journal) error) error

	// Lifecycle
	Close() error
}
