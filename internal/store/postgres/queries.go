package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/store"
)

// disputeColumns is the column list used for SELECT statements on the disputes table.
const disputeColumns = `id, transaction_id, opener_role, reason, notes, status, created_at, resolved_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = pq.ErrorCode("23505")

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func queryRecordTransition(ctx context.Context, db executor, t store.Transition) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO escrow_transitions (transaction_id, stage, at) VALUES ($1, $2, $3)`,
		t.TransactionID, t.Stage, t.At)
	return err
}

func queryTransitions(ctx context.Context, db executor, transactionID string) ([]store.Transition, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT transaction_id, stage, at FROM escrow_transitions WHERE transaction_id = $1 ORDER BY at, id`,
		transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Transition
	for rows.Next() {
		var t store.Transition
		if err := rows.Scan(&t.TransactionID, &t.Stage, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func queryMarkCompleted(ctx context.Context, db executor, transactionID string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO escrow_completions (transaction_id, completed_at) VALUES ($1, $2)
		ON CONFLICT (transaction_id) DO NOTHING`,
		transactionID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func queryIsCompleted(ctx context.Context, db executor, transactionID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_completions WHERE transaction_id = $1)`,
		transactionID).Scan(&exists)
	return exists, err
}

func queryMarkPayout(ctx context.Context, db executor, p *model.Payout) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO payouts (transaction_id, reference, amount, released_at) VALUES ($1, $2, $3, $4)`,
		p.TransactionID, p.Reference, p.Amount, p.ReleasedAt)
	if isUniqueViolation(err) {
		return model.NewConflict("payout "+p.TransactionID, "already released")
	}
	return err
}

func queryGetPayout(ctx context.Context, db executor, transactionID string) (*model.Payout, error) {
	var p model.Payout
	err := db.QueryRowContext(ctx,
		`SELECT transaction_id, reference, amount, released_at FROM payouts WHERE transaction_id = $1`,
		transactionID).Scan(&p.TransactionID, &p.Reference, &p.Amount, &p.ReleasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func queryCreateDispute(ctx context.Context, db executor, d *model.Dispute) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID,
		d.TransactionID,
		string(d.OpenerRole),
		d.Reason,
		d.Notes,
		string(d.Status),
		d.CreatedAt,
		nullTimePtr(d.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return model.NewConflict("dispute "+d.TransactionID, "a dispute is already open")
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func queryResolveDispute(ctx context.Context, db executor, disputeID string, at time.Time) (*model.Dispute, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE disputes SET status = 'resolved', resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $1
		RETURNING `+disputeColumns,
		disputeID, at)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return d, err
}

func queryOpenDispute(ctx context.Context, db executor, transactionID string) (*model.Dispute, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1 AND status = 'open'`,
		transactionID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return d, err
}

func queryListDisputes(ctx context.Context, db executor, transactionID string) ([]*model.Dispute, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1 ORDER BY created_at`,
		transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}
