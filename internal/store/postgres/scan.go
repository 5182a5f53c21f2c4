package postgres

import (
	"database/sql"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanDispute scans a single row into a model.Dispute.
// The row must contain columns in the order defined by disputeColumns.
func scanDispute(row scannable) (*model.Dispute, error) {
	var (
		d          model.Dispute
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&d.ID,
		&d.TransactionID,
		&d.OpenerRole,
		&d.Reason,
		&d.Notes,
		&d.Status,
		&d.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*model.Dispute, error) {
	var out []*model.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
