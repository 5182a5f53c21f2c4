// Package postgres implements the store.Journal interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresJournal implements store.Journal backed by a PostgreSQL database.
type PostgresJournal struct {
	db *sql.DB
}

// Compile-time check that PostgresJournal implements store.Journal.
var _ store.Journal = (*PostgresJournal)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresJournal{db: db}, nil
}

// NewWithDB wraps an already-migrated database handle.
func NewWithDB(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "dealroom_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresJournal) Close() error {
	return s.db.Close()
}

func (s *PostgresJournal) RecordTransition(ctx context.Context, t store.Transition) error {
	return queryRecordTransition(ctx, s.db, t)
}

func (s *PostgresJournal) Transitions(ctx context.Context, transactionID string) ([]store.Transition, error) {
	return queryTransitions(ctx, s.db, transactionID)
}

func (s *PostgresJournal) MarkCompleted(ctx context.Context, transactionID string, at time.Time) (bool, error) {
	return queryMarkCompleted(ctx, s.db, transactionID, at)
}

func (s *PostgresJournal) IsCompleted(ctx context.Context, transactionID string) (bool, error) {
	return queryIsCompleted(ctx, s.db, transactionID)
}

func (s *PostgresJournal) MarkPayout(ctx context.Context, p *model.Payout) error {
	return queryMarkPayout(ctx, s.db, p)
}

func (s *PostgresJournal) GetPayout(ctx context.Context, transactionID string) (*model.Payout, error) {
	return queryGetPayout(ctx, s.db, transactionID)
}

func (s *PostgresJournal) CreateDispute(ctx context.Context, d *model.Dispute) error {
	return queryCreateDispute(ctx, s.db, d)
}

func (s *PostgresJournal) ResolveDispute(ctx context.Context, disputeID string, at time.Time) (*model.Dispute, error) {
	return queryResolveDispute(ctx, s.db, disputeID, at)
}

func (s *PostgresJournal) OpenDispute(ctx context.Context, transactionID string) (*model.Dispute, error) {
	return queryOpenDispute(ctx, s.db, transactionID)
}

func (s *PostgresJournal) ListDisputes(ctx context.Context, transactionID string) ([]*model.Dispute, error) {
	return queryListDisputes(ctx, s.db, transactionID)
}

// RunInTransaction begins a database transaction, creates a txJournal that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresJournal) RunInTransaction(ctx context.Context, fn func(tx store.Journal) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txJ := &txJournal{tx: tx}
	if err := fn(txJ); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txJournal implements store.Journal using a *sql.Tx.
type txJournal struct {
	tx *sql.Tx
}

// Compile-time check that txJournal implements store.Journal.
var _ store.Journal = (*txJournal)(nil)

func (s *txJournal) RecordTransition(ctx context.Context, t store.Transition) error {
	return queryRecordTransition(ctx, s.tx, t)
}

func (s *txJournal) Transitions(ctx context.Context, transactionID string) ([]store.Transition, error) {
	return queryTransitions(ctx, s.tx, transactionID)
}

func (s *txJournal) MarkCompleted(ctx context.Context, transactionID string, at time.Time) (bool, error) {
	return queryMarkCompleted(ctx, s.tx, transactionID, at)
}

func (s *txJournal) IsCompleted(ctx context.Context, transactionID string) (bool, error) {
	return queryIsCompleted(ctx, s.tx, transactionID)
}

func (s *txJournal) MarkPayout(ctx context.Context, p *model.Payout) error {
	return queryMarkPayout(ctx, s.tx, p)
}

func (s *txJournal) GetPayout(ctx context.Context, transactionID string) (*model.Payout, error) {
	return queryGetPayout(ctx, s.tx, transactionID)
}

func (s *txJournal) CreateDispute(ctx context.Context, d *model.Dispute) error {
	return queryCreateDispute(ctx, s.tx, d)
}

func (s *txJournal) ResolveDispute(ctx context.Context, disputeID string, at time.Time) (*model.Dispute, error) {
	return queryResolveDispute(ctx, s.tx, disputeID, at)
}

func (s *txJournal) OpenDispute(ctx context.Context, transactionID string) (*model.Dispute, error) {
	return queryOpenDispute(ctx, s.tx, transactionID)
}

func (s *txJournal) ListDisputes(ctx context.Context, transactionID string) ([]*model.Dispute, error) {
	return queryListDisputes(ctx, s.tx, transactionID)
}

// RunInTransaction on a txJournal reuses the existing transaction (no nesting).
func (s *txJournal) RunInTransaction(ctx context.Context, fn func(tx store.Journal) error) error {
	return fn(s)
}

// Close is a no-op for a transaction journal; the parent owns the connection.
func (s *txJournal) Close() error {
	return nil
}
