package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
)

// PostgresLedgerStore persists the ledger in PostgreSQL through lib/pq.
// Postings lock the client ledger row with SELECT ... FOR UPDATE and commit
// the transaction row, ledger balance and trust account balance together.
type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresLedgerStore) WithinTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin transaction", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = dbTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	if err = fn(&pgTx{reader: reader{q: dbTx}}); err != nil {
		return err
	}
	if err = dbTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

// ReadSnapshot runs fn in a read-only REPEATABLE READ transaction so every
// query inside fn sees the same committed state.
func (p *PostgresLedgerStore) ReadSnapshot(ctx context.Context, fn func(r interfaces.LedgerReader) error) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return translate("begin snapshot", err)
	}
	defer func() {
		_ = dbTx.Rollback()
	}()
	return fn(reader{q: dbTx})
}

// Ping verifies the database connection.
func (p *PostgresLedgerStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return translate("ping", err)
	}
	return nil
}

// translate maps driver errors onto the ledger error taxonomy. Errors that
// are already classified pass through unchanged.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *models.LedgerError
	if errors.As(err, &le) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if mapped := sentinelFor(pqErr); mapped != nil {
			return fmt.Errorf("%s: %w: %s", op, mapped, pqErr.Message)
		}
	}
	return models.StorageError(op, err)
}

func sentinelFor(e *pq.Error) *models.LedgerError {
	switch e.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return models.ErrConcurrencyConflict
	case "23505": // unique_violation
		switch e.Constraint {
		case "transactions_idempotency_idx":
			return models.ErrIdempotencyConflict
		case "client_ledgers_active_client_matter_idx", "client_ledgers_pkey":
			return models.ErrDuplicateClientLedger
		case "trust_accounts_merchant_bank_key", "trust_accounts_pkey":
			return models.ErrDuplicateTrustAccount
		}
	case "23503": // foreign_key_violation
		switch e.Constraint {
		case "transactions_ledger_account_fkey":
			return models.ErrTrustAccountMismatch
		case "client_ledgers_trust_account_fkey":
			return models.ErrTrustAccountNotFound
		}
	case "23514": // check_violation
		switch e.Constraint {
		case "client_ledgers_balance_non_negative":
			return models.ErrInsufficientFunds
		case "transactions_amount_positive":
			return models.ErrInvalidAmount
		}
	}
	return nil
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
