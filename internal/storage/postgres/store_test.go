package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func setupMockStore(t *testing.T) (*PostgresLedgerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresLedgerStore(db), mock
}

func ledgerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "trust_account_id", "client_id", "matter_id", "client_name", "jurisdiction",
		"status", "balance", "version", "created_at", "updated_at",
	})
}

func transactionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "seq", "client_ledger_id", "trust_account_id", "transaction_type", "amount",
		"balance_after", "description", "reference", "metadata", "idempotency_key", "created_at",
	})
}

func TestPostgresLedgerStore_WithinTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits when fn succeeds", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM client_ledgers WHERE id = \$1 FOR UPDATE`).
			WithArgs("ledger-1").
			WillReturnRows(ledgerRows().AddRow(
				"ledger-1", "acct-1", "client-1", "", "Ada", "Unknown",
				"active", "150.00", int64(4), testTime, testTime,
			))
		mock.ExpectCommit()

		var locked models.ClientLedger
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			var err error
			locked, err = tx.LockClientLedger(ctx, "ledger-1")
			return err
		})
		require.NoError(t, err)

		assert.Equal(t, "acct-1", locked.TrustAccountID)
		assert.Equal(t, models.LedgerStatusActive, locked.Status)
		assert.True(t, locked.Balance.Equal(decimal.RequireFromString("150")))
		assert.Equal(t, int64(4), locked.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error { return boom })

		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing ledger is a not found error", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WithArgs("missing").WillReturnRows(ledgerRows())
		mock.ExpectRollback()

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			_, err := tx.LockClientLedger(ctx, "missing")
			return err
		})

		assert.ErrorIs(t, err, models.ErrLedgerNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("account lock takes the row lock", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM trust_accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "merchant_id", "name", "bank_name", "bank_account_ref", "jurisdiction",
				"currency", "balance", "created_at", "updated_at",
			}).AddRow("acct-1", "firm-1", "IOLTA", "", "ref-1", "Unknown", "USD", "700.00", testTime, testTime))
		mock.ExpectCommit()

		var locked models.TrustAccount
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			var err error
			locked, err = tx.LockTrustAccount(ctx, "acct-1")
			return err
		})
		require.NoError(t, err)
		assert.True(t, locked.Balance.Equal(decimal.RequireFromString("700")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlock on the account lock is a concurrency conflict", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM trust_accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs("acct-1").
			WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
		mock.ExpectRollback()

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			_, err := tx.LockTrustAccount(ctx, "acct-1")
			return err
		})
		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure is a storage error", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error { return nil })

		assert.ErrorIs(t, err, models.ErrStorage)
		assert.Equal(t, models.KindStorage, models.KindOf(err))
	})
}

func TestPgTx_InsertTransaction(t *testing.T) {
	ctx := context.Background()
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO transactions .* RETURNING seq`).
		WithArgs(
			"txn-1", "ledger-1", "acct-1", "deposit", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"retainer", "INV-7", `{"matter":"M-1"}`, sqlmock.AnyArg(), testTime,
		).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))
	mock.ExpectCommit()

	txn := models.Transaction{
		ID:             "txn-1",
		ClientLedgerID: "ledger-1",
		TrustAccountID: "acct-1",
		Type:           models.TransactionTypeDeposit,
		Amount:         decimal.RequireFromString("100"),
		BalanceAfter:   decimal.RequireFromString("100"),
		Description:    "retainer",
		Reference:      "INV-7",
		Metadata:       map[string]string{"matter": "M-1"},
		CreatedAt:      testTime,
	}
	err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		return tx.InsertTransaction(ctx, &txn)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), txn.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_UpdateClientLedgerBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("stale version is a concurrency conflict", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE client_ledgers SET balance`).
			WithArgs(sqlmock.AnyArg(), testTime, "ledger-1", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FROM client_ledgers WHERE id = \$1`).
			WithArgs("ledger-1").
			WillReturnRows(ledgerRows().AddRow(
				"ledger-1", "acct-1", "client-1", "", "Ada", "Unknown",
				"active", "80.00", int64(4), testTime, testTime,
			))
		mock.ExpectRollback()

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.UpdateClientLedgerBalance(ctx, "ledger-1", 3, decimal.NewFromInt(50), testTime)
		})

		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing ledger is not a conflict", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE client_ledgers SET balance`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FROM client_ledgers WHERE id = \$1`).
			WithArgs("gone").
			WillReturnRows(ledgerRows())
		mock.ExpectRollback()

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.UpdateClientLedgerBalance(ctx, "gone", 0, decimal.NewFromInt(50), testTime)
		})

		assert.ErrorIs(t, err, models.ErrLedgerNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgTx_AdjustTrustAccountBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("adds the delta in place", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE trust_accounts SET balance = balance \+ \$1`).
			WithArgs(sqlmock.AnyArg(), testTime, "acct-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.AdjustTrustAccountBalance(ctx, "acct-1", decimal.NewFromInt(-25), testTime)
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE trust_accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.AdjustTrustAccountBalance(ctx, "nope", decimal.NewFromInt(10), testTime)
		})

		assert.ErrorIs(t, err, models.ErrTrustAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_ReadSnapshot(t *testing.T) {
	ctx := context.Background()
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM transactions\s+WHERE client_ledger_id = \$1 ORDER BY created_at, seq`).
		WithArgs("ledger-1").
		WillReturnRows(transactionRows().
			AddRow("t1", int64(1), "ledger-1", "acct-1", "deposit", "100.00", "100.00",
				"", "", []byte(`{}`), nil, testTime).
			AddRow("t2", int64(2), "ledger-1", "acct-1", "fee", "5.50", "94.50",
				"wire fee", "", []byte(`{"bank":"first"}`), "key-2", testTime.Add(time.Minute)))
	mock.ExpectRollback()

	var txns []models.Transaction
	err := store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		var err error
		txns, err = r.ListTransactions(ctx, "ledger-1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, txns, 2)

	assert.Equal(t, models.TransactionTypeDeposit, txns[0].Type)
	assert.Empty(t, txns[0].IdempotencyKey)
	assert.Nil(t, txns[0].Metadata)

	assert.Equal(t, models.TransactionTypeFee, txns[1].Type)
	assert.Equal(t, "key-2", txns[1].IdempotencyKey)
	assert.Equal(t, "first", txns[1].Metadata["bank"])
	assert.True(t, txns[1].BalanceAfter.Equal(decimal.RequireFromString("94.50")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_ListRecentTransactionsLimit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		limit int
		want  sql.NullInt64
	}{
		{name: "bounded", limit: 20, want: sql.NullInt64{Int64: 20, Valid: true}},
		{name: "unbounded", limit: 0, want: sql.NullInt64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(`ORDER BY created_at DESC, seq DESC LIMIT \$3`).
				WithArgs("acct-1", testTime, tt.want).
				WillReturnRows(transactionRows())
			mock.ExpectRollback()

			err := store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
				txns, err := r.ListRecentTransactions(ctx, "acct-1", testTime, tt.limit)
				assert.Empty(t, txns)
				return err
			})

			assert.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "serialization failure",
			err:  &pq.Error{Code: "40001"},
			want: models.ErrConcurrencyConflict,
		},
		{
			name: "deadlock",
			err:  &pq.Error{Code: "40P01"},
			want: models.ErrConcurrencyConflict,
		},
		{
			name: "duplicate idempotency key",
			err:  &pq.Error{Code: "23505", Constraint: "transactions_idempotency_idx"},
			want: models.ErrIdempotencyConflict,
		},
		{
			name: "second active ledger",
			err:  &pq.Error{Code: "23505", Constraint: "client_ledgers_active_client_matter_idx"},
			want: models.ErrDuplicateClientLedger,
		},
		{
			name: "ledger of another trust account",
			err:  &pq.Error{Code: "23503", Constraint: "transactions_ledger_account_fkey"},
			want: models.ErrTrustAccountMismatch,
		},
		{
			name: "negative ledger balance",
			err:  &pq.Error{Code: "23514", Constraint: "client_ledgers_balance_non_negative"},
			want: models.ErrInsufficientFunds,
		},
		{
			name: "unknown constraint",
			err:  &pq.Error{Code: "23505", Constraint: "something_else"},
			want: models.ErrStorage,
		},
		{
			name: "plain driver error",
			err:  errors.New("broken pipe"),
			want: models.ErrStorage,
		},
		{
			name: "already classified",
			err:  models.ErrLedgerClosed,
			want: models.ErrLedgerClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate("op", tt.err), tt.want)
		})
	}

	assert.NoError(t, translate("op", nil))
}
