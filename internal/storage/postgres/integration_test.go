//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// newTestDB starts a fresh PostgreSQL container and applies the embedded migrations.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("iolta_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// the migrator closes its connection pool
	migrationDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	m, err := NewMigrator(migrationDB, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedLedger(t *testing.T, store *PostgresLedgerStore) (models.TrustAccount, models.ClientLedger) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	account := models.TrustAccount{
		ID: "acct-1", MerchantID: "firm-1", Name: "Operating IOLTA", BankAccountRef: "0001",
		Jurisdiction: models.UnknownJurisdiction, Currency: models.DefaultCurrency,
		CreatedAt: now, UpdatedAt: now,
	}
	ledger := models.ClientLedger{
		ID: "ledger-1", TrustAccountID: account.ID, ClientID: "client-1",
		Jurisdiction: models.UnknownJurisdiction, Status: models.LedgerStatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	err := store.WithinTx(context.Background(), func(tx interfaces.LedgerTx) error {
		if err := tx.InsertTrustAccount(context.Background(), account); err != nil {
			return err
		}
		return tx.InsertClientLedger(context.Background(), ledger)
	})
	require.NoError(t, err)
	return account, ledger
}

func TestIntegration_ConstraintsMapToLedgerErrors(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresLedgerStore(newTestDB(t))
	account, ledger := seedLedger(t, store)

	t.Run("second active ledger for the same client", func(t *testing.T) {
		dup := ledger
		dup.ID = "ledger-2"
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.InsertClientLedger(ctx, dup)
		})
		assert.ErrorIs(t, err, models.ErrDuplicateClientLedger)
	})

	t.Run("duplicate bank account", func(t *testing.T) {
		dup := account
		dup.ID = "acct-2"
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.InsertTrustAccount(ctx, dup)
		})
		assert.ErrorIs(t, err, models.ErrDuplicateTrustAccount)
	})

	t.Run("negative ledger balance", func(t *testing.T) {
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.UpdateClientLedgerBalance(ctx, ledger.ID, ledger.Version, decimal.NewFromInt(-1), time.Now())
		})
		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	})

	t.Run("transaction pointing at another trust account", func(t *testing.T) {
		txn := models.Transaction{
			ID: "txn-x", ClientLedgerID: ledger.ID, TrustAccountID: "acct-other",
			Type: models.TransactionTypeDeposit, Amount: decimal.NewFromInt(5),
			BalanceAfter: decimal.NewFromInt(5), CreatedAt: time.Now().UTC(),
		}
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			return tx.InsertTransaction(ctx, &txn)
		})
		assert.ErrorIs(t, err, models.ErrTrustAccountMismatch)
	})
}

func TestIntegration_PostingUnitOfWork(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresLedgerStore(newTestDB(t))
	account, ledger := seedLedger(t, store)

	now := time.Now().UTC().Truncate(time.Microsecond)
	txn := models.Transaction{
		ID: "txn-1", ClientLedgerID: ledger.ID, TrustAccountID: account.ID,
		Type: models.TransactionTypeDeposit, Amount: decimal.NewFromInt(250),
		BalanceAfter: decimal.NewFromInt(250), IdempotencyKey: "dep-1",
		Metadata: map[string]string{"source": "wire"}, CreatedAt: now,
	}
	err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		locked, err := tx.LockClientLedger(ctx, ledger.ID)
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &txn); err != nil {
			return err
		}
		if err := tx.UpdateClientLedgerBalance(ctx, locked.ID, locked.Version, txn.BalanceAfter, now); err != nil {
			return err
		}
		return tx.AdjustTrustAccountBalance(ctx, account.ID, txn.Amount, now)
	})
	require.NoError(t, err)
	assert.Positive(t, txn.Sequence)

	err = store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		gotAccount, err := r.GetTrustAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, gotAccount.Balance.Equal(decimal.NewFromInt(250)))

		gotLedger, err := r.GetClientLedger(ctx, ledger.ID)
		require.NoError(t, err)
		assert.True(t, gotLedger.Balance.Equal(decimal.NewFromInt(250)))
		assert.Equal(t, ledger.Version+1, gotLedger.Version)

		txns, err := r.ListTransactions(ctx, ledger.ID)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, "wire", txns[0].Metadata["source"])
		assert.Equal(t, "dep-1", txns[0].IdempotencyKey)
		return nil
	})
	require.NoError(t, err)

	t.Run("replayed idempotency key is found", func(t *testing.T) {
		err := store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
			found, err := tx.FindTransactionByIdempotencyKey(ctx, ledger.ID, "dep-1")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, txn.ID, found.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("transactions are immutable", func(t *testing.T) {
		db := store.db
		_, err := db.ExecContext(ctx, `UPDATE transactions SET amount = 1 WHERE id = $1`, txn.ID)
		assert.Error(t, err)
	})
}

func TestIntegration_ConcurrentPostsSerializeOnRowLock(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresLedgerStore(newTestDB(t))
	account, ledger := seedLedger(t, store)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
				locked, err := tx.LockClientLedger(ctx, ledger.ID)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Truncate(time.Microsecond)
				next := locked.Balance.Add(decimal.NewFromInt(10))
				txn := models.Transaction{
					ClientLedgerID: ledger.ID, TrustAccountID: account.ID,
					Type: models.TransactionTypeDeposit, Amount: decimal.NewFromInt(10),
					BalanceAfter: next, CreatedAt: now,
				}
				txn.ID = "txn-" + now.Format(time.RFC3339Nano) + "-" + locked.Balance.String()
				if err := tx.InsertTransaction(ctx, &txn); err != nil {
					return err
				}
				if err := tx.UpdateClientLedgerBalance(ctx, ledger.ID, locked.Version, next, now); err != nil {
					return err
				}
				return tx.AdjustTrustAccountBalance(ctx, account.ID, txn.Amount, now)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	err := store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		got, err := r.GetClientLedger(ctx, ledger.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(10*workers)))

		acct, err := r.GetTrustAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, acct.Balance.Equal(got.Balance))
		return nil
	})
	require.NoError(t, err)
}
