package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerReader is the read side of the ledger store. Implementations return
// models.ErrTrustAccountNotFound / models.ErrLedgerNotFound for missing rows.
type LedgerReader interface {
	GetTrustAccount(ctx context.Context, id string) (models.TrustAccount, error)
	ListTrustAccounts(ctx context.Context, merchantID string) ([]models.TrustAccount, error)

	GetClientLedger(ctx context.Context, id string) (models.ClientLedger, error)
	// FindActiveClientLedger returns the active ledger of clientID within the
	// trust account. An empty matterID matches the ledger without a matter.
	FindActiveClientLedger(ctx context.Context, trustAccountID, clientID, matterID string) (models.ClientLedger, error)
	ListClientLedgers(ctx context.Context, trustAccountID string) ([]models.ClientLedger, error)

	// ListTransactions returns the full history of a ledger in ledger order.
	ListTransactions(ctx context.Context, clientLedgerID string) ([]models.Transaction, error)
	// ListRecentTransactions returns at most limit transactions of the trust
	// account created at or before asOf, newest first.
	ListRecentTransactions(ctx context.Context, trustAccountID string, asOf time.Time, limit int) ([]models.Transaction, error)
}

// LedgerTx is a unit of work. Nothing written through it is visible to
// other readers until the surrounding WithinTx returns nil.
type LedgerTx interface {
	LedgerReader

	InsertTrustAccount(ctx context.Context, account models.TrustAccount) error
	InsertClientLedger(ctx context.Context, ledger models.ClientLedger) error

	// LockTrustAccount reads the account and serializes the rest of the unit
	// of work against every other change to the account's balance or to its
	// set of client ledgers. A lost race fails with
	// models.ErrConcurrencyConflict.
	LockTrustAccount(ctx context.Context, id string) (models.TrustAccount, error)
	// LockClientLedger reads the ledger and makes it the serialization point
	// for the rest of the unit of work.
	LockClientLedger(ctx context.Context, id string) (models.ClientLedger, error)
	FindTransactionByIdempotencyKey(ctx context.Context, clientLedgerID, key string) (*models.Transaction, error)
	// InsertTransaction stores txn and assigns its Sequence.
	InsertTransaction(ctx context.Context, txn *models.Transaction) error

	// UpdateClientLedgerBalance sets the cached balance if the stored version
	// still equals expectedVersion, otherwise it fails with
	// models.ErrConcurrencyConflict.
	UpdateClientLedgerBalance(ctx context.Context, id string, expectedVersion int64, balance decimal.Decimal, at time.Time) error
	UpdateClientLedgerStatus(ctx context.Context, id string, expectedVersion int64, status models.LedgerStatus, at time.Time) error

	AdjustTrustAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error
	SetTrustAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error
}

// LedgerStore owns durability of trust accounts, client ledgers and transactions.
type LedgerStore interface {
	// WithinTx runs fn in a single atomic unit of work. The unit is committed
	// only if fn returns nil and is rolled back on every other exit path.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
	// ReadSnapshot runs fn against a consistent read-only view.
	ReadSnapshot(ctx context.Context, fn func(r LedgerReader) error) error
}
