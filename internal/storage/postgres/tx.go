package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// pgTx is a unit of work on a *sql.Tx.
type pgTx struct {
	reader
}

func (t *pgTx) InsertTrustAccount(ctx context.Context, a models.TrustAccount) error {
	query := `INSERT INTO trust_accounts (` + trustAccountColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := t.q.ExecContext(ctx, query,
		a.ID,
		a.MerchantID,
		a.Name,
		a.BankName,
		a.BankAccountRef,
		a.Jurisdiction,
		a.Currency,
		a.Balance,
		a.CreatedAt,
		a.UpdatedAt,
	)
	return translate("insert trust account", err)
}

func (t *pgTx) InsertClientLedger(ctx context.Context, l models.ClientLedger) error {
	query := `INSERT INTO client_ledgers (` + clientLedgerColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := t.q.ExecContext(ctx, query,
		l.ID,
		l.TrustAccountID,
		l.ClientID,
		l.MatterID,
		l.ClientName,
		l.Jurisdiction,
		string(l.Status),
		l.Balance,
		l.Version,
		l.CreatedAt,
		l.UpdatedAt,
	)
	return translate("insert client ledger", err)
}

// LockTrustAccount holds the account row lock until the surrounding
// transaction ends. Postings update the same row last, so they queue behind
// it; a lock cycle with a posting surfaces as a deadlock, which translate
// reports as models.ErrConcurrencyConflict.
func (t *pgTx) LockTrustAccount(ctx context.Context, id string) (models.TrustAccount, error) {
	query := `SELECT ` + trustAccountColumns + ` FROM trust_accounts WHERE id = $1 FOR UPDATE`
	return t.getTrustAccount(ctx, query, id)
}

// LockClientLedger holds the row lock until the surrounding transaction ends.
func (t *pgTx) LockClientLedger(ctx context.Context, id string) (models.ClientLedger, error) {
	query := `SELECT ` + clientLedgerColumns + ` FROM client_ledgers WHERE id = $1 FOR UPDATE`
	return t.getClientLedger(ctx, query, id)
}

func (t *pgTx) FindTransactionByIdempotencyKey(ctx context.Context, clientLedgerID, key string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
	WHERE client_ledger_id = $1 AND idempotency_key = $2`

	txn, err := scanTransaction(t.q.QueryRowContext(ctx, query, clientLedgerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("find transaction by idempotency key", err)
	}
	return &txn, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	metadata := []byte("{}")
	if len(txn.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(txn.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	idempotencyKey := sql.NullString{String: txn.IdempotencyKey, Valid: txn.IdempotencyKey != ""}

	query := `INSERT INTO transactions (
		id, client_ledger_id, trust_account_id, transaction_type, amount, balance_after,
		description, reference, metadata, idempotency_key, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING seq`

	err := t.q.QueryRowContext(ctx, query,
		txn.ID,
		txn.ClientLedgerID,
		txn.TrustAccountID,
		string(txn.Type),
		txn.Amount,
		txn.BalanceAfter,
		txn.Description,
		txn.Reference,
		string(metadata),
		idempotencyKey,
		txn.CreatedAt,
	).Scan(&txn.Sequence)
	return translate("insert transaction", err)
}

func (t *pgTx) UpdateClientLedgerBalance(ctx context.Context, id string, expectedVersion int64, balance decimal.Decimal, at time.Time) error {
	query := `UPDATE client_ledgers SET balance = $1, version = version + 1, updated_at = $2
	WHERE id = $3 AND version = $4`

	res, err := t.q.ExecContext(ctx, query, models.RoundCents(balance), at, id, expectedVersion)
	if err != nil {
		return translate("update client ledger balance", err)
	}
	return t.expectVersionedRow(ctx, res, id, expectedVersion)
}

func (t *pgTx) UpdateClientLedgerStatus(ctx context.Context, id string, expectedVersion int64, status models.LedgerStatus, at time.Time) error {
	query := `UPDATE client_ledgers SET status = $1, version = version + 1, updated_at = $2
	WHERE id = $3 AND version = $4`

	res, err := t.q.ExecContext(ctx, query, string(status), at, id, expectedVersion)
	if err != nil {
		return translate("update client ledger status", err)
	}
	return t.expectVersionedRow(ctx, res, id, expectedVersion)
}

// expectVersionedRow tells a missing ledger apart from a stale version.
func (t *pgTx) expectVersionedRow(ctx context.Context, res sql.Result, id string, expectedVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate("rows affected", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := t.GetClientLedger(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: client ledger %s changed since version %d", models.ErrConcurrencyConflict, id, expectedVersion)
}

func (t *pgTx) AdjustTrustAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	query := `UPDATE trust_accounts SET balance = balance + $1, updated_at = GREATEST(updated_at, $2) WHERE id = $3`

	res, err := t.q.ExecContext(ctx, query, delta, at, id)
	if err != nil {
		return translate("adjust trust account balance", err)
	}
	return expectAccountRow(res, id)
}

func (t *pgTx) SetTrustAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	query := `UPDATE trust_accounts SET balance = $1, updated_at = GREATEST(updated_at, $2) WHERE id = $3`

	res, err := t.q.ExecContext(ctx, query, models.RoundCents(balance), at, id)
	if err != nil {
		return translate("set trust account balance", err)
	}
	return expectAccountRow(res, id)
}

func expectAccountRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrTrustAccountNotFound, id)
	}
	return nil
}

var _ interfaces.LedgerTx = (*pgTx)(nil)
