package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
)

const (
	trustAccountColumns = `id, merchant_id, name, bank_name, bank_account_ref, jurisdiction, currency, balance, created_at, updated_at`
	clientLedgerColumns = `id, trust_account_id, client_id, matter_id, client_name, jurisdiction, status, balance, version, created_at, updated_at`
	transactionColumns  = `id, seq, client_ledger_id, trust_account_id, transaction_type, amount, balance_after, description, reference, metadata, idempotency_key, created_at`
)

type reader struct {
	q queryer
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r reader) GetTrustAccount(ctx context.Context, id string) (models.TrustAccount, error) {
	query := `SELECT ` + trustAccountColumns + ` FROM trust_accounts WHERE id = $1`
	return r.getTrustAccount(ctx, query, id)
}

func (r reader) getTrustAccount(ctx context.Context, query string, id string) (models.TrustAccount, error) {
	account, err := scanTrustAccount(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrustAccount{}, fmt.Errorf("%w: %s", models.ErrTrustAccountNotFound, id)
	}
	if err != nil {
		return models.TrustAccount{}, translate("get trust account", err)
	}
	return account, nil
}

func (r reader) ListTrustAccounts(ctx context.Context, merchantID string) ([]models.TrustAccount, error) {
	query := `SELECT ` + trustAccountColumns + ` FROM trust_accounts
	WHERE merchant_id = $1 ORDER BY created_at, id`

	rows, err := r.q.QueryContext(ctx, query, merchantID)
	if err != nil {
		return nil, translate("list trust accounts", err)
	}
	defer rows.Close()

	accounts := make([]models.TrustAccount, 0)
	for rows.Next() {
		account, err := scanTrustAccount(rows)
		if err != nil {
			return nil, translate("scan trust account", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list trust accounts", err)
	}
	return accounts, nil
}

func (r reader) GetClientLedger(ctx context.Context, id string) (models.ClientLedger, error) {
	query := `SELECT ` + clientLedgerColumns + ` FROM client_ledgers WHERE id = $1`
	return r.getClientLedger(ctx, query, id)
}

func (r reader) getClientLedger(ctx context.Context, query string, id string) (models.ClientLedger, error) {
	ledger, err := scanClientLedger(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ClientLedger{}, fmt.Errorf("%w: %s", models.ErrLedgerNotFound, id)
	}
	if err != nil {
		return models.ClientLedger{}, translate("get client ledger", err)
	}
	return ledger, nil
}

func (r reader) FindActiveClientLedger(ctx context.Context, trustAccountID, clientID, matterID string) (models.ClientLedger, error) {
	query := `SELECT ` + clientLedgerColumns + ` FROM client_ledgers
	WHERE trust_account_id = $1 AND client_id = $2 AND matter_id = $3 AND status = 'active'`

	ledger, err := scanClientLedger(r.q.QueryRowContext(ctx, query, trustAccountID, clientID, matterID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ClientLedger{}, fmt.Errorf("%w: no active ledger for client %s", models.ErrLedgerNotFound, clientID)
	}
	if err != nil {
		return models.ClientLedger{}, translate("find client ledger", err)
	}
	return ledger, nil
}

func (r reader) ListClientLedgers(ctx context.Context, trustAccountID string) ([]models.ClientLedger, error) {
	query := `SELECT ` + clientLedgerColumns + ` FROM client_ledgers
	WHERE trust_account_id = $1 ORDER BY created_at, id`

	rows, err := r.q.QueryContext(ctx, query, trustAccountID)
	if err != nil {
		return nil, translate("list client ledgers", err)
	}
	defer rows.Close()

	ledgers := make([]models.ClientLedger, 0)
	for rows.Next() {
		ledger, err := scanClientLedger(rows)
		if err != nil {
			return nil, translate("scan client ledger", err)
		}
		ledgers = append(ledgers, ledger)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list client ledgers", err)
	}
	return ledgers, nil
}

func (r reader) ListTransactions(ctx context.Context, clientLedgerID string) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
	WHERE client_ledger_id = $1 ORDER BY created_at, seq`

	return r.queryTransactions(ctx, "list transactions", query, clientLedgerID)
}

func (r reader) ListRecentTransactions(ctx context.Context, trustAccountID string, asOf time.Time, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
	WHERE trust_account_id = $1 AND created_at <= $2
	ORDER BY created_at DESC, seq DESC LIMIT $3`

	// LIMIT NULL means no limit
	bound := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	return r.queryTransactions(ctx, "list recent transactions", query, trustAccountID, asOf, bound)
}

func (r reader) queryTransactions(ctx context.Context, op, query string, args ...any) ([]models.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()

	txns := make([]models.Transaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, translate("scan transaction", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(op, err)
	}
	return txns, nil
}

func scanTrustAccount(row rowScanner) (models.TrustAccount, error) {
	var a models.TrustAccount
	err := row.Scan(
		&a.ID,
		&a.MerchantID,
		&a.Name,
		&a.BankName,
		&a.BankAccountRef,
		&a.Jurisdiction,
		&a.Currency,
		&a.Balance,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

func scanClientLedger(row rowScanner) (models.ClientLedger, error) {
	var (
		l      models.ClientLedger
		status string
	)
	err := row.Scan(
		&l.ID,
		&l.TrustAccountID,
		&l.ClientID,
		&l.MatterID,
		&l.ClientName,
		&l.Jurisdiction,
		&status,
		&l.Balance,
		&l.Version,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	l.Status = models.LedgerStatus(status)
	return l, err
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		t              models.Transaction
		txnType        string
		metadata       []byte
		idempotencyKey sql.NullString
	)
	err := row.Scan(
		&t.ID,
		&t.Sequence,
		&t.ClientLedgerID,
		&t.TrustAccountID,
		&txnType,
		&t.Amount,
		&t.BalanceAfter,
		&t.Description,
		&t.Reference,
		&metadata,
		&idempotencyKey,
		&t.CreatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Type = models.TransactionType(txnType)
	t.IdempotencyKey = idempotencyKey.String
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return t, fmt.Errorf("decode metadata of transaction %s: %w", t.ID, err)
		}
	}
	return t, nil
}
