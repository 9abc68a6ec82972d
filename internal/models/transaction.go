package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType determines the sign a transaction has on its ledger.
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeInterest   TransactionType = "interest"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeFee        TransactionType = "fee"
)

// IsValid reports whether t is one of the known transaction types.
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeInterest, TransactionTypeWithdrawal, TransactionTypeFee:
		return true
	}
	return false
}

// IsCredit reports whether t increases the ledger balance.
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeInterest
}

// IsDebit reports whether t decreases the ledger balance.
func (t TransactionType) IsDebit() bool {
	return t == TransactionTypeWithdrawal || t == TransactionTypeFee
}

// Transaction is an immutable posting against a client ledger.
// Amount is always positive; Type carries the sign.
type Transaction struct {
	ID             string            `json:"id"`
	ClientLedgerID string            `json:"client_ledger_id"`
	TrustAccountID string            `json:"trust_account_id"`
	Type           TransactionType   `json:"transaction_type"`
	Amount         decimal.Decimal   `json:"amount"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	Sequence       int64             `json:"sequence"`
	Description    string            `json:"description,omitempty"`
	Reference      string            `json:"reference,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Before reports whether t sorts before other in ledger order
// (creation time, then insertion sequence).
func (t Transaction) Before(other Transaction) bool {
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.Sequence < other.Sequence
}
