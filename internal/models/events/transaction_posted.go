package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicTransactionPosted = "iolta.transaction_posted"

type TransactionPosted struct {
	TransactionID   string          `json:"transaction_id"`
	ClientLedgerID  string          `json:"client_ledger_id"`
	TrustAccountID  string          `json:"trust_account_id"`
	TransactionType string          `json:"transaction_type"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
