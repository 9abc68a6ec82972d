package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicReconciliationDiscrepancy = "iolta.reconciliation_discrepancy"

// ReconciliationDiscrepancy is emitted whenever a reconciliation run finds
// the trust account out of balance.
type ReconciliationDiscrepancy struct {
	TrustAccountID      string           `json:"trust_account_id"`
	AccountBalance      decimal.Decimal  `json:"account_balance"`
	TotalClientBalances decimal.Decimal  `json:"total_client_balances"`
	Difference          decimal.Decimal  `json:"difference"`
	BankBalance         *decimal.Decimal `json:"bank_balance,omitempty"`
	BankDifference      *decimal.Decimal `json:"bank_difference,omitempty"`
	DetectedAt          time.Time        `json:"detected_at"`
}
