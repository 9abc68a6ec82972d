package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownJurisdiction is recorded when no jurisdiction is supplied.
// Reconciliation groups by jurisdiction, so it is never left empty.
const UnknownJurisdiction = "Unknown"

// DefaultCurrency is used when a trust account is created without one.
const DefaultCurrency = "USD"

// TrustAccount is a pooled IOLTA bank account owned by a firm.
// Balance must always equal the sum of its client ledger balances.
type TrustAccount struct {
	ID             string          `json:"id"`
	MerchantID     string          `json:"merchant_id"`
	Name           string          `json:"name"`
	BankName       string          `json:"bank_name,omitempty"`
	BankAccountRef string          `json:"bank_account_ref"`
	Jurisdiction   string          `json:"jurisdiction"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
