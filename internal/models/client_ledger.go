package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerStatus string

const (
	LedgerStatusActive LedgerStatus = "active"
	LedgerStatusClosed LedgerStatus = "closed"
)

// ClientLedger tracks one client's (or matter's) share of a trust account.
// Balance is a cache of the signed sum of its transactions and is only
// written by the transaction poster. Version increments on every balance
// or status change and backs compare-and-swap updates.
type ClientLedger struct {
	ID             string          `json:"id"`
	TrustAccountID string          `json:"trust_account_id"`
	ClientID       string          `json:"client_id"`
	MatterID       string          `json:"matter_id,omitempty"`
	ClientName     string          `json:"client_name,omitempty"`
	Jurisdiction   string          `json:"jurisdiction"`
	Status         LedgerStatus    `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (l ClientLedger) IsActive() bool {
	return l.Status == LedgerStatusActive
}
