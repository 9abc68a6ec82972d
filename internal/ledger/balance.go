package ledger

import (
	"fmt"

	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// SignedAmount returns the effect of a transaction on its ledger balance.
func SignedAmount(t models.TransactionType, amount decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case t.IsCredit():
		return amount, nil
	case t.IsDebit():
		return amount.Neg(), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", models.ErrInvalidTransactionType, t)
	}
}

// ApplyTransaction is the incremental balance rule. A full recompute is a
// fold of this function, so both paths always agree.
func ApplyTransaction(balance decimal.Decimal, t models.TransactionType, amount decimal.Decimal) (decimal.Decimal, error) {
	delta, err := SignedAmount(t, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Add(delta), nil
}

// Computation is the result of replaying a ledger history.
type Computation struct {
	Balance decimal.Decimal
	// BalanceAfter[i] is the running balance after the i-th transaction.
	BalanceAfter []decimal.Decimal
}

// ComputeLedgerBalance replays txns, which must already be in ledger order,
// starting from zero. An unknown transaction type aborts the replay.
func ComputeLedgerBalance(txns []models.Transaction) (Computation, error) {
	out := Computation{
		Balance:      decimal.Zero,
		BalanceAfter: make([]decimal.Decimal, 0, len(txns)),
	}
	for i, txn := range txns {
		next, err := ApplyTransaction(out.Balance, txn.Type, txn.Amount)
		if err != nil {
			return Computation{}, fmt.Errorf("transaction %d (%s): %w", i, txn.ID, err)
		}
		out.Balance = next
		out.BalanceAfter = append(out.BalanceAfter, next)
	}
	return out, nil
}

// SnapshotDrift is a transaction whose recorded balance_after disagrees with
// the recomputed running balance.
type SnapshotDrift struct {
	TransactionID string          `json:"transaction_id"`
	Recorded      decimal.Decimal `json:"recorded"`
	Computed      decimal.Decimal `json:"computed"`
}

// Verification compares a replayed history with what is stored.
type Verification struct {
	Computed       decimal.Decimal `json:"computed_balance"`
	Cached         decimal.Decimal `json:"cached_balance"`
	BalanceDrift   bool            `json:"balance_drift"`
	SnapshotDrifts []SnapshotDrift `json:"snapshot_drifts,omitempty"`
}

func (v Verification) Healthy() bool {
	return !v.BalanceDrift && len(v.SnapshotDrifts) == 0
}

// Verify replays txns and checks every balance_after snapshot and the cached
// ledger balance against the result.
func Verify(txns []models.Transaction, cached decimal.Decimal) (Verification, error) {
	c, err := ComputeLedgerBalance(txns)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		Computed:     models.RoundCents(c.Balance),
		Cached:       cached,
		BalanceDrift: !models.RoundCents(c.Balance).Equal(cached),
	}
	for i, txn := range txns {
		computed := models.RoundCents(c.BalanceAfter[i])
		if !computed.Equal(txn.BalanceAfter) {
			v.SnapshotDrifts = append(v.SnapshotDrifts, SnapshotDrift{
				TransactionID: txn.ID,
				Recorded:      txn.BalanceAfter,
				Computed:      computed,
			})
		}
	}
	return v, nil
}
