package iolta

import (
	"context"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/ledger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Statement is a client ledger's activity over a period. Both bounds are
// inclusive; a nil bound is open.
type Statement struct {
	Ledger         models.ClientLedger  `json:"ledger"`
	Start          *time.Time           `json:"start,omitempty"`
	End            *time.Time           `json:"end,omitempty"`
	OpeningBalance decimal.Decimal      `json:"opening_balance"`
	Lines          []models.Transaction `json:"lines"`
	TotalCredits   decimal.Decimal      `json:"total_credits"`
	TotalDebits    decimal.Decimal      `json:"total_debits"`
	PeriodNet      decimal.Decimal      `json:"period_net"`
	// PeriodEndBalance is the balance after the last line. It equals
	// ClosingBalance whenever the period reaches the latest transaction.
	PeriodEndBalance decimal.Decimal `json:"period_end_balance"`
	// ClosingBalance is the ledger's current authoritative balance.
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	// Consistent reports whether replaying the full history reproduces the
	// cached balance.
	Consistent  bool      `json:"consistent"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (s *Service) GetClientLedgerStatement(ctx context.Context, ledgerID string, start, end *time.Time) (*Statement, error) {
	if ledgerID == "" {
		return nil, fmt.Errorf("%w: ledger id is required", models.ErrInvalidInput)
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, fmt.Errorf("%w: statement end %s is before start %s",
			models.ErrInvalidInput, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var (
		l    models.ClientLedger
		txns []models.Transaction
	)
	err := s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		var err error
		if l, err = r.GetClientLedger(ctx, ledgerID); err != nil {
			return err
		}
		txns, err = r.ListTransactions(ctx, ledgerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var before []models.Transaction
	lines := make([]models.Transaction, 0)
	for _, txn := range txns {
		switch {
		case start != nil && txn.CreatedAt.Before(*start):
			before = append(before, txn)
		case end != nil && txn.CreatedAt.After(*end):
			// after the period
		default:
			lines = append(lines, txn)
		}
	}

	opening, err := ledger.ComputeLedgerBalance(before)
	if err != nil {
		return nil, err
	}
	period, err := ledger.ComputeLedgerBalance(lines)
	if err != nil {
		return nil, err
	}
	verification, err := ledger.Verify(txns, l.Balance)
	if err != nil {
		return nil, err
	}

	credits, debits := decimal.Zero, decimal.Zero
	for _, txn := range lines {
		if txn.Type.IsCredit() {
			credits = credits.Add(txn.Amount)
		} else {
			debits = debits.Add(txn.Amount)
		}
	}

	stmt := &Statement{
		Ledger:           l,
		Start:            start,
		End:              end,
		OpeningBalance:   models.RoundCents(opening.Balance),
		Lines:            lines,
		TotalCredits:     models.RoundCents(credits),
		TotalDebits:      models.RoundCents(debits),
		PeriodNet:        models.RoundCents(period.Balance),
		PeriodEndBalance: models.RoundCents(opening.Balance.Add(period.Balance)),
		ClosingBalance:   l.Balance,
		Consistent:       !verification.BalanceDrift,
		GeneratedAt:      s.now().UTC(),
	}

	if !verification.Healthy() {
		logger.FromContext(ctx, s.log).Error("client ledger history disagrees with cached balance",
			zap.String("client_ledger_id", l.ID),
			zap.String("cached_balance", l.Balance.StringFixed(models.CentsScale)),
			zap.String("computed_balance", verification.Computed.StringFixed(models.CentsScale)),
			zap.Int("snapshot_drifts", len(verification.SnapshotDrifts)),
		)
	}
	return stmt, nil
}
