package iolta

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/ledger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/reconciliation"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RecomputeOptions struct {
	// Apply rewrites drifted cached balances. Without it the run only reports.
	Apply bool
	// BankBalance is passed through to the reconciliation that follows.
	BankBalance *decimal.Decimal
}

type LedgerRecompute struct {
	ClientLedgerID string              `json:"client_ledger_id"`
	Verification   ledger.Verification `json:"verification"`
	Repaired       bool                `json:"repaired"`
}

type RecomputeResult struct {
	TrustAccountID       string                 `json:"trust_account_id"`
	Applied              bool                   `json:"applied"`
	Ledgers              []LedgerRecompute      `json:"ledgers"`
	AccountBalanceBefore decimal.Decimal        `json:"account_balance_before"`
	AccountBalanceAfter  decimal.Decimal        `json:"account_balance_after"`
	AccountRepaired      bool                   `json:"account_repaired"`
	Report               *reconciliation.Report `json:"report"`
}

// Healthy reports whether no drift of any kind was found.
func (r RecomputeResult) Healthy() bool {
	for _, l := range r.Ledgers {
		if !l.Verification.Healthy() {
			return false
		}
	}
	return r.AccountBalanceBefore.Equal(r.AccountBalanceAfter)
}

// RecomputeAndReconcile replays every ledger of the trust account from its
// full history and then reconciles the account. With Apply it rewrites cached
// ledger balances and the account balance to the recomputed values; recorded
// transactions are never modified. On a healthy account nothing is written.
func (s *Service) RecomputeAndReconcile(ctx context.Context, trustAccountID string, opts RecomputeOptions) (*RecomputeResult, error) {
	if trustAccountID == "" {
		return nil, fmt.Errorf("%w: trust account id is required", models.ErrInvalidInput)
	}
	log := logger.FromContext(ctx, s.log).With(
		zap.String("trust_account_id", trustAccountID),
		zap.Bool("apply", opts.Apply),
	)

	var (
		result *RecomputeResult
		err    error
	)
	if opts.Apply {
		for attempt := 1; ; attempt++ {
			err = s.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
				result, err = s.recompute(ctx, trustAccountID, tx, tx)
				return err
			})
			if err == nil || !errors.Is(err, models.ErrConcurrencyConflict) || attempt >= s.maxAttempts {
				break
			}
			log.Warn("recompute lost a concurrency race, retrying", zap.Int("attempt", attempt))
		}
	} else {
		err = s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
			result, err = s.recompute(ctx, trustAccountID, r, nil)
			return err
		})
	}
	if err != nil {
		log.Error("recompute failed", zap.Error(err))
		return nil, err
	}

	for _, l := range result.Ledgers {
		if l.Verification.Healthy() {
			continue
		}
		log.Warn("client ledger drift",
			zap.String("client_ledger_id", l.ClientLedgerID),
			zap.String("cached_balance", l.Verification.Cached.StringFixed(models.CentsScale)),
			zap.String("computed_balance", l.Verification.Computed.StringFixed(models.CentsScale)),
			zap.Int("snapshot_drifts", len(l.Verification.SnapshotDrifts)),
			zap.Bool("repaired", l.Repaired),
		)
	}
	if result.AccountRepaired {
		log.Info("trust account balance rewritten",
			zap.String("before", result.AccountBalanceBefore.StringFixed(models.CentsScale)),
			zap.String("after", result.AccountBalanceAfter.StringFixed(models.CentsScale)),
		)
	}

	report, err := s.reporter.Reconcile(ctx, reconciliation.ReconcileRequest{
		TrustAccountID: trustAccountID,
		BankBalance:    opts.BankBalance,
	})
	if err != nil {
		return nil, err
	}
	result.Report = report
	return result, nil
}

// recompute verifies every ledger of the account. When tx is non-nil the
// drifted balances are rewritten through it.
func (s *Service) recompute(ctx context.Context, trustAccountID string, r interfaces.LedgerReader, tx interfaces.LedgerTx) (*RecomputeResult, error) {
	getAccount, load := r.GetTrustAccount, r.GetClientLedger
	if tx != nil {
		// the account is locked before its ledgers are listed, so no ledger
		// can be added or funded behind the absolute balance written below
		getAccount, load = tx.LockTrustAccount, tx.LockClientLedger
	}

	account, err := getAccount(ctx, trustAccountID)
	if err != nil {
		return nil, err
	}
	listed, err := r.ListClientLedgers(ctx, trustAccountID)
	if err != nil {
		return nil, err
	}

	result := &RecomputeResult{
		TrustAccountID:       trustAccountID,
		Applied:              tx != nil,
		Ledgers:              make([]LedgerRecompute, 0, len(listed)),
		AccountBalanceBefore: account.Balance,
	}
	total := decimal.Zero
	for _, item := range listed {
		// ledgers are loaded in a stable order so concurrent runs lock alike
		l, err := load(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		txns, err := r.ListTransactions(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		v, err := ledger.Verify(txns, l.Balance)
		if err != nil {
			return nil, fmt.Errorf("client ledger %s: %w", l.ID, err)
		}
		total = total.Add(v.Computed)

		entry := LedgerRecompute{ClientLedgerID: l.ID, Verification: v}
		if tx != nil && v.BalanceDrift {
			if err := tx.UpdateClientLedgerBalance(ctx, l.ID, l.Version, v.Computed, s.updateTime(l.UpdatedAt)); err != nil {
				return nil, err
			}
			entry.Repaired = true
		}
		result.Ledgers = append(result.Ledgers, entry)
	}

	total = models.RoundCents(total)
	result.AccountBalanceAfter = account.Balance
	if !account.Balance.Equal(total) {
		result.AccountBalanceAfter = total
		if tx != nil {
			if err := tx.SetTrustAccountBalance(ctx, account.ID, total, s.updateTime(account.UpdatedAt)); err != nil {
				return nil, err
			}
			result.AccountRepaired = true
		}
	}
	return result, nil
}

// updateTime never moves a row's updated_at backwards.
func (s *Service) updateTime(last time.Time) time.Time {
	now := s.timestamp()
	if now.Before(last) {
		return last
	}
	return now
}
