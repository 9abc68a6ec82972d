package reconciliation

import (
	"context"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultRecentLimit bounds the recent transaction list of a report.
const DefaultRecentLimit = 20

type Status string

const (
	StatusBalanced   Status = "balanced"
	StatusUnbalanced Status = "unbalanced"
)

// Flag codes raised by a reconciliation run.
const (
	FlagClosedWithBalance = "CLOSED_LEDGER_WITH_BALANCE"
	FlagNegativeBalance   = "NEGATIVE_LEDGER_BALANCE"
)

type ReconcileRequest struct {
	TrustAccountID string
	// AsOf bounds the recent transaction list. Zero means now.
	AsOf time.Time
	// BankBalance is the balance asserted by the bank statement. When set the
	// account balance must match it as well.
	BankBalance *decimal.Decimal
	// RecentLimit overrides the reporter default when positive.
	RecentLimit int
}

type LedgerBalance struct {
	ClientLedgerID string              `json:"client_ledger_id"`
	ClientID       string              `json:"client_id"`
	MatterID       string              `json:"matter_id,omitempty"`
	ClientName     string              `json:"client_name,omitempty"`
	Jurisdiction   string              `json:"jurisdiction"`
	Status         models.LedgerStatus `json:"status"`
	Balance        decimal.Decimal     `json:"balance"`
}

type Flag struct {
	Code           string          `json:"code"`
	ClientLedgerID string          `json:"client_ledger_id"`
	Balance        decimal.Decimal `json:"balance"`
	Message        string          `json:"message"`
}

// Discrepancy is present only on unbalanced reports.
type Discrepancy struct {
	Difference     decimal.Decimal  `json:"difference"`
	BankDifference *decimal.Decimal `json:"bank_difference,omitempty"`
}

type Report struct {
	Account             models.TrustAccount        `json:"account"`
	Status              Status                     `json:"status"`
	IsBalanced          bool                       `json:"is_balanced"`
	Ledgers             []LedgerBalance            `json:"ledgers"`
	TotalClientBalances decimal.Decimal            `json:"total_client_balances"`
	Difference          decimal.Decimal            `json:"difference"`
	BankBalance         *decimal.Decimal           `json:"bank_balance,omitempty"`
	BankDifference      *decimal.Decimal           `json:"bank_difference,omitempty"`
	Discrepancy         *Discrepancy               `json:"discrepancy,omitempty"`
	ByJurisdiction      map[string]decimal.Decimal `json:"by_jurisdiction"`
	Flags               []Flag                     `json:"flags"`
	RecentTransactions  []models.Transaction       `json:"recent_transactions"`
	AsOf                time.Time                  `json:"as_of"`
	GeneratedAt         time.Time                  `json:"generated_at"`
}

// Reporter compares a trust account's balance with the sum of its client
// ledgers. Imbalance is a result, not an error.
type Reporter struct {
	store       interfaces.LedgerStore
	publisher   interfaces.EventPublisher
	log         *zap.Logger
	now         func() time.Time
	recentLimit int
}

type Option func(*Reporter)

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(r *Reporter) { r.publisher = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Reporter) { r.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func WithRecentLimit(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.recentLimit = n
		}
	}
}

func NewReporter(store interfaces.LedgerStore, opts ...Option) *Reporter {
	r := &Reporter{
		store:       store,
		log:         zap.NewNop(),
		now:         time.Now,
		recentLimit: DefaultRecentLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile builds the report from a single consistent read. Only storage
// failures and unknown accounts return an error.
func (r *Reporter) Reconcile(ctx context.Context, req ReconcileRequest) (*Report, error) {
	if req.TrustAccountID == "" {
		return nil, fmt.Errorf("%w: trust account id is required", models.ErrInvalidInput)
	}
	if req.BankBalance != nil && models.HasSubCentPrecision(*req.BankBalance) {
		return nil, fmt.Errorf("%w: bank balance %s has more than %d decimal places",
			models.ErrInvalidAmount, req.BankBalance.String(), models.CentsScale)
	}
	generatedAt := r.now().UTC()
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = generatedAt
	}
	limit := req.RecentLimit
	if limit <= 0 {
		limit = r.recentLimit
	}

	var (
		account models.TrustAccount
		ledgers []models.ClientLedger
		recent  []models.Transaction
	)
	err := r.store.ReadSnapshot(ctx, func(rd interfaces.LedgerReader) error {
		var err error
		if account, err = rd.GetTrustAccount(ctx, req.TrustAccountID); err != nil {
			return err
		}
		if ledgers, err = rd.ListClientLedgers(ctx, req.TrustAccountID); err != nil {
			return err
		}
		recent, err = rd.ListRecentTransactions(ctx, req.TrustAccountID, asOf, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := Build(account, ledgers, recent, req.BankBalance)
	report.AsOf = asOf
	report.GeneratedAt = generatedAt

	log := logger.FromContext(ctx, r.log).With(zap.String("trust_account_id", account.ID))
	if report.IsBalanced {
		log.Debug("trust account balanced",
			zap.String("balance", account.Balance.StringFixed(models.CentsScale)),
			zap.Int("flags", len(report.Flags)))
		return report, nil
	}

	fields := []zap.Field{
		zap.String("account_balance", account.Balance.StringFixed(models.CentsScale)),
		zap.String("total_client_balances", report.TotalClientBalances.StringFixed(models.CentsScale)),
		zap.String("difference", report.Difference.StringFixed(models.CentsScale)),
	}
	if report.BankDifference != nil {
		fields = append(fields, zap.String("bank_difference", report.BankDifference.StringFixed(models.CentsScale)))
	}
	log.Warn("trust account out of balance", fields...)
	r.publishDiscrepancy(ctx, log, report)
	return report, nil
}

// Build computes a report from already loaded state. It is pure; AsOf and
// GeneratedAt are left for the caller.
func Build(account models.TrustAccount, ledgers []models.ClientLedger, recent []models.Transaction, bankBalance *decimal.Decimal) *Report {
	report := &Report{
		Account:             account,
		Ledgers:             make([]LedgerBalance, 0, len(ledgers)),
		TotalClientBalances: decimal.Zero,
		ByJurisdiction:      make(map[string]decimal.Decimal),
		Flags:               make([]Flag, 0),
		RecentTransactions:  recent,
	}
	if report.RecentTransactions == nil {
		report.RecentTransactions = make([]models.Transaction, 0)
	}

	for _, l := range ledgers {
		report.Ledgers = append(report.Ledgers, LedgerBalance{
			ClientLedgerID: l.ID,
			ClientID:       l.ClientID,
			MatterID:       l.MatterID,
			ClientName:     l.ClientName,
			Jurisdiction:   l.Jurisdiction,
			Status:         l.Status,
			Balance:        l.Balance,
		})
		report.TotalClientBalances = report.TotalClientBalances.Add(l.Balance)

		jurisdiction := l.Jurisdiction
		if jurisdiction == "" {
			jurisdiction = models.UnknownJurisdiction
		}
		report.ByJurisdiction[jurisdiction] = report.ByJurisdiction[jurisdiction].Add(l.Balance)

		switch {
		case l.Balance.IsNegative():
			report.Flags = append(report.Flags, Flag{
				Code:           FlagNegativeBalance,
				ClientLedgerID: l.ID,
				Balance:        l.Balance,
				Message:        "client ledger balance is negative",
			})
		case !l.IsActive() && !l.Balance.IsZero():
			report.Flags = append(report.Flags, Flag{
				Code:           FlagClosedWithBalance,
				ClientLedgerID: l.ID,
				Balance:        l.Balance,
				Message:        "closed client ledger still holds funds",
			})
		}
	}

	report.TotalClientBalances = models.RoundCents(report.TotalClientBalances)
	report.Difference = models.RoundCents(account.Balance.Sub(report.TotalClientBalances))
	report.IsBalanced = report.Difference.IsZero()

	if bankBalance != nil {
		bank := models.RoundCents(*bankBalance)
		bankDiff := models.RoundCents(bank.Sub(account.Balance))
		report.BankBalance = &bank
		report.BankDifference = &bankDiff
		report.IsBalanced = report.IsBalanced && bankDiff.IsZero()
	}

	report.Status = StatusBalanced
	if !report.IsBalanced {
		report.Status = StatusUnbalanced
		report.Discrepancy = &Discrepancy{
			Difference:     report.Difference,
			BankDifference: report.BankDifference,
		}
	}
	return report
}

func (r *Reporter) publishDiscrepancy(ctx context.Context, log *zap.Logger, report *Report) {
	if r.publisher == nil {
		return
	}
	event := events.ReconciliationDiscrepancy{
		TrustAccountID:      report.Account.ID,
		AccountBalance:      report.Account.Balance,
		TotalClientBalances: report.TotalClientBalances,
		Difference:          report.Difference,
		BankBalance:         report.BankBalance,
		BankDifference:      report.BankDifference,
		DetectedAt:          report.GeneratedAt,
	}
	if err := r.publisher.Publish(ctx, events.TopicReconciliationDiscrepancy, report.Account.ID, event); err != nil {
		log.Error("failed to publish reconciliation discrepancy", zap.Error(err))
	}
}
