package iolta

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/ledger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/reconciliation"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service orchestrates trust account and client ledger lifecycles. Every
// money movement goes through the Poster.
type Service struct {
	store    interfaces.LedgerStore
	poster   *ledger.Poster
	reporter *reconciliation.Reporter
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
	newID    func() string

	// maxAttempts bounds how often an applied recompute is retried after
	// losing a race with a posting
	maxAttempts int
}

const defaultMaxAttempts = 3

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithMaxAttempts bounds the attempts of an applied recompute. Values below 1
// are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n >= 1 {
			s.maxAttempts = n
		}
	}
}

func NewService(store interfaces.LedgerStore, poster *ledger.Poster, reporter *reconciliation.Reporter, opts ...Option) *Service {
	s := &Service{
		store:    store,
		poster:   poster,
		reporter: reporter,
		validate: newValidator(),
		log:      zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,

		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) CreateTrustAccount(ctx context.Context, in CreateTrustAccountInput) (*models.TrustAccount, error) {
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	now := s.timestamp()
	account := models.TrustAccount{
		ID:             s.newID(),
		MerchantID:     in.MerchantID,
		Name:           in.Name,
		BankName:       in.BankName,
		BankAccountRef: in.BankAccountRef,
		Jurisdiction:   orDefault(in.Jurisdiction, models.UnknownJurisdiction),
		Currency:       orDefault(in.Currency, models.DefaultCurrency),
		Balance:        decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		return tx.InsertTrustAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx, s.log).Info("trust account created",
		zap.String("trust_account_id", account.ID),
		zap.String("merchant_id", account.MerchantID),
		zap.String("jurisdiction", account.Jurisdiction),
	)
	return &account, nil
}

func (s *Service) GetTrustAccount(ctx context.Context, id string) (*models.TrustAccount, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: trust account id is required", models.ErrInvalidInput)
	}
	var account models.TrustAccount
	err := s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		var err error
		account, err = r.GetTrustAccount(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// ListTrustAccounts returns the accounts of merchantID. Listing is always
// scoped to one merchant.
func (s *Service) ListTrustAccounts(ctx context.Context, merchantID string) ([]models.TrustAccount, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant_id is required", models.ErrInvalidInput)
	}
	var accounts []models.TrustAccount
	err := s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		var err error
		accounts, err = r.ListTrustAccounts(ctx, merchantID)
		return err
	})
	return accounts, err
}

func (s *Service) CreateClientLedger(ctx context.Context, trustAccountID string, in CreateClientLedgerInput) (*models.ClientLedger, error) {
	if strings.TrimSpace(trustAccountID) == "" {
		return nil, fmt.Errorf("%w: trust account id is required", models.ErrInvalidInput)
	}
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	now := s.timestamp()
	l := models.ClientLedger{
		ID:             s.newID(),
		TrustAccountID: trustAccountID,
		ClientID:       in.ClientID,
		MatterID:       in.MatterID,
		ClientName:     in.ClientName,
		Jurisdiction:   orDefault(in.Jurisdiction, models.UnknownJurisdiction),
		Status:         models.LedgerStatusActive,
		Balance:        decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		if _, err := tx.GetTrustAccount(ctx, trustAccountID); err != nil {
			return err
		}
		return tx.InsertClientLedger(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx, s.log).Info("client ledger created",
		zap.String("client_ledger_id", l.ID),
		zap.String("trust_account_id", l.TrustAccountID),
		zap.String("client_id", l.ClientID),
		zap.String("jurisdiction", l.Jurisdiction),
	)
	return &l, nil
}

// GetClientLedger resolves a ledger in exactly one of the two lookup modes.
func (s *Service) GetClientLedger(ctx context.Context, lookup ClientLedgerLookup) (*models.ClientLedger, error) {
	var find func(r interfaces.LedgerReader) (models.ClientLedger, error)
	switch lookup.By {
	case LookupByLedgerID:
		if strings.TrimSpace(lookup.LedgerID) == "" {
			return nil, fmt.Errorf("%w: ledger id is required", models.ErrInvalidInput)
		}
		find = func(r interfaces.LedgerReader) (models.ClientLedger, error) {
			return r.GetClientLedger(ctx, lookup.LedgerID)
		}
	case LookupByClientID:
		if strings.TrimSpace(lookup.TrustAccountID) == "" || strings.TrimSpace(lookup.ClientID) == "" {
			return nil, fmt.Errorf("%w: trust account id and client id are required", models.ErrInvalidInput)
		}
		find = func(r interfaces.LedgerReader) (models.ClientLedger, error) {
			if _, err := r.GetTrustAccount(ctx, lookup.TrustAccountID); err != nil {
				return models.ClientLedger{}, err
			}
			return r.FindActiveClientLedger(ctx, lookup.TrustAccountID, lookup.ClientID, lookup.MatterID)
		}
	default:
		return nil, fmt.Errorf("%w: unknown ledger lookup mode %d", models.ErrInvalidInput, lookup.By)
	}

	var l models.ClientLedger
	err := s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		var err error
		l, err = find(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Service) ListClientLedgers(ctx context.Context, trustAccountID string) ([]models.ClientLedger, error) {
	var ledgers []models.ClientLedger
	err := s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		if _, err := r.GetTrustAccount(ctx, trustAccountID); err != nil {
			return err
		}
		var err error
		ledgers, err = r.ListClientLedgers(ctx, trustAccountID)
		return err
	})
	return ledgers, err
}

// CloseClientLedger moves an empty ledger to closed. History is kept and the
// client may open a new ledger afterwards.
func (s *Service) CloseClientLedger(ctx context.Context, id string) (*models.ClientLedger, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: ledger id is required", models.ErrInvalidInput)
	}
	var closed models.ClientLedger
	err := s.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		l, err := tx.LockClientLedger(ctx, id)
		if err != nil {
			return err
		}
		if !l.IsActive() {
			return fmt.Errorf("%w: %s", models.ErrLedgerClosed, id)
		}
		if !l.Balance.IsZero() {
			return fmt.Errorf("%w: %s holds %s", models.ErrLedgerNotEmpty, id, l.Balance.StringFixed(models.CentsScale))
		}
		now := s.timestamp()
		if now.Before(l.UpdatedAt) {
			now = l.UpdatedAt
		}
		if err := tx.UpdateClientLedgerStatus(ctx, id, l.Version, models.LedgerStatusClosed, now); err != nil {
			return err
		}
		l.Status = models.LedgerStatusClosed
		l.Version++
		l.UpdatedAt = now
		closed = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx, s.log).Info("client ledger closed",
		zap.String("client_ledger_id", closed.ID),
		zap.String("trust_account_id", closed.TrustAccountID),
	)
	return &closed, nil
}

// RecordTransaction checks that both the trust account and the ledger exist,
// then hands the posting to the Poster.
func (s *Service) RecordTransaction(ctx context.Context, in RecordTransactionInput) (*ledger.PostResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	req := ledger.PostRequest{
		ClientLedgerID: in.ClientLedgerID,
		TrustAccountID: in.TrustAccountID,
		Amount:         in.Amount,
		Type:           in.Type,
		Description:    strings.TrimSpace(in.Description),
		Reference:      strings.TrimSpace(in.Reference),
		Metadata:       in.Metadata,
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
	}
	if err := ledger.ValidatePostRequest(req); err != nil {
		return nil, err
	}

	err := s.store.ReadSnapshot(ctx, func(r interfaces.LedgerReader) error {
		if _, err := r.GetTrustAccount(ctx, req.TrustAccountID); err != nil {
			return err
		}
		_, err := r.GetClientLedger(ctx, req.ClientLedgerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.poster.PostTransaction(ctx, req)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
