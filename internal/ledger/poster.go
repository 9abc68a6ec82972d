package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// Poster is the only writer of transactions. It serializes postings per
// client ledger and applies the transaction row, the ledger balance and the
// trust account balance as one atomic unit.
type Poster struct {
	store       interfaces.LedgerStore
	publisher   interfaces.EventPublisher
	log         *zap.Logger
	now         func() time.Time
	newID       func() string
	maxAttempts int

	muMap map[string]*ledgerLock // one lock per client ledger id
	mapMu sync.Mutex             // protects muMap
}

type ledgerLock struct {
	sem  chan struct{}
	refs int
}

type PosterOption func(*Poster)

func WithPublisher(p interfaces.EventPublisher) PosterOption {
	return func(po *Poster) { po.publisher = p }
}

func WithLogger(l *zap.Logger) PosterOption {
	return func(po *Poster) { po.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) PosterOption {
	return func(po *Poster) { po.now = now }
}

func WithIDGenerator(newID func() string) PosterOption {
	return func(po *Poster) { po.newID = newID }
}

// WithMaxAttempts bounds how often a posting is attempted when it loses a
// concurrency race. Values below 1 are ignored.
func WithMaxAttempts(n int) PosterOption {
	return func(po *Poster) {
		if n >= 1 {
			po.maxAttempts = n
		}
	}
}

func NewPoster(store interfaces.LedgerStore, opts ...PosterOption) *Poster {
	p := &Poster{
		store:       store,
		log:         zap.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
		muMap:       make(map[string]*ledgerLock),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PostRequest describes one money movement on a client ledger.
type PostRequest struct {
	ClientLedgerID string
	TrustAccountID string
	Amount         decimal.Decimal
	Type           models.TransactionType
	Description    string
	Reference      string
	Metadata       map[string]string
	// IdempotencyKey is optional. A repeated key with the same amount and type
	// returns the original transaction instead of posting again.
	IdempotencyKey string
}

type PostResult struct {
	Transaction models.Transaction `json:"transaction"`
	Ledger      models.ClientLedger `json:"ledger"`
	Replayed    bool                `json:"replayed"`
}

// lockLedger blocks until the caller owns the ledger's lock or ctx is done.
func (p *Poster) lockLedger(ctx context.Context, ledgerID string) (func(), error) {
	p.mapMu.Lock() // lock the map while looking up or creating the ledger's lock
	l, ok := p.muMap[ledgerID]
	if !ok {
		l = &ledgerLock{sem: make(chan struct{}, 1)} // buffered with one slot, acts as a mutex
		p.muMap[ledgerID] = l
	}
	l.refs++ // count waiters so the entry is not dropped while someone still needs it
	p.mapMu.Unlock()

	release := func() {
		p.mapMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.muMap, ledgerID) // last user gone, keep the map from growing
		}
		p.mapMu.Unlock()
	}

	// only one ledger lock is ever held at a time, so lock order cannot deadlock
	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// PostTransaction validates req, then posts it under the ledger's lock.
// Lost concurrency races are retried up to the configured attempt limit;
// every other failure is returned as is and leaves no writes behind.
func (p *Poster) PostTransaction(ctx context.Context, req PostRequest) (*PostResult, error) {
	if err := ValidatePostRequest(req); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx, p.log).With(
		zap.String("client_ledger_id", req.ClientLedgerID),
		zap.String("trust_account_id", req.TrustAccountID),
		zap.String("transaction_type", string(req.Type)),
		zap.String("amount", req.Amount.StringFixed(models.CentsScale)),
	)

	unlock, err := p.lockLedger(ctx, req.ClientLedgerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *PostResult
	for attempt := 1; ; attempt++ {
		result, err = p.postOnce(ctx, req)
		if err == nil || !errors.Is(err, models.ErrConcurrencyConflict) || attempt >= p.maxAttempts {
			break
		}
		log.Warn("posting lost a concurrency race, retrying", zap.Int("attempt", attempt))
	}
	if err != nil {
		if models.KindOf(err) == models.KindStorage {
			log.Error("posting failed", zap.Error(err))
		} else {
			log.Info("posting rejected", zap.String("code", models.CodeOf(err)), zap.Error(err))
		}
		return nil, err
	}

	if result.Replayed {
		log.Info("idempotent replay", zap.String("transaction_id", result.Transaction.ID))
		return result, nil
	}
	log.Info("transaction posted",
		zap.String("transaction_id", result.Transaction.ID),
		zap.String("balance_after", result.Transaction.BalanceAfter.StringFixed(models.CentsScale)),
	)
	p.publishPosted(ctx, log, result.Transaction)
	return result, nil
}

func (p *Poster) postOnce(ctx context.Context, req PostRequest) (*PostResult, error) {
	var result PostResult
	err := p.store.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		ledger, err := tx.LockClientLedger(ctx, req.ClientLedgerID)
		if err != nil {
			return err
		}
		if ledger.TrustAccountID != req.TrustAccountID {
			return fmt.Errorf("%w: ledger %s belongs to trust account %s, not %s",
				models.ErrTrustAccountMismatch, ledger.ID, ledger.TrustAccountID, req.TrustAccountID)
		}

		// idempotency is checked under the ledger lock, so a retried request
		// either sees the first posting or is the first posting
		if req.IdempotencyKey != "" {
			existing, err := tx.FindTransactionByIdempotencyKey(ctx, ledger.ID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				// same key with a different movement is a client bug, not a replay
				if existing.Type != req.Type || !existing.Amount.Equal(req.Amount) {
					return fmt.Errorf("%w: key %q", models.ErrIdempotencyConflict, req.IdempotencyKey)
				}
				result = PostResult{Transaction: *existing, Ledger: ledger, Replayed: true}
				return nil
			}
		}

		if !ledger.IsActive() {
			return fmt.Errorf("%w: %s", models.ErrLedgerClosed, ledger.ID)
		}
		if req.Type.IsDebit() && req.Amount.GreaterThan(ledger.Balance) {
			return &models.InsufficientFundsError{
				LedgerID:  ledger.ID,
				Available: ledger.Balance,
				Requested: req.Amount,
			}
		}

		newBalance, err := ApplyTransaction(ledger.Balance, req.Type, req.Amount)
		if err != nil {
			return err
		}
		delta, err := SignedAmount(req.Type, req.Amount)
		if err != nil {
			return err
		}

		now := p.now().UTC().Truncate(time.Microsecond)
		// creation order must follow the balance_after chain even if the clock steps back
		if now.Before(ledger.UpdatedAt) {
			now = ledger.UpdatedAt
		}

		txn := models.Transaction{
			ID:             p.newID(),
			ClientLedgerID: ledger.ID,
			TrustAccountID: ledger.TrustAccountID,
			Type:           req.Type,
			Amount:         models.RoundCents(req.Amount),
			BalanceAfter:   models.RoundCents(newBalance),
			Description:    req.Description,
			Reference:      req.Reference,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		// transaction row first, then the ledger, then the account; all or nothing
		if err := tx.InsertTransaction(ctx, &txn); err != nil {
			return err
		}
		if err := tx.UpdateClientLedgerBalance(ctx, ledger.ID, ledger.Version, txn.BalanceAfter, now); err != nil {
			return err
		}
		if err := tx.AdjustTrustAccountBalance(ctx, ledger.TrustAccountID, delta, now); err != nil {
			return err
		}

		ledger.Balance = txn.BalanceAfter
		ledger.Version++
		ledger.UpdatedAt = now
		result = PostResult{Transaction: txn, Ledger: ledger}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Poster) publishPosted(ctx context.Context, log *zap.Logger, txn models.Transaction) {
	if p.publisher == nil {
		return
	}
	event := events.TransactionPosted{
		TransactionID:   txn.ID,
		ClientLedgerID:  txn.ClientLedgerID,
		TrustAccountID:  txn.TrustAccountID,
		TransactionType: string(txn.Type),
		Amount:          txn.Amount,
		BalanceAfter:    txn.BalanceAfter,
		OccurredAt:      txn.CreatedAt,
	}
	if err := p.publisher.Publish(ctx, events.TopicTransactionPosted, txn.ClientLedgerID, event); err != nil {
		log.Error("failed to publish transaction posted event",
			zap.String("transaction_id", txn.ID), zap.Error(err))
	}
}

// ValidatePostRequest checks req without touching the store.
func ValidatePostRequest(req PostRequest) error {
	if strings.TrimSpace(req.ClientLedgerID) == "" || strings.TrimSpace(req.TrustAccountID) == "" {
		return fmt.Errorf("%w: client ledger id and trust account id are required", models.ErrInvalidInput)
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidTransactionType, req.Type)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", models.ErrInvalidAmount, req.Amount.String())
	}
	if models.HasSubCentPrecision(req.Amount) {
		return fmt.Errorf("%w: %s has more than %d decimal places", models.ErrInvalidAmount, req.Amount.String(), models.CentsScale)
	}
	return nil
}
