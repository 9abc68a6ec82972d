package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// memoryTx is a private staging area over the committed store. Reads see the
// committed state with the unit's own writes layered on top.
type memoryTx struct {
	store *MemoryLedgerStore

	accounts      map[string]models.TrustAccount // staged new accounts
	newAccountIDs []string
	accountOps    []accountOp

	ledgers      map[string]models.ClientLedger // staged new or changed ledgers
	newLedgerIDs map[string]bool
	readVersions map[string]int64 // committed version of every ledger locked or changed

	lockedAccounts map[string]accountLock // committed state of every account locked

	transactions []models.Transaction
}

// accountLock is what a locked trust account looked like when it was locked.
// The commit fails if either part moved in the meantime.
type accountLock struct {
	balance   decimal.Decimal
	ledgerIDs []string
}

type accountOp struct {
	id     string
	amount decimal.Decimal
	set    bool
	at     time.Time
}

func newMemoryTx(store *MemoryLedgerStore) *memoryTx {
	return &memoryTx{
		store:        store,
		accounts:     make(map[string]models.TrustAccount),
		ledgers:      make(map[string]models.ClientLedger),
		newLedgerIDs: make(map[string]bool),
		readVersions: make(map[string]int64),

		lockedAccounts: make(map[string]accountLock),
	}
}

func (t *memoryTx) committed(fn func(r committedReader)) {
	t.store.mu.RLock()         // read lock only, the unit never writes the store directly
	defer t.store.mu.RUnlock() // unlock automatically when fn returns
	fn(committedReader{m: t.store})
}

func (t *memoryTx) applyAccountOps(a models.TrustAccount) models.TrustAccount {
	for _, op := range t.accountOps {
		if op.id != a.ID {
			continue
		}
		if op.set {
			a.Balance = op.amount
		} else {
			a.Balance = a.Balance.Add(op.amount)
		}
		a.Balance = models.RoundCents(a.Balance)
		a.UpdatedAt = op.at
	}
	return a
}

func (t *memoryTx) GetTrustAccount(ctx context.Context, id string) (models.TrustAccount, error) {
	a, ok := t.accounts[id]
	if !ok {
		var err error
		t.committed(func(r committedReader) { a, err = r.GetTrustAccount(ctx, id) })
		if err != nil {
			return models.TrustAccount{}, err
		}
	}
	return t.applyAccountOps(a), nil
}

func (t *memoryTx) ListTrustAccounts(ctx context.Context, merchantID string) ([]models.TrustAccount, error) {
	var out []models.TrustAccount
	t.committed(func(r committedReader) { out, _ = r.ListTrustAccounts(ctx, merchantID) })
	for _, id := range t.newAccountIDs {
		if a := t.accounts[id]; a.MerchantID == merchantID {
			out = append(out, a)
		}
	}
	for i := range out {
		out[i] = t.applyAccountOps(out[i])
	}
	sortAccounts(out)
	return out, nil
}

func (t *memoryTx) GetClientLedger(ctx context.Context, id string) (models.ClientLedger, error) {
	if l, ok := t.ledgers[id]; ok {
		return l, nil
	}
	var (
		l   models.ClientLedger
		err error
	)
	t.committed(func(r committedReader) { l, err = r.GetClientLedger(ctx, id) })
	return l, err
}

func (t *memoryTx) FindActiveClientLedger(ctx context.Context, trustAccountID, clientID, matterID string) (models.ClientLedger, error) {
	ledgers, _ := t.ListClientLedgers(ctx, trustAccountID)
	return findActive(ledgers, clientID, matterID)
}

func (t *memoryTx) ListClientLedgers(ctx context.Context, trustAccountID string) ([]models.ClientLedger, error) {
	var committed []models.ClientLedger
	t.committed(func(r committedReader) { committed, _ = r.ListClientLedgers(ctx, trustAccountID) })
	out := make([]models.ClientLedger, 0, len(committed))
	for _, l := range committed {
		if staged, ok := t.ledgers[l.ID]; ok {
			l = staged
		}
		out = append(out, l)
	}
	for id := range t.newLedgerIDs {
		if l := t.ledgers[id]; l.TrustAccountID == trustAccountID {
			out = append(out, l)
		}
	}
	sortLedgers(out)
	return out, nil
}

func (t *memoryTx) ListTransactions(ctx context.Context, clientLedgerID string) ([]models.Transaction, error) {
	var out []models.Transaction
	t.committed(func(r committedReader) { out, _ = r.ListTransactions(ctx, clientLedgerID) })
	for _, txn := range t.transactions {
		if txn.ClientLedgerID == clientLedgerID {
			out = append(out, txn)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return cloneTransactions(out), nil
}

func (t *memoryTx) ListRecentTransactions(ctx context.Context, trustAccountID string, asOf time.Time, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	t.committed(func(r committedReader) { out, _ = r.ListRecentTransactions(ctx, trustAccountID, asOf, 0) })
	for _, txn := range t.transactions {
		if txn.TrustAccountID == trustAccountID && !txn.CreatedAt.After(asOf) {
			out = append(out, txn)
		}
	}
	return newestFirst(out, limit), nil
}

func (t *memoryTx) InsertTrustAccount(ctx context.Context, account models.TrustAccount) error {
	if _, err := t.GetTrustAccount(ctx, account.ID); err == nil {
		return fmt.Errorf("%w: id %s", models.ErrDuplicateTrustAccount, account.ID)
	}
	existing, _ := t.ListTrustAccounts(ctx, account.MerchantID)
	for _, a := range existing {
		if a.BankAccountRef == account.BankAccountRef {
			return fmt.Errorf("%w: %s", models.ErrDuplicateTrustAccount, account.BankAccountRef)
		}
	}
	t.accounts[account.ID] = account
	t.newAccountIDs = append(t.newAccountIDs, account.ID)
	return nil
}

func (t *memoryTx) InsertClientLedger(ctx context.Context, ledger models.ClientLedger) error {
	if _, err := t.GetTrustAccount(ctx, ledger.TrustAccountID); err != nil {
		return err
	}
	if _, err := t.GetClientLedger(ctx, ledger.ID); err == nil {
		return fmt.Errorf("%w: id %s", models.ErrDuplicateClientLedger, ledger.ID)
	}
	if ledger.IsActive() {
		if _, err := t.FindActiveClientLedger(ctx, ledger.TrustAccountID, ledger.ClientID, ledger.MatterID); err == nil {
			return fmt.Errorf("%w: client %s matter %q", models.ErrDuplicateClientLedger, ledger.ClientID, ledger.MatterID)
		}
	}
	t.ledgers[ledger.ID] = ledger
	t.newLedgerIDs[ledger.ID] = true
	return nil
}

func (t *memoryTx) track(l models.ClientLedger) {
	if t.newLedgerIDs[l.ID] {
		return
	}
	if _, seen := t.readVersions[l.ID]; !seen {
		t.readVersions[l.ID] = l.Version
	}
}

func (t *memoryTx) LockTrustAccount(ctx context.Context, id string) (models.TrustAccount, error) {
	// accounts created in this unit are invisible to everyone else
	if a, ok := t.accounts[id]; ok {
		return t.applyAccountOps(a), nil
	}

	var (
		a   models.TrustAccount
		err error
	)
	t.committed(func(r committedReader) {
		if a, err = r.GetTrustAccount(ctx, id); err != nil {
			return
		}
		// first lock wins, later locks in the same unit keep the original state
		if _, seen := t.lockedAccounts[id]; !seen {
			t.lockedAccounts[id] = accountLock{balance: a.Balance, ledgerIDs: r.m.ledgerIDsOf(id)}
		}
	})
	if err != nil {
		return models.TrustAccount{}, err
	}
	return t.applyAccountOps(a), nil
}

func (t *memoryTx) LockClientLedger(ctx context.Context, id string) (models.ClientLedger, error) {
	l, err := t.GetClientLedger(ctx, id)
	if err != nil {
		return models.ClientLedger{}, err
	}
	t.track(l)
	return l, nil
}

func (t *memoryTx) FindTransactionByIdempotencyKey(_ context.Context, clientLedgerID, key string) (*models.Transaction, error) {
	for _, txn := range t.transactions {
		if txn.ClientLedgerID == clientLedgerID && txn.IdempotencyKey == key {
			found := txn
			return &found, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if txn, ok := t.store.idempotency[idempotencyKey{clientLedgerID, key}]; ok {
		txn.Metadata = maps.Clone(txn.Metadata)
		return &txn, nil
	}
	return nil, nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	if !txn.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", models.ErrInvalidAmount, txn.Amount.String())
	}
	l, err := t.GetClientLedger(ctx, txn.ClientLedgerID)
	if err != nil {
		return err
	}
	if l.TrustAccountID != txn.TrustAccountID {
		return fmt.Errorf("%w: ledger %s", models.ErrTrustAccountMismatch, l.ID)
	}
	if txn.IdempotencyKey != "" {
		existing, _ := t.FindTransactionByIdempotencyKey(ctx, txn.ClientLedgerID, txn.IdempotencyKey)
		if existing != nil {
			return fmt.Errorf("%w: key %q", models.ErrIdempotencyConflict, txn.IdempotencyKey)
		}
	}
	txn.Sequence = t.store.seq.Add(1) // sequences from a rolled back unit are simply skipped
	staged := *txn
	staged.Metadata = maps.Clone(txn.Metadata)
	t.transactions = append(t.transactions, staged)
	return nil
}

func (t *memoryTx) UpdateClientLedgerBalance(ctx context.Context, id string, expectedVersion int64, balance decimal.Decimal, at time.Time) error {
	l, err := t.GetClientLedger(ctx, id)
	if err != nil {
		return err
	}
	if l.Version != expectedVersion {
		return fmt.Errorf("%w: client ledger %s at version %d, expected %d", models.ErrConcurrencyConflict, id, l.Version, expectedVersion)
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: client ledger %s cannot go negative", models.ErrInsufficientFunds, id)
	}
	t.track(l) // the commit re-checks the version this update was based on
	l.Balance = models.RoundCents(balance)
	l.Version++
	l.UpdatedAt = at
	t.ledgers[id] = l
	return nil
}

func (t *memoryTx) UpdateClientLedgerStatus(ctx context.Context, id string, expectedVersion int64, status models.LedgerStatus, at time.Time) error {
	l, err := t.GetClientLedger(ctx, id)
	if err != nil {
		return err
	}
	if l.Version != expectedVersion {
		return fmt.Errorf("%w: client ledger %s at version %d, expected %d", models.ErrConcurrencyConflict, id, l.Version, expectedVersion)
	}
	t.track(l)
	l.Status = status
	l.Version++
	l.UpdatedAt = at
	t.ledgers[id] = l
	return nil
}

func (t *memoryTx) AdjustTrustAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	if _, err := t.GetTrustAccount(ctx, id); err != nil {
		return err
	}
	t.accountOps = append(t.accountOps, accountOp{id: id, amount: delta, at: at})
	return nil
}

func (t *memoryTx) SetTrustAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	if _, err := t.GetTrustAccount(ctx, id); err != nil {
		return err
	}
	t.accountOps = append(t.accountOps, accountOp{id: id, amount: balance, set: true, at: at})
	return nil
}

// validateAgainst re-checks the storage constraints against the committed
// state. Callers hold m.mu for writing.
func (t *memoryTx) validateAgainst(m *MemoryLedgerStore) error {
	accountExists := func(id string) bool {
		if _, ok := m.accounts[id]; ok {
			return true
		}
		_, ok := t.accounts[id]
		return ok
	}

	for _, id := range t.newAccountIDs {
		a := t.accounts[id]
		if _, ok := m.accounts[id]; ok {
			return fmt.Errorf("%w: id %s", models.ErrDuplicateTrustAccount, id)
		}
		for _, existing := range m.accounts {
			if existing.MerchantID == a.MerchantID && existing.BankAccountRef == a.BankAccountRef {
				return fmt.Errorf("%w: %s", models.ErrDuplicateTrustAccount, a.BankAccountRef)
			}
		}
	}

	for id := range t.newLedgerIDs {
		l := t.ledgers[id]
		if !accountExists(l.TrustAccountID) {
			return fmt.Errorf("%w: %s", models.ErrTrustAccountNotFound, l.TrustAccountID)
		}
		if _, ok := m.ledgers[id]; ok {
			return fmt.Errorf("%w: id %s", models.ErrDuplicateClientLedger, id)
		}
		if !l.IsActive() {
			continue
		}
		for _, existing := range m.ledgers {
			if staged, ok := t.ledgers[existing.ID]; ok {
				existing = staged
			}
			if existing.IsActive() && existing.TrustAccountID == l.TrustAccountID &&
				existing.ClientID == l.ClientID && existing.MatterID == l.MatterID {
				return fmt.Errorf("%w: client %s matter %q", models.ErrDuplicateClientLedger, l.ClientID, l.MatterID)
			}
		}
	}

	for _, op := range t.accountOps {
		if !accountExists(op.id) {
			return fmt.Errorf("%w: %s", models.ErrTrustAccountNotFound, op.id)
		}
	}

	for _, txn := range t.transactions {
		l, ok := t.ledgers[txn.ClientLedgerID]
		if !ok {
			l, ok = m.ledgers[txn.ClientLedgerID]
		}
		if !ok {
			return fmt.Errorf("%w: %s", models.ErrLedgerNotFound, txn.ClientLedgerID)
		}
		if l.TrustAccountID != txn.TrustAccountID {
			return fmt.Errorf("%w: ledger %s", models.ErrTrustAccountMismatch, l.ID)
		}
		if txn.IdempotencyKey != "" {
			if _, dup := m.idempotency[idempotencyKey{txn.ClientLedgerID, txn.IdempotencyKey}]; dup {
				return fmt.Errorf("%w: key %q", models.ErrIdempotencyConflict, txn.IdempotencyKey)
			}
		}
	}
	return nil
}

var _ interfaces.LedgerTx = (*memoryTx)(nil)
