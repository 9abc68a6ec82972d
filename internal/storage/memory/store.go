package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// Units of work are staged privately and validated at commit: every client
// ledger locked or updated in the unit must still carry the version it was
// read with, which gives the same per-ledger serialization as a row lock. A
// locked trust account must still hold the balance and the ledgers it had.
type MemoryLedgerStore struct {
	mu           sync.RWMutex                         // guards every map below; commits take it for writing
	accounts     map[string]models.TrustAccount       // committed trust accounts by id
	ledgers      map[string]models.ClientLedger       // committed client ledgers by id
	transactions map[string][]models.Transaction      // by client ledger id, in ledger order
	idempotency  map[idempotencyKey]models.Transaction // first transaction posted under each key
	seq          atomic.Int64                         // next transaction sequence, never reused
}

type idempotencyKey struct {
	ledgerID string
	key      string
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:     make(map[string]models.TrustAccount),
		ledgers:      make(map[string]models.ClientLedger),
		transactions: make(map[string][]models.Transaction),
		idempotency:  make(map[idempotencyKey]models.Transaction),
	}
}

// WithinTx stages everything fn writes and applies it only if fn succeeds
// and the staged changes still validate against the committed state.
func (m *MemoryLedgerStore) WithinTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemoryTx(m) // fresh staging area, nothing shared with other units
	if err := fn(tx); err != nil {
		return err // dropping tx is the rollback
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

// ReadSnapshot holds the read lock for the duration of fn, so fn never
// observes a half-applied unit of work.
func (m *MemoryLedgerStore) ReadSnapshot(ctx context.Context, fn func(r interfaces.LedgerReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()         // readers share the lock, commits wait
	defer m.mu.RUnlock() // released when fn returns
	return fn(committedReader{m: m})
}

func (m *MemoryLedgerStore) commit(t *memoryTx) error {
	m.mu.Lock()         // lock the store so validation and apply see the same state
	defer m.mu.Unlock() // unlock automatically when commit returns

	// every ledger the unit read must still be at the version it saw
	for id, version := range t.readVersions {
		cur, ok := m.ledgers[id]
		if !ok || cur.Version != version {
			return fmt.Errorf("%w: client ledger %s", models.ErrConcurrencyConflict, id)
		}
	}
	// a locked account must still hold the same balance and the same ledgers
	for id, locked := range t.lockedAccounts {
		cur, ok := m.accounts[id]
		if !ok || !cur.Balance.Equal(locked.balance) || !slices.Equal(m.ledgerIDsOf(id), locked.ledgerIDs) {
			return fmt.Errorf("%w: trust account %s", models.ErrConcurrencyConflict, id)
		}
	}
	if err := t.validateAgainst(m); err != nil {
		return err
	}

	// validated, so nothing below can fail

	for _, id := range t.newAccountIDs {
		m.accounts[id] = t.accounts[id]
	}
	// replay balance changes in the order the unit made them
	for _, op := range t.accountOps {
		a := m.accounts[op.id]
		if op.set {
			a.Balance = op.amount
		} else {
			a.Balance = a.Balance.Add(op.amount)
		}
		a.Balance = models.RoundCents(a.Balance)
		a.UpdatedAt = op.at
		m.accounts[op.id] = a
	}
	for id, l := range t.ledgers {
		m.ledgers[id] = l
	}
	for _, txn := range t.transactions {
		list := append(m.transactions[txn.ClientLedgerID], txn)
		// keep each ledger's history in ledger order for readers
		sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
		m.transactions[txn.ClientLedgerID] = list
		if txn.IdempotencyKey != "" {
			m.idempotency[idempotencyKey{txn.ClientLedgerID, txn.IdempotencyKey}] = txn // remember the key for replays
		}
	}
	return nil
}

// ledgerIDsOf returns the ids of the account's ledgers in ledger order.
// Callers hold m.mu.
func (m *MemoryLedgerStore) ledgerIDsOf(trustAccountID string) []string {
	ledgers, _ := committedReader{m: m}.ListClientLedgers(context.Background(), trustAccountID)
	ids := make([]string, len(ledgers))
	for i, l := range ledgers {
		ids[i] = l.ID
	}
	return ids
}

// committedReader reads committed state. Callers hold m.mu.
type committedReader struct {
	m *MemoryLedgerStore
}

func (r committedReader) GetTrustAccount(_ context.Context, id string) (models.TrustAccount, error) {
	a, ok := r.m.accounts[id]
	if !ok {
		return models.TrustAccount{}, fmt.Errorf("%w: %s", models.ErrTrustAccountNotFound, id)
	}
	return a, nil
}

func (r committedReader) ListTrustAccounts(_ context.Context, merchantID string) ([]models.TrustAccount, error) {
	out := make([]models.TrustAccount, 0)
	for _, a := range r.m.accounts {
		if a.MerchantID == merchantID {
			out = append(out, a)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (r committedReader) GetClientLedger(_ context.Context, id string) (models.ClientLedger, error) {
	l, ok := r.m.ledgers[id]
	if !ok {
		return models.ClientLedger{}, fmt.Errorf("%w: %s", models.ErrLedgerNotFound, id)
	}
	return l, nil
}

func (r committedReader) FindActiveClientLedger(ctx context.Context, trustAccountID, clientID, matterID string) (models.ClientLedger, error) {
	ledgers, _ := r.ListClientLedgers(ctx, trustAccountID)
	return findActive(ledgers, clientID, matterID)
}

func (r committedReader) ListClientLedgers(_ context.Context, trustAccountID string) ([]models.ClientLedger, error) {
	out := make([]models.ClientLedger, 0)
	for _, l := range r.m.ledgers {
		if l.TrustAccountID == trustAccountID {
			out = append(out, l)
		}
	}
	sortLedgers(out)
	return out, nil
}

func (r committedReader) ListTransactions(_ context.Context, clientLedgerID string) ([]models.Transaction, error) {
	return cloneTransactions(r.m.transactions[clientLedgerID]), nil
}

func (r committedReader) ListRecentTransactions(_ context.Context, trustAccountID string, asOf time.Time, limit int) ([]models.Transaction, error) {
	var all []models.Transaction
	for _, list := range r.m.transactions {
		for _, txn := range list {
			if txn.TrustAccountID == trustAccountID && !txn.CreatedAt.After(asOf) {
				all = append(all, txn)
			}
		}
	}
	return newestFirst(all, limit), nil
}

func findActive(ledgers []models.ClientLedger, clientID, matterID string) (models.ClientLedger, error) {
	for _, l := range ledgers {
		if l.IsActive() && l.ClientID == clientID && l.MatterID == matterID {
			return l, nil
		}
	}
	return models.ClientLedger{}, fmt.Errorf("%w: no active ledger for client %s", models.ErrLedgerNotFound, clientID)
}

func newestFirst(txns []models.Transaction, limit int) []models.Transaction {
	sort.Slice(txns, func(i, j int) bool { return txns[j].Before(txns[i]) })
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return cloneTransactions(txns)
}

func cloneTransactions(in []models.Transaction) []models.Transaction {
	out := make([]models.Transaction, len(in))
	for i, txn := range in {
		txn.Metadata = maps.Clone(txn.Metadata)
		out[i] = txn
	}
	return out
}

func sortAccounts(a []models.TrustAccount) {
	sort.Slice(a, func(i, j int) bool {
		if !a[i].CreatedAt.Equal(a[j].CreatedAt) {
			return a[i].CreatedAt.Before(a[j].CreatedAt)
		}
		return a[i].ID < a[j].ID
	})
}

func sortLedgers(l []models.ClientLedger) {
	sort.Slice(l, func(i, j int) bool {
		if !l[i].CreatedAt.Equal(l[j].CreatedAt) {
			return l[i].CreatedAt.Before(l[j].CreatedAt)
		}
		return l[i].ID < l[j].ID
	})
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
