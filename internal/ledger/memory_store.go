package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/kasoahq/kasoa/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	byRef    map[string]*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byRef:    make(map[string]*Entry),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, key string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, ref AccountRef) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ref.Key()
	if acc, ok := m.accounts[key]; ok {
		return copyAccount(acc), nil
	}

	now := time.Now()
	acc := &Account{Key: key, Owner: ref, CreatedAt: now, UpdatedAt: now}
	m.accounts[key] = acc
	return copyAccount(acc), nil
}

// Apply performs the mutation under the store lock: idempotency check,
// account lookup (lazy create for buyer credits), availability check,
// balance update and entry append as one unit.
func (m *MemoryStore) Apply(ctx context.Context, mut *Mutation) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mut.Reference != "" {
		if existing, ok := m.byRef[mut.Reference]; ok {
			acc := m.accounts[existing.AccountKey]
			return &Result{Account: copyAccount(acc), Entry: copyEntry(existing), Duplicate: true}, nil
		}
	}

	ref, ok := ParseKey(mut.AccountKey)
	if !ok {
		return nil, ErrInvalidAccountKey
	}

	acc, found := m.accounts[mut.AccountKey]
	if !found {
		// Buyer wallets are created lazily on first credit. Debits and
		// seller/admin accounts require an existing account.
		if ref.Kind != OwnerBuyer || mut.Amount <= 0 {
			return nil, ErrAccountNotFound
		}
		now := time.Now()
		acc = &Account{Key: mut.AccountKey, Owner: ref, CreatedAt: now, UpdatedAt: now}
		m.accounts[mut.AccountKey] = acc
	}

	if mut.Amount < 0 && acc.Available() < -mut.Amount {
		return nil, ErrInsufficientFunds
	}

	before := acc.Balance
	acc.Balance += mut.Amount
	acc.UpdatedAt = time.Now()

	entry := &Entry{
		ID:            idgen.WithPrefix("led_"),
		AccountKey:    mut.AccountKey,
		Kind:          mut.Kind,
		Amount:        mut.Amount,
		BalanceBefore: before,
		BalanceAfter:  acc.Balance,
		Reference:     mut.Reference,
		RelatedOrder:  mut.RelatedOrder,
		RelatedActor:  mut.RelatedActor,
		Description:   mut.Description,
		Metadata:      mut.Metadata,
		CreatedAt:     time.Now(),
	}
	m.entries = append(m.entries, entry)
	if entry.Reference != "" {
		m.byRef[entry.Reference] = entry
	}

	return &Result{Account: copyAccount(acc), Entry: copyEntry(entry)}, nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.byRef[reference]; ok {
		return copyEntry(e), nil
	}
	return nil, nil
}

func (m *MemoryStore) History(ctx context.Context, key string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountKey == key {
			result = append(result, copyEntry(m.entries[i]))
		}
	}
	return result, nil
}

func (m *MemoryStore) EntriesAsc(ctx context.Context, key string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.AccountKey == key {
			result = append(result, copyEntry(e))
		}
	}
	return result, nil
}

func (m *MemoryStore) AccountKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	return keys, nil
}

func copyAccount(a *Account) *Account {
	cp := *a
	cp.refresh()
	return &cp
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
