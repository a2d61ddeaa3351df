// Package ledger tracks buyer wallet and seller revenue balances.
//
// Flow:
//  1. Buyer tops up wallet (Stripe) or pays by card/COD
//  2. Wallet checkout debits the buyer's wallet
//  3. Order delivery credits the seller's revenue account
//  4. Refund approval reverses the seller credit and restores the buyer wallet
//
// Every mutation is recorded as an immutable Entry with before/after balance
// snapshots. An optional reference string makes the mutation idempotent:
// replays return the original entry tagged Duplicate instead of moving money
// twice.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kasoahq/kasoa/internal/syncutil"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAccountKey = errors.New("invalid account key")
	ErrAccountBusy       = errors.New("account busy, retry")
)

// DefaultLockWait bounds how long Apply waits for the per-account lock
// before failing fast with ErrAccountBusy.
const DefaultLockWait = 2 * time.Second

// OwnerKind identifies who owns an account.
type OwnerKind string

const (
	OwnerBuyer  OwnerKind = "buyer"
	OwnerSeller OwnerKind = "seller"
	OwnerAdmin  OwnerKind = "admin"
)

// Valid reports whether k is a known owner kind.
func (k OwnerKind) Valid() bool {
	switch k {
	case OwnerBuyer, OwnerSeller, OwnerAdmin:
		return true
	}
	return false
}

// AccountRef identifies an account by owner kind and owner ID.
type AccountRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Key returns the canonical account key, e.g. "buyer:u_123".
func (r AccountRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// ParseKey parses a canonical account key back into an AccountRef.
func ParseKey(key string) (AccountRef, bool) {
	kind, id, found := strings.Cut(key, ":")
	if !found || id == "" {
		return AccountRef{}, false
	}
	ref := AccountRef{Kind: OwnerKind(kind), ID: id}
	if !ref.Kind.Valid() {
		return AccountRef{}, false
	}
	return ref, true
}

// Account holds a balance for a buyer wallet or seller revenue account.
// Available is always derived from Balance and Hold, never stored.
type Account struct {
	Key       string     `json:"key"`
	Owner     AccountRef `json:"owner"`
	Balance   int64      `json:"balance"`
	Hold      int64      `json:"hold"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Available mirrors Available() for JSON consumers. Recomputed on
	// every read path; stale stored values are never trusted.
	AvailableBalance int64 `json:"availableBalance"`
}

// Available returns the spendable balance, never negative even if Hold
// transiently exceeds Balance.
func (a *Account) Available() int64 {
	if a.Balance <= a.Hold {
		return 0
	}
	return a.Balance - a.Hold
}

// refresh recomputes the derived projection. Stores call this on every
// copy-out.
func (a *Account) refresh() {
	a.AvailableBalance = a.Available()
}

// Kind classifies a ledger entry.
type Kind string

const (
	KindOrderEarning    Kind = "ORDER_EARNING"
	KindRefundDeduction Kind = "REFUND_DEDUCTION"
	KindPayout          Kind = "PAYOUT"
	KindTopup           Kind = "TOPUP"
	KindOrderDebit      Kind = "ORDER_DEBIT"
	KindAdminAdjust     Kind = "ADMIN_ADJUST"
	KindCorrection      Kind = "CORRECTION"
	KindReversal        Kind = "REVERSAL"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOrderEarning, KindRefundDeduction, KindPayout, KindTopup,
		KindOrderDebit, KindAdminAdjust, KindCorrection, KindReversal:
		return true
	}
	return false
}

// Direction returns the expected sign of the amount for this kind:
// +1 for credits, -1 for debits, 0 when either direction is legal
// (administrative kinds).
func (k Kind) Direction() int {
	switch k {
	case KindOrderEarning, KindTopup:
		return 1
	case KindRefundDeduction, KindPayout, KindOrderDebit, KindReversal:
		return -1
	}
	return 0
}

// Entry is an immutable ledger record. Amount is signed: positive = credit,
// negative = debit. Direction is derivable from Kind but stored explicitly.
type Entry struct {
	ID            string            `json:"id"`
	AccountKey    string            `json:"accountKey"`
	Kind          Kind              `json:"kind"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balanceBefore"`
	BalanceAfter  int64             `json:"balanceAfter"`
	Reference     string            `json:"reference,omitempty"`
	RelatedOrder  string            `json:"relatedOrder,omitempty"`
	RelatedActor  string            `json:"relatedActor,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Mutation is the input to Apply.
type Mutation struct {
	AccountKey   string
	Amount       int64 // signed: positive = credit, negative = debit
	Kind         Kind
	Reference    string // optional idempotency key, unique when present
	RelatedOrder string
	RelatedActor string
	Description  string
	Metadata     map[string]string
}

// Result is the outcome of a mutation. Duplicate means the reference had
// already been applied; Account and Entry describe the original application.
type Result struct {
	Account   *Account `json:"account"`
	Entry     *Entry   `json:"entry"`
	Duplicate bool     `json:"duplicate"`
}

// Store persists accounts and entries. Apply must be atomic: account write
// and entry append commit together or not at all, with the sparse uniqueness
// of Entry.Reference enforced by the store. Buyer wallets are created lazily
// on first credit; seller and admin accounts must pre-exist.
type Store interface {
	GetAccount(ctx context.Context, key string) (*Account, error)
	CreateAccount(ctx context.Context, ref AccountRef) (*Account, error)
	Apply(ctx context.Context, m *Mutation) (*Result, error)
	FindByReference(ctx context.Context, reference string) (*Entry, error)
	History(ctx context.Context, key string, limit int) ([]*Entry, error)
	EntriesAsc(ctx context.Context, key string) ([]*Entry, error)
	AccountKeys(ctx context.Context) ([]string, error)
}

// Ledger is the atomic mutator over a Store. Mutations against the same
// account are serialized; audit and event emission run after commit and
// never fail the mutation.
type Ledger struct {
	store    Store
	audit    AuditLogger
	emitter  Emitter
	locks    *syncutil.ContextShardedMutex
	lockWait time.Duration
	logger   *slog.Logger
}

// New creates a ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		locks:    syncutil.NewContextShardedMutex(),
		lockWait: DefaultLockWait,
		logger:   logger,
	}
}

// SetAuditLogger enables the secondary audit trail.
func (l *Ledger) SetAuditLogger(a AuditLogger) { l.audit = a }

// SetEmitter enables post-commit domain event emission.
func (l *Ledger) SetEmitter(e Emitter) { l.emitter = e }

// SetLockWait bounds the per-account lock acquisition wait.
func (l *Ledger) SetLockWait(d time.Duration) {
	if d > 0 {
		l.lockWait = d
	}
}

// Apply validates and applies a mutation.
//
// Sequence: validate → acquire per-account lock (bounded wait, ErrAccountBusy
// on timeout) → idempotency pre-check → store.Apply (atomic) → release lock →
// best-effort audit + event emit.
func (l *Ledger) Apply(ctx context.Context, m *Mutation) (*Result, error) {
	if m.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if !m.Kind.Valid() {
		return nil, ErrInvalidAmount
	}
	if d := m.Kind.Direction(); (d > 0 && m.Amount < 0) || (d < 0 && m.Amount > 0) {
		return nil, ErrInvalidAmount
	}
	if _, ok := ParseKey(m.AccountKey); !ok {
		return nil, ErrInvalidAccountKey
	}

	done := observeOp(string(m.Kind))
	defer done()

	res, err := l.applyLocked(ctx, m)
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		LedgerDuplicateHitsTotal.Inc()
		return res, nil
	}

	// Post-commit side effects: best-effort, never propagate.
	actorType, actorID, ip, requestID := actorFromCtx(ctx)
	go l.afterApply(res, m, actorType, actorID, ip, requestID)

	return res, nil
}

func (l *Ledger) applyLocked(ctx context.Context, m *Mutation) (*Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, l.lockWait)
	defer cancel()

	unlock, err := l.locks.LockContext(lockCtx, m.AccountKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		LedgerLockTimeoutsTotal.Inc()
		return nil, ErrAccountBusy
	}
	defer unlock()

	// Idempotency pre-check. The store re-checks inside its transaction;
	// this avoids taking the write path for the common replay case.
	if m.Reference != "" {
		existing, err := l.store.FindByReference(ctx, m.Reference)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			acc, err := l.store.GetAccount(ctx, existing.AccountKey)
			if err != nil {
				return nil, err
			}
			return &Result{Account: acc, Entry: existing, Duplicate: true}, nil
		}
	}

	return l.store.Apply(ctx, m)
}

// afterApply records the audit row and emits the domain event for a freshly
// committed mutation. Runs in its own goroutine; panics are recovered.
func (l *Ledger) afterApply(res *Result, m *Mutation, actorType, actorID, ip, requestID string) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("ledger post-commit hook panicked", "panic", r, "reference", m.Reference)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if l.audit != nil {
		rec := &AuditRecord{
			AccountKey:    res.Entry.AccountKey,
			ActorType:     actorType,
			ActorID:       actorID,
			Operation:     string(m.Kind),
			Amount:        res.Entry.Amount,
			Reference:     res.Entry.Reference,
			BalanceBefore: res.Entry.BalanceBefore,
			BalanceAfter:  res.Entry.BalanceAfter,
			RequestID:     requestID,
			IPAddress:     ip,
			Description:   res.Entry.Description,
		}
		if err := l.audit.Record(ctx, rec); err != nil {
			l.logger.Warn("audit record failed", "accountKey", rec.AccountKey, "reference", rec.Reference, "error", err)
		}
	}

	if l.emitter != nil {
		l.emitter.Emit(ctx, eventForEntry(res.Entry))
	}
}

// Credit applies a positive mutation. amount must be > 0.
func (l *Ledger) Credit(ctx context.Context, accountKey string, amount int64, kind Kind, description, reference string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.Apply(ctx, &Mutation{
		AccountKey:  accountKey,
		Amount:      amount,
		Kind:        kind,
		Reference:   reference,
		Description: description,
	})
}

// Debit applies a negative mutation. amount must be > 0; it is negated here.
func (l *Ledger) Debit(ctx context.Context, accountKey string, amount int64, kind Kind, description, reference string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.Apply(ctx, &Mutation{
		AccountKey:  accountKey,
		Amount:      -amount,
		Kind:        kind,
		Reference:   reference,
		Description: description,
	})
}

// GetBalance returns the account for key. Buyer wallets that have never been
// credited read as empty accounts; seller and admin accounts must exist.
func (l *Ledger) GetBalance(ctx context.Context, key string) (*Account, error) {
	ref, ok := ParseKey(key)
	if !ok {
		return nil, ErrInvalidAccountKey
	}

	acc, err := l.store.GetAccount(ctx, key)
	if errors.Is(err, ErrAccountNotFound) && ref.Kind == OwnerBuyer {
		return &Account{Key: key, Owner: ref, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// GetAccount returns the account for key, or ErrAccountNotFound.
func (l *Ledger) GetAccount(ctx context.Context, key string) (*Account, error) {
	if _, ok := ParseKey(key); !ok {
		return nil, ErrInvalidAccountKey
	}
	return l.store.GetAccount(ctx, key)
}

// History returns the most recent entries for an account, newest first.
func (l *Ledger) History(ctx context.Context, key string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, key, limit)
}

// CreateSellerAccount eagerly creates a seller revenue account at onboarding.
// Idempotent: if the account already exists it is returned unchanged.
func (l *Ledger) CreateSellerAccount(ctx context.Context, sellerID string) (*Account, error) {
	if sellerID == "" {
		return nil, ErrInvalidAccountKey
	}
	ref := AccountRef{Kind: OwnerSeller, ID: sellerID}

	if acc, err := l.store.GetAccount(ctx, ref.Key()); err == nil {
		return acc, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	return l.store.CreateAccount(ctx, ref)
}
