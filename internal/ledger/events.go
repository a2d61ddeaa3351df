package ledger

import (
	"context"
	"time"
)

// Domain event types emitted after a committed mutation.
const (
	EventWalletCredited  = "wallet.credited"
	EventWalletDebited   = "wallet.debited"
	EventRevenueCredited = "revenue.credited"
	EventRevenueDebited  = "revenue.debited"
)

// Event is a post-commit domain event for notification dispatch.
type Event struct {
	Type       string            `json:"type"`
	AccountKey string            `json:"accountKey"`
	Kind       Kind              `json:"kind"`
	Amount     int64             `json:"amount"`
	Reference  string            `json:"reference,omitempty"`
	EntryID    string            `json:"entryId"`
	OccurredAt time.Time         `json:"occurredAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Emitter receives post-commit events. Dispatch is fire-and-forget: the
// ledger never inspects the outcome.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

func eventForEntry(e *Entry) Event {
	ref, _ := ParseKey(e.AccountKey)

	var typ string
	switch {
	case ref.Kind == OwnerSeller && e.Amount > 0:
		typ = EventRevenueCredited
	case ref.Kind == OwnerSeller:
		typ = EventRevenueDebited
	case e.Amount > 0:
		typ = EventWalletCredited
	default:
		typ = EventWalletDebited
	}

	return Event{
		Type:       typ,
		AccountKey: e.AccountKey,
		Kind:       e.Kind,
		Amount:     e.Amount,
		Reference:  e.Reference,
		EntryID:    e.ID,
		OccurredAt: e.CreatedAt,
		Metadata:   e.Metadata,
	}
}

// ReconcileResult holds the outcome of replaying one account's entries
// against its stored balance and audit trail.
type ReconcileResult struct {
	AccountKey      string `json:"accountKey"`
	Match           bool   `json:"match"`
	StoredBalance   int64  `json:"storedBalance"`
	ReplayedBalance int64  `json:"replayedBalance"`
	EntryCount      int    `json:"entryCount"`
	ChainIntact     bool   `json:"chainIntact"`
	AuditRecords    int    `json:"auditRecords"`
	AuditLag        int    `json:"auditLag"`
}

// Reconcile replays an account's entries oldest-first and checks:
//   - conservation: stored balance equals the sum of signed amounts
//   - chain integrity: each entry's balanceAfter = balanceBefore + amount
//     and links to the next entry's balanceBefore
//   - audit drift: entry count vs audit records (audit is best-effort, so a
//     positive lag is reported, not failed)
func (l *Ledger) Reconcile(ctx context.Context, accountKey string) (*ReconcileResult, error) {
	acc, err := l.store.GetAccount(ctx, accountKey)
	if err != nil {
		return nil, err
	}

	entries, err := l.store.EntriesAsc(ctx, accountKey)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{
		AccountKey:    accountKey,
		StoredBalance: acc.Balance,
		EntryCount:    len(entries),
		ChainIntact:   true,
		AuditRecords:  -1,
	}

	var running int64
	for _, e := range entries {
		if e.BalanceBefore != running || e.BalanceAfter != e.BalanceBefore+e.Amount {
			res.ChainIntact = false
		}
		running = e.BalanceAfter
		res.ReplayedBalance += e.Amount
	}

	res.Match = res.ChainIntact && res.ReplayedBalance == res.StoredBalance

	if l.audit != nil {
		recs, err := l.audit.Query(ctx, accountKey, time.Time{}, time.Now(), "", len(entries)+1)
		if err != nil {
			l.logger.Warn("reconcile: audit query failed", "accountKey", accountKey, "error", err)
		} else {
			res.AuditRecords = len(recs)
			res.AuditLag = len(entries) - len(recs)
		}
	}

	return res, nil
}

// ReconcileAll reconciles every known account.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]*ReconcileResult, error) {
	keys, err := l.store.AccountKeys(ctx)
	if err != nil {
		return nil, err
	}

	var results []*ReconcileResult
	for _, key := range keys {
		r, err := l.Reconcile(ctx, key)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}
