package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	l := New(store, slog.Default())
	return l, store
}

func TestCreditDebitWithIdempotentReplay(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	wallet := "buyer:u_1"

	if _, err := l.Credit(ctx, wallet, 10_000, KindTopup, "initial top-up", "TOPUP:pi_1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	res, err := l.Debit(ctx, wallet, 3_000, KindOrderDebit, "order X", "R1")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if res.Duplicate {
		t.Error("first debit flagged duplicate")
	}
	if res.Account.Balance != 7_000 {
		t.Errorf("balance = %d, want 7000", res.Account.Balance)
	}
	if res.Entry.BalanceBefore != 10_000 || res.Entry.BalanceAfter != 7_000 {
		t.Errorf("entry snapshots = {%d, %d}, want {10000, 7000}", res.Entry.BalanceBefore, res.Entry.BalanceAfter)
	}
	if res.Entry.Amount != -3_000 {
		t.Errorf("entry amount = %d, want -3000", res.Entry.Amount)
	}

	// Replay with the same reference: tagged success, no second mutation.
	res2, err := l.Debit(ctx, wallet, 3_000, KindOrderDebit, "order X", "R1")
	if err != nil {
		t.Fatalf("replayed Debit: %v", err)
	}
	if !res2.Duplicate {
		t.Error("replay not flagged duplicate")
	}
	if res2.Account.Balance != 7_000 {
		t.Errorf("balance after replay = %d, want 7000", res2.Account.Balance)
	}
	if res2.Entry.ID != res.Entry.ID {
		t.Errorf("replay returned entry %s, want original %s", res2.Entry.ID, res.Entry.ID)
	}

	entries, err := l.History(ctx, wallet, 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("history has %d entries, want 2", len(entries))
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	wallet := "buyer:u_2"

	if _, err := l.Credit(ctx, wallet, 5_000, KindTopup, "top-up", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	_, err := l.Debit(ctx, wallet, 8_000, KindOrderDebit, "order Y", "R2")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// No state change, no orphan entry.
	acc, err := l.GetBalance(ctx, wallet)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if acc.Balance != 5_000 {
		t.Errorf("balance = %d, want 5000", acc.Balance)
	}
	entries, _ := l.History(ctx, wallet, 50)
	if len(entries) != 1 {
		t.Errorf("history has %d entries, want 1", len(entries))
	}
}

func TestHoldReducesAvailable(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	key := "seller:s_1"

	if _, err := l.CreateSellerAccount(ctx, "s_1"); err != nil {
		t.Fatalf("CreateSellerAccount: %v", err)
	}
	if _, err := l.Credit(ctx, key, 10_000, KindOrderEarning, "order", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	// Hold part of the balance; available shrinks but balance does not.
	store.mu.Lock()
	store.accounts[key].Hold = 4_000
	store.mu.Unlock()

	acc, err := l.GetBalance(ctx, key)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if acc.Available() != 6_000 || acc.AvailableBalance != 6_000 {
		t.Errorf("available = %d/%d, want 6000", acc.Available(), acc.AvailableBalance)
	}

	// Debit is limited by available, not balance.
	if _, err := l.Debit(ctx, key, 7_000, KindPayout, "payout", ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
	if _, err := l.Debit(ctx, key, 6_000, KindPayout, "payout", ""); err != nil {
		t.Errorf("debit within available: %v", err)
	}

	// Hold exceeding balance never yields a negative available.
	store.mu.Lock()
	store.accounts[key].Hold = 99_999
	store.mu.Unlock()
	acc, _ = l.GetBalance(ctx, key)
	if acc.Available() != 0 {
		t.Errorf("available = %d, want 0", acc.Available())
	}
}

func TestValidationRejects(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name string
		m    *Mutation
		want error
	}{
		{"zero amount", &Mutation{AccountKey: "buyer:u_1", Amount: 0, Kind: KindTopup}, ErrInvalidAmount},
		{"unknown kind", &Mutation{AccountKey: "buyer:u_1", Amount: 100, Kind: "BONUS"}, ErrInvalidAmount},
		{"credit kind with negative amount", &Mutation{AccountKey: "buyer:u_1", Amount: -100, Kind: KindTopup}, ErrInvalidAmount},
		{"debit kind with positive amount", &Mutation{AccountKey: "buyer:u_1", Amount: 100, Kind: KindOrderDebit}, ErrInvalidAmount},
		{"bad account key", &Mutation{AccountKey: "u_1", Amount: 100, Kind: KindTopup}, ErrInvalidAccountKey},
		{"unknown owner kind", &Mutation{AccountKey: "vendor:v_1", Amount: 100, Kind: KindTopup}, ErrInvalidAccountKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Apply(ctx, tt.m); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Administrative kinds allow either direction.
	if _, err := l.Credit(ctx, "buyer:u_adm", 500, KindAdminAdjust, "goodwill", ""); err != nil {
		t.Errorf("admin credit: %v", err)
	}
	if _, err := l.Debit(ctx, "buyer:u_adm", 200, KindAdminAdjust, "correction", ""); err != nil {
		t.Errorf("admin debit: %v", err)
	}
}

func TestDebitMissingWalletDoesNotCreate(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Debit(ctx, "buyer:u_ghost", 100, KindOrderDebit, "order", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}

	// Crediting a seller account that was never onboarded fails too.
	if _, err := l.Credit(ctx, "seller:s_ghost", 100, KindOrderEarning, "order", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}

	// Uncredited buyer wallets read as empty accounts.
	acc, err := l.GetBalance(ctx, "buyer:u_ghost")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if acc.Balance != 0 || acc.Available() != 0 {
		t.Errorf("empty wallet = {%d, %d}, want zeros", acc.Balance, acc.Available())
	}
}

func TestCreateSellerAccountIdempotent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	first, err := l.CreateSellerAccount(ctx, "s_9")
	if err != nil {
		t.Fatalf("CreateSellerAccount: %v", err)
	}
	if _, err := l.Credit(ctx, first.Key, 1_000, KindOrderEarning, "order", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	again, err := l.CreateSellerAccount(ctx, "s_9")
	if err != nil {
		t.Fatalf("repeat CreateSellerAccount: %v", err)
	}
	if again.Balance != 1_000 {
		t.Errorf("repeat onboarding reset balance to %d", again.Balance)
	}
}

func TestConservationUnderConcurrency(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	wallet := "buyer:u_conc"

	if _, err := l.Credit(ctx, wallet, 100_000, KindTopup, "seed", ""); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	const workers = 40
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			ref := "conc:" + string(rune('a'+n%20)) // 20 distinct refs, each raced by 2 workers
			if n%2 == 0 {
				_, _ = l.Credit(ctx, wallet, 100, KindTopup, "storm", ref)
			} else {
				_, _ = l.Debit(ctx, wallet, 100, KindOrderDebit, "storm", ref)
			}
		}(i)
	}
	wg.Wait()

	// Every distinct reference applied exactly once; final balance equals the
	// seed plus the sum of distinctly applied signed amounts.
	entries, err := l.store.EntriesAsc(ctx, wallet)
	if err != nil {
		t.Fatalf("EntriesAsc: %v", err)
	}

	seen := make(map[string]int)
	var sum int64
	for _, e := range entries {
		if e.Reference != "" {
			seen[e.Reference]++
		}
		sum += e.Amount
	}
	for ref, n := range seen {
		if n != 1 {
			t.Errorf("reference %s applied %d times", ref, n)
		}
	}

	acc, _ := l.GetBalance(ctx, wallet)
	if acc.Balance != sum {
		t.Errorf("balance %d != sum of entries %d", acc.Balance, sum)
	}

	// The before/after chain must be gapless under concurrency.
	rec, err := l.Reconcile(ctx, wallet)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !rec.Match || !rec.ChainIntact {
		t.Errorf("reconcile after storm: match=%v chain=%v", rec.Match, rec.ChainIntact)
	}
}

// slowStore delays Apply until released, so a second mutation can observe
// the per-account lock being held.
type slowStore struct {
	Store
	gate chan struct{}
}

func (s *slowStore) Apply(ctx context.Context, m *Mutation) (*Result, error) {
	<-s.gate
	return s.Store.Apply(ctx, m)
}

func TestLockTimeoutReturnsAccountBusy(t *testing.T) {
	mem := NewMemoryStore()
	slow := &slowStore{Store: mem, gate: make(chan struct{})}
	l := New(slow, slog.Default())
	l.SetLockWait(50 * time.Millisecond)

	ctx := context.Background()
	wallet := "buyer:u_busy"

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Credit(ctx, wallet, 100, KindTopup, "held", "")
		errCh <- err
	}()

	// Give the first mutation time to take the lock and park in the store.
	time.Sleep(10 * time.Millisecond)

	_, err := l.Credit(ctx, wallet, 100, KindTopup, "blocked", "")
	if !errors.Is(err, ErrAccountBusy) {
		t.Errorf("err = %v, want ErrAccountBusy", err)
	}

	close(slow.gate)
	if err := <-errCh; err != nil {
		t.Errorf("first mutation: %v", err)
	}
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, *AuditRecord) error {
	return errors.New("audit store down")
}

func (failingAudit) Query(context.Context, string, time.Time, time.Time, string, int) ([]*AuditRecord, error) {
	return nil, errors.New("audit store down")
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	l, _ := newTestLedger()
	l.SetAuditLogger(failingAudit{})
	ctx := context.Background()

	res, err := l.Credit(ctx, "buyer:u_audit", 1_000, KindTopup, "top-up", "TOPUP:pi_x")
	if err != nil {
		t.Fatalf("Credit with failing audit: %v", err)
	}
	if res.Account.Balance != 1_000 {
		t.Errorf("balance = %d, want 1000", res.Account.Balance)
	}
}

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *captureEmitter) Emit(_ context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.events) >= n {
			out := make([]Event, len(e.events))
			copy(out, e.events)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestEventsEmittedPostCommit(t *testing.T) {
	l, _ := newTestLedger()
	em := &captureEmitter{}
	l.SetEmitter(em)
	ctx := context.Background()

	if _, err := l.CreateSellerAccount(ctx, "s_ev"); err != nil {
		t.Fatalf("CreateSellerAccount: %v", err)
	}
	if _, err := l.Credit(ctx, "buyer:u_ev", 2_000, KindTopup, "top-up", "TOPUP:ev_1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := l.Credit(ctx, "seller:s_ev", 1_500, KindOrderEarning, "order", "ORDER_EARNING:o_1"); err != nil {
		t.Fatalf("seller Credit: %v", err)
	}

	// A duplicate must not emit a second event.
	if _, err := l.Credit(ctx, "buyer:u_ev", 2_000, KindTopup, "top-up", "TOPUP:ev_1"); err != nil {
		t.Fatalf("duplicate Credit: %v", err)
	}

	events := em.wait(t, 2)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	if !types[EventWalletCredited] || !types[EventRevenueCredited] {
		t.Errorf("event types = %v, want wallet.credited and revenue.credited", types)
	}
}

func TestKindDirection(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindOrderEarning, 1},
		{KindTopup, 1},
		{KindRefundDeduction, -1},
		{KindPayout, -1},
		{KindOrderDebit, -1},
		{KindReversal, -1},
		{KindAdminAdjust, 0},
		{KindCorrection, 0},
	}
	for _, tt := range tests {
		if got := tt.kind.Direction(); got != tt.want {
			t.Errorf("%s.Direction() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestParseKey(t *testing.T) {
	ref, ok := ParseKey("buyer:u_123")
	if !ok || ref.Kind != OwnerBuyer || ref.ID != "u_123" {
		t.Errorf("ParseKey(buyer:u_123) = %+v, %v", ref, ok)
	}
	if ref.Key() != "buyer:u_123" {
		t.Errorf("round trip = %q", ref.Key())
	}

	for _, bad := range []string{"", "buyer", "buyer:", "courier:c_1", ":u_1"} {
		if _, ok := ParseKey(bad); ok {
			t.Errorf("ParseKey(%q) accepted", bad)
		}
	}
}
