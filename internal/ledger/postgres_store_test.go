package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasoahq/kasoa/internal/testutil"
)

func TestPostgresStoreApply(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	// Lazy wallet creation on first credit.
	res, err := store.Apply(ctx, &Mutation{
		AccountKey: "buyer:u_pg1", Amount: 10_000, Kind: KindTopup, Reference: "TOPUP:pg_1",
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res.Account.Balance != 10_000 || res.Entry.BalanceBefore != 0 || res.Entry.BalanceAfter != 10_000 {
		t.Errorf("credit result = %+v / %+v", res.Account, res.Entry)
	}

	// Debit captures snapshots atomically.
	res, err = store.Apply(ctx, &Mutation{
		AccountKey: "buyer:u_pg1", Amount: -3_000, Kind: KindOrderDebit, Reference: "ORDER_DEBIT:pg_o1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Entry.BalanceBefore != 10_000 || res.Entry.BalanceAfter != 7_000 {
		t.Errorf("debit snapshots = {%d, %d}", res.Entry.BalanceBefore, res.Entry.BalanceAfter)
	}

	// Replaying a reference returns the original entry tagged duplicate.
	res, err = store.Apply(ctx, &Mutation{
		AccountKey: "buyer:u_pg1", Amount: -3_000, Kind: KindOrderDebit, Reference: "ORDER_DEBIT:pg_o1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Duplicate || res.Account.Balance != 7_000 {
		t.Errorf("replay = dup:%v balance:%d", res.Duplicate, res.Account.Balance)
	}

	// Overdraft leaves no trace.
	_, err = store.Apply(ctx, &Mutation{
		AccountKey: "buyer:u_pg1", Amount: -50_000, Kind: KindOrderDebit,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft err = %v", err)
	}
	entries, err := store.History(ctx, "buyer:u_pg1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("history = %d entries, want 2", len(entries))
	}
	if entries[0].Reference != "ORDER_DEBIT:pg_o1" {
		t.Errorf("newest entry = %s", entries[0].Reference)
	}
}

func TestPostgresStoreSellerMustPreexist(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.Apply(ctx, &Mutation{
		AccountKey: "seller:s_pg_ghost", Amount: 1_000, Kind: KindOrderEarning,
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}

	if _, err := store.CreateAccount(ctx, AccountRef{Kind: OwnerSeller, ID: "s_pg_ghost"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.Apply(ctx, &Mutation{
		AccountKey: "seller:s_pg_ghost", Amount: 1_000, Kind: KindOrderEarning,
	}); err != nil {
		t.Fatalf("credit after onboarding: %v", err)
	}
}

func TestPostgresStoreMetadataRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	res, err := store.Apply(ctx, &Mutation{
		AccountKey:   "buyer:u_pg_meta",
		Amount:       500,
		Kind:         KindTopup,
		Reference:    "TOPUP:pg_meta",
		RelatedOrder: "ord_meta",
		Metadata:     map[string]string{"channel": "stripe"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := store.FindByReference(ctx, "TOPUP:pg_meta")
	if err != nil {
		t.Fatalf("FindByReference: %v", err)
	}
	if got == nil || got.ID != res.Entry.ID {
		t.Fatalf("FindByReference = %+v", got)
	}
	if got.RelatedOrder != "ord_meta" || got.Metadata["channel"] != "stripe" {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestPostgresAuditLogger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	audit := NewPostgresAuditLogger(db)
	ctx := context.Background()

	rec := &AuditRecord{
		AccountKey: "buyer:u_pg_audit", ActorType: "admin", ActorID: "adm_9",
		Operation: "ADMIN_ADJUST", Amount: 750, Reference: "ADJ:pg_1",
		BalanceBefore: 0, BalanceAfter: 750,
	}
	if err := audit.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Same reference: deduplicated, not an error.
	if err := audit.Record(ctx, rec); err != nil {
		t.Fatalf("repeat Record: %v", err)
	}

	recs, err := audit.Query(ctx, "buyer:u_pg_audit", time.Time{}, time.Now(), "", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].ActorID != "adm_9" || recs[0].BalanceAfter != 750 {
		t.Errorf("record = %+v", recs[0])
	}
}
