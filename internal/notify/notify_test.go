package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasoahq/kasoa/internal/ledger"
	"github.com/kasoahq/kasoa/internal/orders"
)

type delivery struct {
	body      []byte
	event     string
	signature string
}

// captureServer records every delivery it receives.
type captureServer struct {
	*httptest.Server
	mu         sync.Mutex
	deliveries []delivery
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.deliveries = append(cs.deliveries, delivery{
			body:      body,
			event:     r.Header.Get("X-Kasoa-Event"),
			signature: r.Header.Get("X-Kasoa-Signature"),
		})
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.deliveries)
}

func (cs *captureServer) last() delivery {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.deliveries[len(cs.deliveries)-1]
}

func newSub(ownerKey, url string, events ...string) *Subscription {
	return &Subscription{
		ID:        "sub_" + ownerKey,
		OwnerKey:  ownerKey,
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestDispatchDeliversSignedEvent(t *testing.T) {
	cs := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store, slog.Default())
	ctx := context.Background()

	sub := newSub("seller:s_1", cs.URL, EventRevenueCredited)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := NewEvent(EventRevenueCredited, map[string]any{"amount": "27.00"})
	if err := d.DispatchToOwner(ctx, "seller:s_1", event); err != nil {
		t.Fatalf("DispatchToOwner: %v", err)
	}
	d.Wait()

	if cs.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", cs.count())
	}
	got := cs.last()
	if got.event != EventRevenueCredited {
		t.Errorf("event header = %q", got.event)
	}
	if got.signature != Sign(got.body, "s3cret") {
		t.Errorf("signature mismatch")
	}

	var payload Event
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID == "" || payload.Data["amount"] != "27.00" {
		t.Errorf("payload = %+v", payload)
	}

	updated, _ := store.Get(ctx, sub.ID)
	if updated.LastSuccess == nil || updated.ConsecutiveFailures != 0 {
		t.Errorf("subscription not marked successful: %+v", updated)
	}
}

func TestDispatchSkipsUnmatchedSubscriptions(t *testing.T) {
	cs := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store, slog.Default())
	ctx := context.Background()

	wrongEvent := newSub("seller:s_1", cs.URL, EventOrderRefunded)
	wrongEvent.ID = "sub_wrong_event"
	inactive := newSub("seller:s_1", cs.URL, EventOrderDelivered)
	inactive.ID = "sub_inactive"
	inactive.Active = false
	otherOwner := newSub("seller:s_2", cs.URL, EventOrderDelivered)
	for _, sub := range []*Subscription{wrongEvent, inactive, otherOwner} {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	if err := d.DispatchToOwner(ctx, "seller:s_1", NewEvent(EventOrderDelivered, nil)); err != nil {
		t.Fatalf("DispatchToOwner: %v", err)
	}
	d.Wait()

	if cs.count() != 0 {
		t.Errorf("deliveries = %d, want 0", cs.count())
	}
}

func TestDeliveryRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := NewDispatcher(store, slog.Default())
	ctx := context.Background()

	sub := newSub("buyer:u_1", srv.URL, EventWalletCredited)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.DispatchToOwner(ctx, "buyer:u_1", NewEvent(EventWalletCredited, nil)); err != nil {
		t.Fatalf("DispatchToOwner: %v", err)
	}
	d.Wait()

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	updated, _ := store.Get(ctx, sub.ID)
	if updated.LastSuccess == nil {
		t.Errorf("delivery not recorded as success after retries")
	}
}

func TestEndpointDeactivatedAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 4xx is permanent, so each delivery fails without retry sleeps.
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := NewDispatcher(store, slog.Default())
	ctx := context.Background()

	sub := newSub("seller:s_1", srv.URL, EventOrderDelivered)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		if err := d.DispatchToOwner(ctx, "seller:s_1", NewEvent(EventOrderDelivered, nil)); err != nil {
			t.Fatalf("DispatchToOwner: %v", err)
		}
		d.Wait()
	}

	updated, _ := store.Get(ctx, sub.ID)
	if updated.Active {
		t.Errorf("subscription still active after %d failures", updated.ConsecutiveFailures)
	}
	if updated.LastError == "" {
		t.Errorf("last error not recorded")
	}

	// Deactivated endpoints receive nothing further.
	if err := d.DispatchToOwner(ctx, "seller:s_1", NewEvent(EventOrderDelivered, nil)); err != nil {
		t.Fatalf("DispatchToOwner: %v", err)
	}
	d.Wait()
	after, _ := store.Get(ctx, sub.ID)
	if after.ConsecutiveFailures != maxConsecutiveFailures {
		t.Errorf("failures = %d, want %d", after.ConsecutiveFailures, maxConsecutiveFailures)
	}
}

func TestEmitterBridgesLedgerEvents(t *testing.T) {
	cs := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store, slog.Default())
	ctx := context.Background()

	if err := store.Create(ctx, newSub("seller:s_1", cs.URL, EventRevenueCredited)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	e := NewEmitter(d)
	e.Emit(ctx, ledger.Event{
		Type:       ledger.EventRevenueCredited,
		AccountKey: "seller:s_1",
		Kind:       ledger.KindOrderEarning,
		Amount:     2_700,
		Reference:  "ORDER_EARNING:ord_1",
		EntryID:    "led_1",
		OccurredAt: time.Now(),
	})
	d.Wait()

	if cs.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", cs.count())
	}
	var payload Event
	if err := json.Unmarshal(cs.last().body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Data["amount"] != "27.00" || payload.Data["reference"] != "ORDER_EARNING:ord_1" {
		t.Errorf("payload data = %v", payload.Data)
	}
}

func TestNotifyOrderReachesBothParties(t *testing.T) {
	cs := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store, slog.Default())
	ctx := context.Background()

	sellerSub := newSub("seller:s_1", cs.URL, EventOrderDelivered)
	buyerSub := newSub("buyer:u_1", cs.URL, EventOrderDelivered)
	for _, sub := range []*Subscription{sellerSub, buyerSub} {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	e := NewEmitter(d)
	e.NotifyOrder(ctx, EventOrderDelivered, &orders.Order{
		ID:            "ord_1",
		OrderNumber:   "KAS-20260801-ABC123",
		BuyerID:       "u_1",
		SellerID:      "s_1",
		Total:         3_000,
		CurrentStatus: orders.StatusDelivered,
	})
	d.Wait()

	if cs.count() != 2 {
		t.Errorf("deliveries = %d, want 2", cs.count())
	}
}

func TestValidEvent(t *testing.T) {
	for _, e := range []string{
		EventOrderDelivered, EventOrderRefunded,
		EventWalletCredited, EventWalletDebited,
		EventRevenueCredited, EventRevenueDebited,
	} {
		if !ValidEvent(e) {
			t.Errorf("ValidEvent(%q) = false", e)
		}
	}
	if ValidEvent("order.exploded") {
		t.Errorf("ValidEvent accepted unknown type")
	}
}
