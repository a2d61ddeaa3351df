package notify

import (
	"context"

	"github.com/kasoahq/kasoa/internal/ledger"
	"github.com/kasoahq/kasoa/internal/money"
	"github.com/kasoahq/kasoa/internal/orders"
)

// Emitter adapts the dispatcher to the ledger and order service hooks.
// All methods are fire-and-forget: errors are logged, never returned.
type Emitter struct {
	d *Dispatcher
}

// NewEmitter creates the bridge. Pass it to ledger.SetEmitter and
// orders.SetNotifier.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d}
}

// Emit delivers a committed balance mutation to the account owner.
func (e *Emitter) Emit(ctx context.Context, event ledger.Event) {
	if e == nil || e.d == nil {
		return
	}
	data := map[string]any{
		"accountKey": event.AccountKey,
		"kind":       string(event.Kind),
		"amount":     money.Format(event.Amount),
		"entryId":    event.EntryID,
	}
	if event.Reference != "" {
		data["reference"] = event.Reference
	}
	if err := e.d.DispatchToOwner(ctx, event.AccountKey, NewEvent(event.Type, data)); err != nil {
		e.d.logger.Warn("ledger event dispatch failed", "type", event.Type, "error", err)
	}
}

// NotifyOrder delivers an order lifecycle event to both parties.
func (e *Emitter) NotifyOrder(ctx context.Context, eventType string, o *orders.Order) {
	if e == nil || e.d == nil {
		return
	}
	data := map[string]any{
		"orderId":     o.ID,
		"orderNumber": o.OrderNumber,
		"status":      string(o.CurrentStatus),
		"total":       money.Format(o.Total),
	}

	sellerKey := ledger.AccountRef{Kind: ledger.OwnerSeller, ID: o.SellerID}.Key()
	buyerKey := ledger.AccountRef{Kind: ledger.OwnerBuyer, ID: o.BuyerID}.Key()
	for _, owner := range []string{sellerKey, buyerKey} {
		if err := e.d.DispatchToOwner(ctx, owner, NewEvent(eventType, data)); err != nil {
			e.d.logger.Warn("order event dispatch failed", "type", eventType, "owner", owner, "error", err)
		}
	}
}
