package orders

// Status is an order's fulfillment state. CurrentStatus is the single source
// of truth; legacy projections are derived from it on every read.
type Status string

const (
	StatusPendingPayment   Status = "pending_payment"
	StatusProcessing       Status = "processing"
	StatusConfirmed        Status = "confirmed"
	StatusPreparing        Status = "preparing"
	StatusReadyForDispatch Status = "ready_for_dispatch"
	StatusOutForDelivery   Status = "out_for_delivery"
	StatusDelivered        Status = "delivered"
	StatusCancelled        Status = "cancelled"
	StatusRefunded         Status = "refunded"

	// International sub-path between confirmed and out_for_delivery.
	StatusSupplierConfirmed    Status = "supplier_confirmed"
	StatusAwaitingDispatch     Status = "awaiting_dispatch"
	StatusInternationalShipped Status = "international_shipped"
	StatusCustomsClearance     Status = "customs_clearance"
	StatusArrivedDestination   Status = "arrived_destination"
	StatusLocalDispatch        Status = "local_dispatch"
)

// transitions is the closed state graph. A requested status must be listed
// under the current status or the transition is rejected.
var transitions = map[Status][]Status{
	StatusPendingPayment:   {StatusProcessing, StatusCancelled},
	StatusProcessing:       {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusPreparing, StatusSupplierConfirmed, StatusCancelled},
	StatusPreparing:        {StatusReadyForDispatch, StatusCancelled},
	StatusReadyForDispatch: {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery:   {StatusDelivered},
	StatusDelivered:        {StatusRefunded},

	StatusSupplierConfirmed:    {StatusAwaitingDispatch, StatusCancelled},
	StatusAwaitingDispatch:     {StatusInternationalShipped, StatusCancelled},
	StatusInternationalShipped: {StatusCustomsClearance},
	StatusCustomsClearance:     {StatusArrivedDestination},
	StatusArrivedDestination:   {StatusLocalDispatch},
	StatusLocalDispatch:        {StatusOutForDelivery},

	StatusCancelled: nil,
	StatusRefunded:  nil,
}

// adminOnlyInternational lists the steps that on cross-border orders only
// platform staff may perform, even for the owning seller.
var adminOnlyInternational = map[Status]bool{
	StatusCustomsClearance:   true,
	StatusArrivedDestination: true,
	StatusDelivered:          true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions exist from s.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether the graph permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
