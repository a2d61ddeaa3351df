// Package orders runs the fulfillment state machine for marketplace orders.
//
// Flow:
//  1. Order created at pending_payment
//  2. Payment completion unlocks forward progress
//  3. Seller/admin walk the order through the fulfillment graph
//  4. Delivery credits the seller's revenue account exactly once
//  5. Refund approval reverses the credit and restores a wallet-paid buyer
//
// Every transition appends one tracking event with actor attribution. Status
// writes use compare-and-swap on the previous status, so two racing
// transitions cannot both observe "not yet delivered".
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kasoahq/kasoa/internal/idgen"
	"github.com/kasoahq/kasoa/internal/ledger"
	"github.com/kasoahq/kasoa/internal/metrics"
	"github.com/kasoahq/kasoa/internal/money"
	"github.com/kasoahq/kasoa/internal/pagination"
	"github.com/kasoahq/kasoa/internal/syncutil"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid status value")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrUnauthorized      = errors.New("not authorized for this transition")
	ErrPaymentPending    = errors.New("payment not completed")
	ErrStaleOrder        = errors.New("order changed concurrently, retry")
	ErrInvalidOrder      = errors.New("invalid order")
)

// PaymentMethod is how the buyer pays.
type PaymentMethod string

const (
	PayWallet PaymentMethod = "wallet"
	PayCard   PaymentMethod = "card"
	PayCOD    PaymentMethod = "cod"
)

// PaymentStatus tracks the money side of the order.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Actor roles accepted by Transition.
const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
)

// TrackingEvent is one append-only entry in an order's tracking history.
type TrackingEvent struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Location  string    `json:"location,omitempty"`
	Actor     string    `json:"actor"`
	ActorRole string    `json:"actorRole"`
	At        time.Time `json:"at"`
}

// Order is the aggregate the state machine operates on. Total and
// CommissionBps are snapshots taken at creation; NetPayable is always
// derived, never stored.
type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Total         int64           `json:"total"`
	CommissionBps int64           `json:"commissionBps"`
	International bool            `json:"international"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	CurrentStatus Status          `json:"currentStatus"`
	Tracking      []TrackingEvent `json:"tracking"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`

	// Legacy projections, recomputed from CurrentStatus on every read.
	DeliveryStatus string `json:"deliveryStatus"`
	IsDelivered    bool   `json:"isDelivered"`
}

// NetPayable is the seller's share of the order total after commission.
func (o *Order) NetPayable() int64 {
	return o.Total - o.Total*o.CommissionBps/10_000
}

// refresh recomputes the derived projections. Stores call this on every
// copy-out.
func (o *Order) refresh() {
	o.IsDelivered = o.CurrentStatus == StatusDelivered
	switch o.CurrentStatus {
	case StatusPendingPayment, StatusProcessing, StatusConfirmed, StatusPreparing:
		o.DeliveryStatus = "pending"
	case StatusDelivered:
		o.DeliveryStatus = "delivered"
	case StatusCancelled:
		o.DeliveryStatus = "cancelled"
	case StatusRefunded:
		o.DeliveryStatus = "refunded"
	default:
		o.DeliveryStatus = "in_transit"
	}
}

// Store persists orders. UpdateStatus must be a compare-and-swap on the
// previous status, appending the tracking event in the same write, and return
// ErrStaleOrder when the stored status no longer matches.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, event *TrackingEvent, setPayment PaymentStatus) error
	SetPaymentStatus(ctx context.Context, id string, status PaymentStatus) error
	ListBySeller(ctx context.Context, sellerID string, limit int, before *pagination.Cursor) ([]*Order, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int, before *pagination.Cursor) ([]*Order, error)
}

// LedgerService is the slice of the ledger the state machine needs. Both
// calls are idempotent through deterministic references.
type LedgerService interface {
	Credit(ctx context.Context, accountKey string, amount int64, kind ledger.Kind, description, reference string) (*ledger.Result, error)
	Debit(ctx context.Context, accountKey string, amount int64, kind ledger.Kind, description, reference string) (*ledger.Result, error)
}

// Notifier receives fire-and-forget order events.
type Notifier interface {
	NotifyOrder(ctx context.Context, eventType string, o *Order)
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	BuyerID       string `json:"buyerId" binding:"required"`
	SellerID      string `json:"sellerId" binding:"required"`
	Total         string `json:"total" binding:"required"`
	International bool   `json:"international"`
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

// TransitionRequest asks the state machine to move an order to a new status.
type TransitionRequest struct {
	Status    Status `json:"status" binding:"required"`
	Message   string `json:"message,omitempty"`
	Location  string `json:"location,omitempty"`
	Actor     string `json:"actor" binding:"required"`
	ActorRole string `json:"actorRole" binding:"required"`
}

// Service implements the order state machine.
type Service struct {
	store         Store
	ledger        LedgerService
	notifier      Notifier
	locks         *syncutil.ShardedMutex
	commissionBps int64
	logger        *slog.Logger
}

// NewService creates the order service. commissionBps is snapshotted onto
// each order at creation.
func NewService(store Store, ledgerSvc LedgerService, commissionBps int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		ledger:        ledgerSvc,
		locks:         &syncutil.ShardedMutex{},
		commissionBps: commissionBps,
		logger:        logger,
	}
}

// SetNotifier enables fire-and-forget order event dispatch.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Create creates a new order at pending_payment. COD orders have no upfront
// payment leg, so they are marked completed immediately and collect on
// delivery outside the ledger.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.BuyerID == "" || req.SellerID == "" {
		return nil, ErrInvalidOrder
	}

	method := PaymentMethod(req.PaymentMethod)
	switch method {
	case PayWallet, PayCard, PayCOD:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, req.PaymentMethod)
	}

	total, ok := parseTotal(req.Total)
	if !ok {
		return nil, fmt.Errorf("%w: bad total %q", ErrInvalidOrder, req.Total)
	}

	now := time.Now()
	o := &Order{
		ID:            idgen.WithPrefix("ord_"),
		OrderNumber:   orderNumber(now),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		Total:         total,
		CommissionBps: s.commissionBps,
		International: req.International,
		PaymentMethod: method,
		PaymentStatus: PaymentPending,
		CurrentStatus: StatusPendingPayment,
		Tracking: []TrackingEvent{{
			Status:    StatusPendingPayment,
			Message:   "order created",
			Actor:     req.BuyerID,
			ActorRole: RoleBuyer,
			At:        now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if method == PayCOD {
		o.PaymentStatus = PaymentCompleted
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	o.refresh()
	return o, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListBySeller returns a seller's most recent orders, newest first. A
// non-nil cursor restricts results to orders strictly older than it.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int, before *pagination.Cursor) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit, before)
}

// ListByBuyer returns a buyer's most recent orders, newest first. A
// non-nil cursor restricts results to orders strictly older than it.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int, before *pagination.Cursor) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerID, limit, before)
}

// MarkPaid records payment completion and moves the order out of
// pending_payment. Called by the payments package after a successful wallet
// debit or card charge.
func (s *Service) MarkPaid(ctx context.Context, orderID, actor string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CurrentStatus != StatusPendingPayment {
		// Already paid and progressed; treat as idempotent.
		return o, nil
	}

	event := &TrackingEvent{
		Status:    StatusProcessing,
		Message:   "payment completed",
		Actor:     actor,
		ActorRole: RoleBuyer,
		At:        time.Now(),
	}
	if err := s.store.UpdateStatus(ctx, orderID, StatusPendingPayment, StatusProcessing, event, PaymentCompleted); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, orderID)
}

// Transition validates and applies one status change.
//
// Guards run in order: status value → role/permission → payment gate →
// order-type restriction → state graph. On success one tracking event is
// appended and the status is swapped with CAS on the previous status.
// Delivery and refund are the only transitions that touch the ledger; a
// ledger failure aborts the transition with the order unchanged.
func (s *Service) Transition(ctx context.Context, orderID string, req TransitionRequest) (*Order, error) {
	if !req.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := s.checkGuards(o, req); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "rejected").Inc()
		return nil, err
	}

	from := o.CurrentStatus
	wasDelivered := from == StatusDelivered

	setPayment := PaymentStatus("")

	switch {
	case req.Status == StatusDelivered && !wasDelivered:
		ref := "ORDER_EARNING:" + o.ID
		desc := "earning for order " + o.OrderNumber
		if _, err := s.ledger.Credit(ctx, sellerKey(o.SellerID), o.NetPayable(), ledger.KindOrderEarning, desc, ref); err != nil {
			metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "ledger_error").Inc()
			return nil, fmt.Errorf("credit seller: %w", err)
		}

	case req.Status == StatusRefunded && wasDelivered:
		ref := "REVERSAL:" + o.ID
		desc := "refund reversal for order " + o.OrderNumber
		if _, err := s.ledger.Debit(ctx, sellerKey(o.SellerID), o.NetPayable(), ledger.KindReversal, desc, ref); err != nil {
			metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "ledger_error").Inc()
			return nil, fmt.Errorf("reverse seller earning: %w", err)
		}
		if o.PaymentMethod == PayWallet {
			ref := "REFUND_TOPUP:" + o.ID
			desc := "refund for order " + o.OrderNumber
			if _, err := s.ledger.Credit(ctx, buyerKey(o.BuyerID), o.Total, ledger.KindTopup, desc, ref); err != nil {
				metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "ledger_error").Inc()
				return nil, fmt.Errorf("refund buyer wallet: %w", err)
			}
		}
		setPayment = PaymentRefunded
	}

	event := &TrackingEvent{
		Status:    req.Status,
		Message:   req.Message,
		Location:  req.Location,
		Actor:     req.Actor,
		ActorRole: req.ActorRole,
		At:        time.Now(),
	}

	if err := s.store.UpdateStatus(ctx, orderID, from, req.Status, event, setPayment); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "stale").Inc()
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(req.Status), "ok").Inc()

	updated, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if req.Status == StatusDelivered {
			go s.safeNotify("order.delivered", updated)
		} else if req.Status == StatusRefunded {
			go s.safeNotify("order.refunded", updated)
		}
	}

	return updated, nil
}

func (s *Service) checkGuards(o *Order, req TransitionRequest) error {
	// Guard 1: role/permission. Admin staff may transition any order, the
	// owning seller their own, buyers at most cancel their own unpaid order.
	switch req.ActorRole {
	case RoleAdmin:
	case RoleSeller:
		if req.Actor != o.SellerID {
			return ErrUnauthorized
		}
	case RoleBuyer:
		if req.Actor != o.BuyerID || req.Status != StatusCancelled || o.PaymentStatus == PaymentCompleted {
			return ErrUnauthorized
		}
	default:
		return ErrUnauthorized
	}

	// Guard 2: payment gate. Unpaid orders can only be cancelled.
	if o.PaymentStatus != PaymentCompleted && req.Status != StatusCancelled {
		return ErrPaymentPending
	}

	// Guard 3: cross-border restriction. Late international steps are
	// admin-only even for the owning seller.
	if o.International && adminOnlyInternational[req.Status] && req.ActorRole != RoleAdmin {
		return ErrUnauthorized
	}

	// Guard 4: state graph.
	if !CanTransition(o.CurrentStatus, req.Status) {
		return ErrInvalidTransition
	}
	return nil
}

func (s *Service) safeNotify(eventType string, o *Order) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("order notifier panicked", "event", eventType, "orderId", o.ID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.notifier.NotifyOrder(ctx, eventType, o)
}

func sellerKey(sellerID string) string {
	return ledger.AccountRef{Kind: ledger.OwnerSeller, ID: sellerID}.Key()
}

func buyerKey(buyerID string) string {
	return ledger.AccountRef{Kind: ledger.OwnerBuyer, ID: buyerID}.Key()
}

func orderNumber(now time.Time) string {
	return "KAS-" + now.Format("20060102") + "-" + strings.ToUpper(idgen.Hex(3))
}

func parseTotal(s string) (int64, bool) {
	v, ok := money.Parse(s)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}
