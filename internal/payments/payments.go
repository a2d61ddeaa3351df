// Package payments handles order checkout and wallet top-ups.
//
// Wallet checkout debits the buyer's wallet and marks the order paid in one
// call. Top-ups go through Stripe: InitTopup creates a PaymentIntent and a
// pending topup row, and the webhook consumer credits the wallet when Stripe
// confirms the charge. The ledger credit is keyed by the intent ID, so a
// replayed webhook is a no-op.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/kasoahq/kasoa/internal/ledger"
	"github.com/kasoahq/kasoa/internal/metrics"
	"github.com/kasoahq/kasoa/internal/orders"
)

var (
	ErrTopupNotFound  = errors.New("topup not found")
	ErrNotWalletOrder = errors.New("order is not a wallet order")
	ErrAlreadyPaid    = errors.New("order already paid")
	ErrStripeDisabled = errors.New("stripe is not configured")
	ErrInvalidTopup   = errors.New("invalid topup request")
	ErrBadWebhook     = errors.New("webhook verification failed")
)

// TopupStatus tracks a top-up through the Stripe round trip.
type TopupStatus string

const (
	TopupPending   TopupStatus = "pending"
	TopupSucceeded TopupStatus = "succeeded"
	TopupFailed    TopupStatus = "failed"
)

// Topup is one wallet top-up attempt, keyed by the Stripe intent ID.
type Topup struct {
	ID        string      `json:"id"`
	BuyerID   string      `json:"buyerId"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
	Status    TopupStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Store persists top-up rows.
type Store interface {
	Create(ctx context.Context, t *Topup) error
	Get(ctx context.Context, id string) (*Topup, error)
	SetStatus(ctx context.Context, id string, status TopupStatus) (*Topup, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Topup, error)
}

// LedgerService is the slice of the ledger payments needs.
type LedgerService interface {
	Credit(ctx context.Context, accountKey string, amount int64, kind ledger.Kind, description, reference string) (*ledger.Result, error)
	Debit(ctx context.Context, accountKey string, amount int64, kind ledger.Kind, description, reference string) (*ledger.Result, error)
}

// OrderService is the slice of the order service payments needs.
type OrderService interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	MarkPaid(ctx context.Context, orderID, actor string) (*orders.Order, error)
}

// Service coordinates checkout and top-ups.
type Service struct {
	store         Store
	ledger        LedgerService
	orders        OrderService
	stripe        *client.API
	webhookSecret string
	currency      string
	logger        *slog.Logger
}

// NewService creates the payments service. stripeKey may be empty, in which
// case top-ups are disabled and only wallet checkout works.
func NewService(store Store, ledgerSvc LedgerService, orderSvc OrderService, stripeKey, webhookSecret, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:         store,
		ledger:        ledgerSvc,
		orders:        orderSvc,
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
		logger:        logger,
	}
	if stripeKey != "" {
		s.stripe = client.New(stripeKey, nil)
	}
	return s
}

// PayWithWallet debits the buyer's wallet for the order total and marks the
// order paid. The debit reference is derived from the order ID, so a retry
// after a partial failure resumes instead of double-charging.
func (s *Service) PayWithWallet(ctx context.Context, orderID, buyerID string) (*orders.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != orders.PayWallet {
		return nil, ErrNotWalletOrder
	}
	if o.BuyerID != buyerID {
		return nil, orders.ErrUnauthorized
	}
	if o.PaymentStatus != orders.PaymentPending {
		return nil, ErrAlreadyPaid
	}

	key := ledger.AccountRef{Kind: ledger.OwnerBuyer, ID: o.BuyerID}.Key()
	ref := "ORDER_DEBIT:" + o.ID
	desc := "payment for order " + o.OrderNumber
	if _, err := s.ledger.Debit(ctx, key, o.Total, ledger.KindOrderDebit, desc, ref); err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	return s.orders.MarkPaid(ctx, orderID, buyerID)
}

// InitTopup creates a Stripe PaymentIntent for the amount and records a
// pending top-up. The returned client secret drives the card flow on the
// buyer's device.
func (s *Service) InitTopup(ctx context.Context, buyerID string, amount int64) (*Topup, string, error) {
	if s.stripe == nil {
		return nil, "", ErrStripeDisabled
	}
	if buyerID == "" || amount <= 0 {
		return nil, "", ErrInvalidTopup
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.currency),
	}
	params.AddMetadata("buyer_id", buyerID)
	params.SetIdempotencyKey(uuid.NewString())

	pi, err := s.stripe.PaymentIntents.New(params)
	if err != nil {
		return nil, "", fmt.Errorf("create payment intent: %w", err)
	}

	now := time.Now()
	t := &Topup{
		ID:        pi.ID,
		BuyerID:   buyerID,
		Amount:    amount,
		Currency:  s.currency,
		Status:    TopupPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, "", fmt.Errorf("record topup: %w", err)
	}

	s.logger.Info("topup initiated", "intent", pi.ID, "buyer", buyerID, "amount", amount)
	return t, pi.ClientSecret, nil
}

// GetTopup returns a single top-up row.
func (s *Service) GetTopup(ctx context.Context, id string) (*Topup, error) {
	return s.store.Get(ctx, id)
}

// ListTopups returns a buyer's top-up history, newest first.
func (s *Service) ListTopups(ctx context.Context, buyerID string, limit int) ([]*Topup, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// HandleStripeWebhook verifies the signature and applies the event. Returns
// ErrBadWebhook for anything that fails verification so the handler can
// reject without leaking detail.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook rejected", "error", err)
		return ErrBadWebhook
	}
	return s.processEvent(ctx, event)
}

// processEvent applies one verified Stripe event. Unknown event types are
// acknowledged and ignored.
func (s *Service) processEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("decode payment intent: %w", err)
		}
		return s.confirmTopup(ctx, pi.ID)
	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("decode payment intent: %w", err)
		}
		return s.failTopup(ctx, pi.ID)
	default:
		s.logger.Debug("webhook ignored", "type", event.Type)
		return nil
	}
}

// confirmTopup credits the buyer's wallet for a succeeded intent. The credit
// reference is the intent ID, so Stripe's at-least-once delivery collapses
// to exactly one wallet credit.
func (s *Service) confirmTopup(ctx context.Context, intentID string) error {
	t, err := s.store.Get(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrTopupNotFound) {
			// Intent created outside this system. Acknowledge so Stripe
			// stops retrying.
			s.logger.Warn("succeeded intent has no topup row", "intent", intentID)
			return nil
		}
		return err
	}

	key := ledger.AccountRef{Kind: ledger.OwnerBuyer, ID: t.BuyerID}.Key()
	ref := "TOPUP:" + intentID
	res, err := s.ledger.Credit(ctx, key, t.Amount, ledger.KindTopup, "wallet top-up", ref)
	if err != nil {
		metrics.TopupsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("credit wallet: %w", err)
	}

	if _, err := s.store.SetStatus(ctx, intentID, TopupSucceeded); err != nil {
		return err
	}
	if res.Duplicate {
		metrics.TopupsTotal.WithLabelValues("duplicate").Inc()
	} else {
		metrics.TopupsTotal.WithLabelValues("succeeded").Inc()
		s.logger.Info("topup confirmed", "intent", intentID, "buyer", t.BuyerID, "amount", t.Amount)
	}
	return nil
}

func (s *Service) failTopup(ctx context.Context, intentID string) error {
	if _, err := s.store.SetStatus(ctx, intentID, TopupFailed); err != nil {
		if errors.Is(err, ErrTopupNotFound) {
			return nil
		}
		return err
	}
	metrics.TopupsTotal.WithLabelValues("failed").Inc()
	return nil
}
