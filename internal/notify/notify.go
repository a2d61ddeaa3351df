// Package notify delivers marketplace events to subscriber endpoints.
//
// Sellers and buyers register webhook URLs against their account key and
// receive signed JSON deliveries for order and balance events. Delivery is
// fire-and-forget with bounded retry; an endpoint that keeps failing is
// deactivated rather than retried forever.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kasoahq/kasoa/internal/circuitbreaker"
	"github.com/kasoahq/kasoa/internal/idgen"
	"github.com/kasoahq/kasoa/internal/metrics"
	"github.com/kasoahq/kasoa/internal/retry"
)

// Event types subscribers can listen for.
const (
	EventOrderDelivered  = "order.delivered"
	EventOrderRefunded   = "order.refunded"
	EventWalletCredited  = "wallet.credited"
	EventWalletDebited   = "wallet.debited"
	EventRevenueCredited = "revenue.credited"
	EventRevenueDebited  = "revenue.debited"
)

// ValidEvent reports whether subscribers can register for the event type.
func ValidEvent(t string) bool {
	switch t {
	case EventOrderDelivered, EventOrderRefunded,
		EventWalletCredited, EventWalletDebited,
		EventRevenueCredited, EventRevenueDebited:
		return true
	}
	return false
}

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Event is one delivery payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a registered webhook endpoint. OwnerKey is the account
// key ("seller:s_1", "buyer:u_1") whose events the endpoint receives.
type Subscription struct {
	ID                  string     `json:"id"`
	OwnerKey            string     `json:"ownerKey"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerKey string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures deactivates an endpoint that never answers.
const maxConsecutiveFailures = 10

// Dispatcher sends events to matching subscriptions.
type Dispatcher struct {
	store       Store
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	sendTimeout time.Duration

	// wg tracks in-flight deliveries so tests and shutdown can drain.
	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a 10s per-request client.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      logger,
		sendTimeout: 30 * time.Second,
	}
}

// DispatchToOwner sends the event to the owner's active subscriptions that
// listen for its type. Deliveries run in the background; the call returns
// once subscribers are resolved.
func (d *Dispatcher) DispatchToOwner(ctx context.Context, ownerKey string, event *Event) error {
	subs, err := d.store.GetByOwner(ctx, ownerKey)
	if err != nil {
		return fmt.Errorf("get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !subscribed(sub, event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// SetTimeout adjusts the per-request delivery timeout.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	if t > 0 {
		d.client.Timeout = t
	}
}

func subscribed(sub *Subscription, eventType string) bool {
	for _, et := range sub.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// send delivers one event to one endpoint with retry. It runs detached from
// the caller's context: a committed event outlives the request that caused it.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	// A tripped endpoint still accrues failures so it eventually deactivates.
	if !d.breaker.Allow(sub.URL) {
		metrics.NotifyDeliveriesTotal.WithLabelValues("suppressed").Inc()
		d.recordFailure(ctx, sub, "endpoint circuit open")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "marshal event: "+err.Error())
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.URL)
		metrics.NotifyDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.URL)
	metrics.NotifyDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kasoa-Event", event.Type)
	req.Header.Set("X-Kasoa-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Kasoa-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint rejected the delivery. Retrying the same payload
		// will not change its mind.
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Subscribers
// verify deliveries by recomputing it over the raw body.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("subscription update failed", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("subscription deactivated", "id", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("subscription update failed", "id", sub.ID, "error", err)
	}
	d.logger.Warn("delivery failed", "id", sub.ID, "url", sub.URL, "error", msg)
}

// NewEvent builds a delivery payload with a fresh event ID.
func NewEvent(eventType string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
