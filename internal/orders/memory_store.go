package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kasoahq/kasoa/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

// UpdateStatus swaps the status only if the stored status still matches from,
// appending the tracking event in the same critical section.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, event *TrackingEvent, setPayment PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.CurrentStatus != from {
		return ErrStaleOrder
	}

	o.CurrentStatus = to
	o.Tracking = append(o.Tracking, *event)
	if setPayment != "" {
		o.PaymentStatus = setPayment
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentStatus = status
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int, before *pagination.Cursor) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(func(o *Order) bool { return o.SellerID == sellerID }, limit, before), nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int, before *pagination.Cursor) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.list(func(o *Order) bool { return o.BuyerID == buyerID }, limit, before), nil
}

func (m *MemoryStore) list(match func(*Order) bool, limit int, before *pagination.Cursor) []*Order {
	var result []*Order
	for _, o := range m.orders {
		if !match(o) {
			continue
		}
		if before != nil && !olderThan(o, before) {
			continue
		}
		result = append(result, copyOrder(o))
	}
	// Newest first, ID as tiebreaker so pages are stable.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

// olderThan reports whether the order sorts strictly after the cursor in the
// newest-first ordering, comparing (created_at, id) as a tuple.
func olderThan(o *Order, c *pagination.Cursor) bool {
	if !o.CreatedAt.Equal(c.CreatedAt) {
		return o.CreatedAt.Before(c.CreatedAt)
	}
	return o.ID < c.ID
}

// copyOrder deep-copies the tracking slice so an append on the copy cannot
// mutate the stored order.
func copyOrder(o *Order) *Order {
	cp := *o
	cp.Tracking = make([]TrackingEvent, len(o.Tracking))
	copy(cp.Tracking, o.Tracking)
	cp.refresh()
	return &cp
}
