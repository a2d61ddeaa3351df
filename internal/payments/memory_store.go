package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory topup store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	topups map[string]*Topup
	order  []string
}

// NewMemoryStore creates an empty in-memory topup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{topups: make(map[string]*Topup)}
}

func (s *MemoryStore) Create(ctx context.Context, t *Topup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.topups[t.ID] = &cp
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Topup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topups[id]
	if !ok {
		return nil, ErrTopupNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status TopupStatus) (*Topup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topups[id]
	if !ok {
		return nil, ErrTopupNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Topup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Topup
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.topups[s.order[i]]
		if t.BuyerID == buyerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
