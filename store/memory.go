package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sheikhcoders/SheikhPay/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for tests and sandbox runs. It applies
// the same claim semantics as the relational store.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*types.Payment
	claims   map[string]string // transfer key -> payment id
	events   map[string]*types.WebhookEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*types.Payment),
		claims:   make(map[string]string),
		events:   make(map[string]*types.WebhookEvent),
	}
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *types.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("payment %s not found", id)}
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, p *types.Payment, event *types.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("payment %s not found", p.ID)}
	}
	s.payments[p.ID] = clonePayment(p)
	if event != nil {
		copied := *event
		s.events[event.DeliveryID] = &copied
	}
	return nil
}

func (s *MemoryStore) ClaimTransfer(ctx context.Context, t types.Transfer, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.Key()
	if holder, ok := s.claims[key]; ok {
		if holder == paymentID {
			return nil
		}
		return doubleClaimErr(t, holder)
	}
	s.claims[key] = paymentID
	return nil
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, chain types.Chain, txHash string, logIndex uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, fmt.Sprintf("%s:%s:%d", chain, txHash, logIndex))
	return nil
}

func (s *MemoryStore) ListOpenPayments(ctx context.Context) ([]*types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Payment
	for _, p := range s.payments {
		if !p.Terminal() {
			out = append(out, clonePayment(p))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListOpenPaymentsFor(ctx context.Context, chain types.Chain, address string) ([]*types.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Payment
	for _, p := range s.payments {
		if p.Terminal() || p.Chain != chain {
			continue
		}
		if !strings.EqualFold(p.RecipientAddress, address) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) DueEvents(ctx context.Context, now time.Time, limit int) ([]*types.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WebhookEvent
	for _, e := range s.events {
		if e.Status == types.DeliveryPending && !e.NextRetryAt.After(now) {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, event *types.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.events[event.DeliveryID]
	if !ok {
		return &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("event %s not found", event.DeliveryID)}
	}
	existing.Status = event.Status
	existing.AttemptCount = event.AttemptCount
	existing.NextRetryAt = event.NextRetryAt
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Events returns a snapshot of all outbox events, for tests.
func (s *MemoryStore) Events() []*types.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.WebhookEvent, 0, len(s.events))
	for _, e := range s.events {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func clonePayment(p *types.Payment) *types.Payment {
	copied := *p
	copied.ObservedTransfers = append([]types.TransferRef(nil), p.ObservedTransfers...)
	if p.Metadata != nil {
		copied.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

func sortByCreation(payments []*types.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.Before(payments[j].CreatedAt)
	})
}
