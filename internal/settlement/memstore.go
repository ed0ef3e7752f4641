package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
	"github.com/nazeru/checkout-settlement-go/pkg/contracts"
)

// MemStore is the mutex-serialized Store used by tests and demo mode.
// Transitions are applied to copies and written back only when every step
// succeeds, mirroring the transactional behavior of the Postgres store.
// Emitted events are kept in order and inspectable via Events().
type MemStore struct {
	mu                sync.Mutex
	orders            map[domain.OrderID]*domain.Order
	payments          map[string]*domain.Payment // keyed by gateway reference
	paymentRefByOrder map[domain.OrderID]string  // most recent attempt
	idem              map[string]domain.OrderID
	events            []contracts.Event
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:            make(map[domain.OrderID]*domain.Order),
		payments:          make(map[string]*domain.Payment),
		paymentRefByOrder: make(map[domain.OrderID]string),
		idem:              make(map[string]domain.OrderID),
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return &cp
}

func clonePayment(p *domain.Payment) *domain.Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (s *MemStore) record(eventType string, o *domain.Order, p *domain.Payment) {
	s.events = append(s.events, newEvent(eventType, o, p))
}

// Events returns a snapshot of everything emitted so far.
func (s *MemStore) Events() []contracts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.Event(nil), s.events...)
}

func (s *MemStore) CreateOrder(ctx context.Context, o *domain.Order, idempotencyKey string) error {
	if err := o.CheckTotals(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if _, exists := s.idem[idempotencyKey]; exists {
			return ErrIdempotencyConflict
		}
	}
	if _, exists := s.orders[o.ID]; exists {
		return apperr.Validation("order %s already exists", o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	if idempotencyKey != "" {
		s.idem[idempotencyKey] = o.ID
	}
	s.record(contracts.EventOrderCreated, o, nil)
	return nil
}

func (s *MemStore) Order(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", string(id))
	}
	return cloneOrder(o), nil
}

func (s *MemStore) OrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idem[key]
	if !ok {
		return nil, apperr.NotFound("order", "idempotency:"+key)
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *MemStore) PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok {
		return nil, apperr.NotFound("payment", reference)
	}
	return clonePayment(p), nil
}

func (s *MemStore) PaymentByOrderID(ctx context.Context, id domain.OrderID) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.paymentRefByOrder[id]
	if !ok {
		return nil, apperr.NotFound("payment", "order:"+string(id))
	}
	return clonePayment(s.payments[ref]), nil
}

func (s *MemStore) InitializePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[p.OrderID]
	if !ok {
		return apperr.NotFound("order", string(p.OrderID))
	}
	if _, exists := s.payments[p.GatewayReference]; exists {
		return apperr.Validation("gateway reference %s already exists", p.GatewayReference)
	}
	if ref, ok := s.paymentRefByOrder[p.OrderID]; ok {
		if active := s.payments[ref]; !active.Terminal() {
			return apperr.Validation("order %s already has an active payment %s", p.OrderID, ref)
		}
	}

	oc := cloneOrder(o)
	if err := oc.MarkPaymentPending(); err != nil {
		return err
	}

	pc := clonePayment(p)
	now := time.Now().UTC()
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = now
	}
	pc.UpdatedAt = now

	s.orders[oc.ID] = oc
	s.payments[pc.GatewayReference] = pc
	s.paymentRefByOrder[pc.OrderID] = pc.GatewayReference
	s.record(contracts.EventPaymentInitialized, oc, pc)
	return nil
}

func (s *MemStore) SettlePayment(ctx context.Context, reference, transactionID string) (*domain.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[reference]
	if !ok {
		return nil, false, apperr.NotFound("payment", reference)
	}

	pc := clonePayment(p)
	if err := pc.Settle(transactionID); err != nil {
		if err == domain.ErrSettleReplay {
			return clonePayment(p), true, nil
		}
		return nil, false, err
	}

	oc := cloneOrder(s.orders[p.OrderID])
	if err := oc.MarkSettled(); err != nil {
		return nil, false, err
	}

	s.payments[reference] = pc
	s.orders[oc.ID] = oc
	s.record(contracts.EventPaymentSettled, oc, pc)
	return clonePayment(pc), false, nil
}

func (s *MemStore) DeclinePayment(ctx context.Context, reference, errorMessage string) (*domain.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[reference]
	if !ok {
		return nil, false, apperr.NotFound("payment", reference)
	}

	pc := clonePayment(p)
	if err := pc.Decline(errorMessage); err != nil {
		if err == domain.ErrDeclineReplay {
			return clonePayment(p), true, nil
		}
		return nil, false, err
	}

	oc := cloneOrder(s.orders[p.OrderID])
	if err := oc.RecordFailedAttempt(); err != nil {
		return nil, false, err
	}

	s.payments[reference] = pc
	s.orders[oc.ID] = oc
	s.record(contracts.EventPaymentDeclined, oc, pc)
	return clonePayment(pc), false, nil
}

func (s *MemStore) CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", string(id))
	}

	oc := cloneOrder(o)
	if err := oc.Cancel(); err != nil {
		return nil, err
	}

	var pc *domain.Payment
	if ref, ok := s.paymentRefByOrder[id]; ok {
		if active := s.payments[ref]; !active.Terminal() {
			pc = clonePayment(active)
			if err := pc.Cancel(); err != nil {
				return nil, err
			}
		}
	}

	s.orders[id] = oc
	if pc != nil {
		s.payments[pc.GatewayReference] = pc
	}
	s.record(contracts.EventOrderCancelled, oc, pc)
	return cloneOrder(oc), nil
}
