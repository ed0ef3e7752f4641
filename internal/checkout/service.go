// Package checkout creates orders: it prices the requested lines, snapshots
// them, and persists the order in CREATED, ready for payment initialization.
package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/internal/checkout/pricing"
	"github.com/nazeru/checkout-settlement-go/internal/settlement"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
	"github.com/nazeru/checkout-settlement-go/pkg/logging"
)

// OrderStore is the slice of the settlement store checkout needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *domain.Order, idempotencyKey string) error
	Order(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	OrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
}

type Service struct {
	Store  OrderStore
	Pricer *pricing.Pricer
}

type CreateOrderInput struct {
	CustomerID     string
	Currency       string
	Lines          []pricing.LineRequest
	IdempotencyKey string
}

// CreateOrder quotes and persists a new order. When an idempotency key is
// supplied and already known, the prior order is returned with
// replayed=true and nothing is written.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, bool, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, false, apperr.Validation("customer_id is required")
	}
	if strings.TrimSpace(in.Currency) == "" {
		return nil, false, apperr.Validation("currency is required")
	}

	if in.IdempotencyKey != "" {
		if existing, err := s.Store.OrderByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
			return existing, true, nil
		}
	}

	q, err := s.Pricer.Quote(ctx, in.Lines)
	if err != nil {
		return nil, false, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	o := &domain.Order{
		ID:         domain.OrderID(id),
		Code:       "ORD-" + strings.ToUpper(id[:8]),
		CustomerID: domain.CustomerID(in.CustomerID),
		Lines:      q.Lines,
		SubTotal:   q.SubTotal,
		Shipping:   q.Shipping,
		Tax:        q.Tax,
		Total:      q.Total,
		Currency:   in.Currency,
		State:      domain.OrderCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.Store.CreateOrder(ctx, o, in.IdempotencyKey); err != nil {
		if errors.Is(err, settlement.ErrIdempotencyConflict) {
			// lost the race to a concurrent replica; return the winner
			if existing, qerr := s.Store.OrderByIdempotencyKey(ctx, in.IdempotencyKey); qerr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	logging.Log(logging.Fields{
		Service: "checkout", OrderID: string(o.ID), Step: "create_order",
		Status: string(o.State), Message: o.Code,
	})
	return o, false, nil
}
