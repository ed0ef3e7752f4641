package settlement

import (
	"context"
	"errors"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
)

// ErrIdempotencyConflict: the idempotency key already maps to an order.
// The caller re-queries and returns the prior order.
var ErrIdempotencyConflict = errors.New("idempotency key already used")

// Store owns the two shared mutable resources of the pipeline, the orders
// and payments tables. Every method that touches both aggregates commits
// them as one atomic unit: a crash between the payment write and the order
// write is never observable.
type Store interface {
	CreateOrder(ctx context.Context, o *domain.Order, idempotencyKey string) error
	Order(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	OrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)

	PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	PaymentByOrderID(ctx context.Context, id domain.OrderID) (*domain.Payment, error)

	// InitializePayment persists a new PENDING payment and moves its order
	// into PAYMENT_PENDING. Rejects a second active payment for the same
	// order and any reuse of a gateway reference.
	InitializePayment(ctx context.Context, p *domain.Payment) error

	// SettlePayment applies PENDING/AUTHORIZED -> SETTLED to the payment
	// and PAYMENT_PENDING -> PAYMENT_SETTLED to its order, keyed by the
	// unique gateway reference. A payment already settled is returned
	// unchanged with replayed=true and no writes.
	SettlePayment(ctx context.Context, reference, transactionID string) (*domain.Payment, bool, error)

	// DeclinePayment moves the payment to DECLINED and bumps the order's
	// updated_at while leaving it in PAYMENT_PENDING for a retry.
	DeclinePayment(ctx context.Context, reference, errorMessage string) (*domain.Payment, bool, error)

	// CancelOrder cancels a pre-settlement order and its active payment,
	// if any, in one unit.
	CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
}
