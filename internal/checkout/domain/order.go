package domain

import (
	"time"

	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

type OrderID string
type CustomerID string
type ProductID string

type OrderState string

const (
	OrderCreated           OrderState = "CREATED"
	OrderPaymentPending    OrderState = "PAYMENT_PENDING"
	OrderPaymentAuthorized OrderState = "PAYMENT_AUTHORIZED"
	OrderPaymentSettled    OrderState = "PAYMENT_SETTLED"
	OrderShipped           OrderState = "SHIPPED"
	OrderDelivered         OrderState = "DELIVERED"
	OrderCancelled         OrderState = "CANCELLED"
)

// OrderLine snapshots the unit price at order creation. It is never
// recomputed from the live catalog.
type OrderLine struct {
	ProductID ProductID `json:"product_id"`
	VariantID string    `json:"variant_id,omitempty"`
	Quantity  int32     `json:"quantity"`
	UnitPrice int64     `json:"unit_price"` // minor units
}

type Order struct {
	ID         OrderID
	Code       string
	CustomerID CustomerID
	Lines      []OrderLine
	SubTotal   int64
	Shipping   int64
	Tax        int64
	Total      int64 // always SubTotal + Shipping + Tax
	Currency   string
	State      OrderState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckTotals enforces the money invariant. Called on construction and on
// load so a corrupted row never reaches a transition.
func (o *Order) CheckTotals() error {
	if o.Total != o.SubTotal+o.Shipping+o.Tax {
		return apperr.Validation("order %s: total %d != subtotal %d + shipping %d + tax %d",
			o.ID, o.Total, o.SubTotal, o.Shipping, o.Tax)
	}
	return nil
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}

// MarkPaymentPending moves CREATED -> PAYMENT_PENDING when the first payment
// attempt is initialized. A retry after a declined attempt re-enters
// PAYMENT_PENDING from itself.
func (o *Order) MarkPaymentPending() error {
	if o.State != OrderCreated && o.State != OrderPaymentPending {
		return apperr.InvalidTransition("order", string(o.State), string(OrderPaymentPending))
	}
	o.State = OrderPaymentPending
	o.touch()
	return nil
}

func (o *Order) MarkAuthorized() error {
	if o.State != OrderPaymentPending {
		return apperr.InvalidTransition("order", string(o.State), string(OrderPaymentAuthorized))
	}
	o.State = OrderPaymentAuthorized
	o.touch()
	return nil
}

func (o *Order) MarkSettled() error {
	if o.State != OrderPaymentPending && o.State != OrderPaymentAuthorized {
		return apperr.InvalidTransition("order", string(o.State), string(OrderPaymentSettled))
	}
	o.State = OrderPaymentSettled
	o.touch()
	return nil
}

func (o *Order) MarkShipped() error {
	if o.State != OrderPaymentSettled {
		return apperr.InvalidTransition("order", string(o.State), string(OrderShipped))
	}
	o.State = OrderShipped
	o.touch()
	return nil
}

func (o *Order) MarkDelivered() error {
	if o.State != OrderShipped {
		return apperr.InvalidTransition("order", string(o.State), string(OrderDelivered))
	}
	o.State = OrderDelivered
	o.touch()
	return nil
}

// Cancel is the administrative override. Financial records are immutable
// once settled, so cancellation is only legal pre-settlement.
func (o *Order) Cancel() error {
	switch o.State {
	case OrderCreated, OrderPaymentPending, OrderPaymentAuthorized:
		o.State = OrderCancelled
		o.touch()
		return nil
	default:
		return apperr.InvalidTransition("order", string(o.State), string(OrderCancelled))
	}
}

// RecordFailedAttempt keeps the order in PAYMENT_PENDING after a declined
// payment. Failed payment is not an order failure: the customer retries
// checkout without rebuilding the cart.
func (o *Order) RecordFailedAttempt() error {
	if o.State != OrderPaymentPending {
		return apperr.InvalidTransition("order", string(o.State), string(OrderPaymentPending))
	}
	o.touch()
	return nil
}
