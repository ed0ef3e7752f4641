package contracts

import "time"

// Event is the cross-service envelope published through the outbox.
// EventID is the deduplication key for every downstream consumer.
type Event struct {
	EventID   string         `json:"event_id"`
	OrderID   string         `json:"order_id"`
	PaymentID string         `json:"payment_id,omitempty"`
	Reference string         `json:"reference,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const (
	EventOrderCreated       = "order.created"
	EventOrderCancelled     = "order.cancelled"
	EventPaymentInitialized = "payment.initialized"
	EventPaymentSettled     = "payment.settled"
	EventPaymentDeclined    = "payment.declined"
	EventPaymentErrored     = "payment.errored"
)

// TopicPayments carries every order/payment lifecycle event; the relay keys
// by order id so per-order ordering survives partitioning.
const TopicPayments = "checkout.payments"
