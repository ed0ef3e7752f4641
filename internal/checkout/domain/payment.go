package domain

import (
	"errors"
	"time"

	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

type PaymentID string

type PaymentState string

const (
	PaymentPending    PaymentState = "PENDING"
	PaymentAuthorized PaymentState = "AUTHORIZED"
	PaymentSettled    PaymentState = "SETTLED"
	PaymentDeclined   PaymentState = "DECLINED"
	PaymentErrored    PaymentState = "ERROR"
	PaymentCancelled  PaymentState = "CANCELLED"
)

// Replay sentinels. Gateways deliver webhooks at least once; re-applying a
// transition a payment has already taken is a defined no-op, not an error.
var (
	ErrSettleReplay  = errors.New("payment already settled")
	ErrDeclineReplay = errors.New("payment already declined")
)

type Payment struct {
	ID      PaymentID
	OrderID OrderID
	Method  string
	Amount  int64 // equals the order total at initialization, minor units
	State   PaymentState

	// GatewayReference correlates webhook callbacks back to this payment.
	// Globally unique, immutable once assigned.
	GatewayReference string
	TransactionID    string
	ErrorMessage     string
	Metadata         map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether this payment instance can take no further
// transition. A retry creates a new payment row with a new reference.
func (p *Payment) Terminal() bool {
	switch p.State {
	case PaymentSettled, PaymentDeclined, PaymentErrored, PaymentCancelled:
		return true
	}
	return false
}

func (p *Payment) touch() {
	p.UpdatedAt = time.Now().UTC()
}

func (p *Payment) Authorize() error {
	if p.State != PaymentPending {
		return apperr.InvalidTransition("payment", string(p.State), string(PaymentAuthorized))
	}
	p.State = PaymentAuthorized
	p.touch()
	return nil
}

// Settle records the provider transaction id and finalizes the payment.
// Settling an already-settled payment returns ErrSettleReplay and leaves
// the record untouched.
func (p *Payment) Settle(transactionID string) error {
	if p.State == PaymentSettled {
		return ErrSettleReplay
	}
	if p.State != PaymentPending && p.State != PaymentAuthorized {
		return apperr.InvalidTransition("payment", string(p.State), string(PaymentSettled))
	}
	p.State = PaymentSettled
	p.TransactionID = transactionID
	p.touch()
	return nil
}

func (p *Payment) Decline(errorMessage string) error {
	if p.State == PaymentDeclined {
		return ErrDeclineReplay
	}
	if p.State != PaymentPending && p.State != PaymentAuthorized {
		return apperr.InvalidTransition("payment", string(p.State), string(PaymentDeclined))
	}
	p.State = PaymentDeclined
	p.ErrorMessage = errorMessage
	p.touch()
	return nil
}

// Fail marks a payment the gateway answered for in a way we cannot
// interpret as success or decline.
func (p *Payment) Fail(errorMessage string) error {
	if p.Terminal() {
		return apperr.InvalidTransition("payment", string(p.State), string(PaymentErrored))
	}
	p.State = PaymentErrored
	p.ErrorMessage = errorMessage
	p.touch()
	return nil
}

func (p *Payment) Cancel() error {
	if p.Terminal() {
		return apperr.InvalidTransition("payment", string(p.State), string(PaymentCancelled))
	}
	p.State = PaymentCancelled
	p.touch()
	return nil
}
