// Package settlement is the core state machine of the checkout pipeline:
// it applies checkout actions, gateway initialize responses, and webhook
// callbacks to the Order and Payment aggregates, atomically and
// idempotently under concurrent and duplicate delivery.
package settlement

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/internal/gateway"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
	"github.com/nazeru/checkout-settlement-go/pkg/logging"
	"github.com/nazeru/checkout-settlement-go/pkg/signature"
)

// Gateway is the initialize half of the provider contract. The webhook
// half arrives as raw bytes through ProcessWebhook.
type Gateway interface {
	Initialize(ctx context.Context, amount int64, email string, metadata map[string]any) (*gateway.InitializeResult, error)
}

type Coordinator struct {
	store  Store
	gw     Gateway
	secret string // webhook HMAC secret, injected once at startup
	method string // payment method label persisted on each payment
}

func NewCoordinator(store Store, gw Gateway, webhookSecret string) *Coordinator {
	return &Coordinator{store: store, gw: gw, secret: webhookSecret, method: "gateway"}
}

// InitializeOutcome is what the checkout caller needs to redirect the
// payer to the provider.
type InitializeOutcome struct {
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
	Reference        string          `json:"reference"`
	Payment          *domain.Payment `json:"-"`
}

// InitializePayment opens a payment attempt for an order. The gateway call
// happens before anything is persisted: if it fails or times out, no
// payment row exists and the order state is untouched. The persisted
// payment amount always equals the order total at call time.
func (c *Coordinator) InitializePayment(ctx context.Context, orderID domain.OrderID, email string, amount int64) (*InitializeOutcome, error) {
	if strings.TrimSpace(email) == "" {
		return nil, apperr.Validation("email is required")
	}

	o, err := c.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State != domain.OrderCreated && o.State != domain.OrderPaymentPending {
		return nil, apperr.InvalidTransition("order", string(o.State), string(domain.OrderPaymentPending))
	}
	if amount != o.Total {
		return nil, apperr.Validation("amount %d does not match order total %d", amount, o.Total)
	}

	res, err := c.gw.Initialize(ctx, amount, email, map[string]any{
		"order_id":   string(orderID),
		"order_code": o.Code,
	})
	if err != nil {
		return nil, err
	}

	p := &domain.Payment{
		ID:               domain.PaymentID(uuid.NewString()),
		OrderID:          orderID,
		Method:           c.method,
		Amount:           amount,
		State:            domain.PaymentPending,
		GatewayReference: res.Reference,
		Metadata: map[string]any{
			"access_code": res.AccessCode,
			"email":       email,
		},
	}
	if err := c.store.InitializePayment(ctx, p); err != nil {
		return nil, err
	}

	logging.Log(logging.Fields{
		Service: "settlement", OrderID: string(orderID), PaymentID: string(p.ID),
		Reference: res.Reference, Step: "initialize", Status: "pending",
	})
	return &InitializeOutcome{
		AuthorizationURL: res.AuthorizationURL,
		AccessCode:       res.AccessCode,
		Reference:        res.Reference,
		Payment:          p,
	}, nil
}

// HandlePaymentConfirmation settles the payment identified by reference
// and its order in one atomic unit. Redelivery of an already-applied
// confirmation returns the settled payment unchanged.
func (c *Coordinator) HandlePaymentConfirmation(ctx context.Context, reference, transactionID string) (*domain.Payment, error) {
	p, replayed, err := c.store.SettlePayment(ctx, reference, transactionID)
	if err != nil {
		return nil, err
	}

	status := "settled"
	if replayed {
		status = "replayed"
	}
	logging.Log(logging.Fields{
		Service: "settlement", OrderID: string(p.OrderID), PaymentID: string(p.ID),
		Reference: reference, Step: "confirmation", Status: status,
	})
	return p, nil
}

// HandlePaymentFailure declines the payment and leaves the order in
// PAYMENT_PENDING so the customer can retry without rebuilding the cart.
func (c *Coordinator) HandlePaymentFailure(ctx context.Context, reference, errorMessage string) (*domain.Payment, error) {
	p, replayed, err := c.store.DeclinePayment(ctx, reference, errorMessage)
	if err != nil {
		return nil, err
	}

	status := "declined"
	if replayed {
		status = "replayed"
	}
	logging.Log(logging.Fields{
		Service: "settlement", OrderID: string(p.OrderID), PaymentID: string(p.ID),
		Reference: reference, Step: "failure", Status: status, Message: errorMessage,
	})
	return p, nil
}

func (c *Coordinator) GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return c.store.PaymentByReference(ctx, reference)
}

func (c *Coordinator) GetPaymentByOrderID(ctx context.Context, orderID domain.OrderID) (*domain.Payment, error) {
	return c.store.PaymentByOrderID(ctx, orderID)
}

// VerifyWebhookSignature checks the HMAC-SHA512 signature header against
// the raw body. Pure, no side effects.
func (c *Coordinator) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	return signature.Verify(c.secret, rawBody, signatureHeader)
}

// CancelOrder is the administrative override: cancels a pre-settlement
// order and its active payment attempt together.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID domain.OrderID) (*domain.Order, error) {
	o, err := c.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	logging.Log(logging.Fields{
		Service: "settlement", OrderID: string(orderID), Step: "cancel", Status: string(o.State),
	})
	return o, nil
}

// ProcessWebhook authenticates, parses, and applies one inbound gateway
// callback. Authentication happens on the raw body before any parsing, so
// forged or malformed payloads never reach the aggregates. Unknown event
// kinds are acknowledged and ignored (nil payment, nil error).
func (c *Coordinator) ProcessWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (*domain.Payment, error) {
	if !signature.Verify(c.secret, rawBody, signatureHeader) {
		logging.Log(logging.Fields{
			Service: "settlement", Reference: auditReference(rawBody),
			Step: "webhook", Status: "rejected", Message: "signature mismatch",
		})
		return nil, apperr.Authentication("webhook signature invalid")
	}

	evt, err := gateway.ParseEvent(rawBody)
	if err != nil {
		return nil, err
	}

	switch e := evt.(type) {
	case gateway.ChargeSuccess:
		p, err := c.store.PaymentByReference(ctx, e.Reference)
		if err != nil {
			return nil, err
		}
		if e.Amount != p.Amount {
			return nil, apperr.Validation("webhook amount %d does not match payment amount %d for %s", e.Amount, p.Amount, e.Reference)
		}
		txnID := e.TransactionID
		if txnID == "" {
			txnID = e.Reference
		}
		return c.HandlePaymentConfirmation(ctx, e.Reference, txnID)
	case gateway.ChargeFailed:
		return c.HandlePaymentFailure(ctx, e.Reference, e.Reason)
	case gateway.UnknownEvent:
		logging.Log(logging.Fields{
			Service: "settlement", Step: "webhook", Status: "ignored", Message: e.Kind,
		})
		return nil, nil
	default:
		return nil, nil
	}
}

// auditReference extracts the claimed reference from a rejected payload for
// the audit log only. The payload is already rejected; nothing here feeds
// business logic, and the expected signature is never logged.
func auditReference(rawBody []byte) string {
	var probe struct {
		Data struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &probe); err != nil {
		return ""
	}
	return probe.Data.Reference
}
