package settlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/pkg/contracts"
)

// newEvent builds the outbox envelope for a committed transition. Both
// stores emit the same shape so downstream consumers cannot tell them
// apart.
func newEvent(eventType string, o *domain.Order, p *domain.Payment) contracts.Event {
	evt := contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(o.ID),
		CreatedAt: time.Now().UTC(),
		Type:      eventType,
		Payload:   map[string]any{"order_state": string(o.State)},
	}
	if p != nil {
		evt.PaymentID = string(p.ID)
		evt.Reference = p.GatewayReference
		evt.Payload["payment_state"] = string(p.State)
		evt.Payload["amount"] = p.Amount
	}
	return evt
}
