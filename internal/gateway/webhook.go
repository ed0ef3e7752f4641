package gateway

import (
	"encoding/json"
	"strconv"

	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

// Webhook event kinds the provider sends.
const (
	eventChargeSuccess = "charge.success"
	eventChargeFailed  = "charge.failed"
)

// Event is the tagged union of webhook payloads. Unknown kinds decode into
// UnknownEvent and are acknowledged without side effects.
type Event interface {
	event()
}

type ChargeSuccess struct {
	Reference     string
	TransactionID string
	Amount        int64 // minor units
	Email         string
}

type ChargeFailed struct {
	Reference string
	Reason    string
	Amount    int64
	Email     string
}

type UnknownEvent struct {
	Kind string
}

func (ChargeSuccess) event() {}
func (ChargeFailed) event()  {}
func (UnknownEvent) event()  {}

type wireEvent struct {
	Event string   `json:"event"`
	Data  wireData `json:"data"`
}

type wireData struct {
	// ID is the provider transaction id. Providers disagree on whether it
	// is a string or a number, so normalize after decode.
	ID              any    `json:"id"`
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	GatewayResponse string `json:"gateway_response"`
	Customer        struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// ParseEvent decodes a raw webhook body. Call this only after the signature
// has been verified.
func ParseEvent(raw []byte) (Event, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, apperr.Validation("malformed webhook payload: %v", err)
	}

	switch we.Event {
	case eventChargeSuccess:
		if we.Data.Reference == "" {
			return nil, apperr.Validation("charge.success without reference")
		}
		return ChargeSuccess{
			Reference:     we.Data.Reference,
			TransactionID: stringifyID(we.Data.ID),
			Amount:        we.Data.Amount,
			Email:         we.Data.Customer.Email,
		}, nil
	case eventChargeFailed:
		if we.Data.Reference == "" {
			return nil, apperr.Validation("charge.failed without reference")
		}
		reason := we.Data.GatewayResponse
		if reason == "" {
			reason = "payment failed"
		}
		return ChargeFailed{
			Reference: we.Data.Reference,
			Reason:    reason,
			Amount:    we.Data.Amount,
			Email:     we.Data.Customer.Email,
		}, nil
	default:
		return UnknownEvent{Kind: we.Event}, nil
	}
}

func stringifyID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
