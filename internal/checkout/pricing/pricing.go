// Package pricing computes order line totals and validates requested
// quantities against available stock at order-creation time. Prices and
// amounts are int64 minor units throughout.
package pricing

import (
	"context"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

type Variant struct {
	ProductID domain.ProductID
	VariantID string
	Name      string
	UnitPrice int64
	Stock     int32
}

// Catalog is a point-in-time read of the product catalog. Returns
// NotFoundError for an unknown product/variant pair.
type Catalog interface {
	Variant(ctx context.Context, productID domain.ProductID, variantID string) (*Variant, error)
}

type LineRequest struct {
	ProductID domain.ProductID `json:"product_id"`
	VariantID string           `json:"variant_id,omitempty"`
	Quantity  int32            `json:"quantity"`
}

type Quote struct {
	Lines    []domain.OrderLine
	SubTotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

type Pricer struct {
	Catalog Catalog
	// FlatShipping is charged once per order.
	FlatShipping int64
	// TaxBasisPoints applies to the subtotal, e.g. 750 = 7.5%.
	TaxBasisPoints int64
}

// Quote resolves unit prices, checks stock, and computes the totals the
// order will snapshot. No side effects.
func (p *Pricer) Quote(ctx context.Context, lines []LineRequest) (*Quote, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation("at least one line is required")
	}

	q := &Quote{Shipping: p.FlatShipping}
	for _, req := range lines {
		if req.ProductID == "" {
			return nil, apperr.Validation("line is missing product_id")
		}
		if req.Quantity <= 0 {
			return nil, apperr.Validation("product %s: quantity must be > 0", req.ProductID)
		}
		v, err := p.Catalog.Variant(ctx, req.ProductID, req.VariantID)
		if err != nil {
			return nil, err
		}
		if req.Quantity > v.Stock {
			return nil, apperr.Validation("product %s: requested %d, only %d in stock",
				req.ProductID, req.Quantity, v.Stock)
		}
		q.Lines = append(q.Lines, domain.OrderLine{
			ProductID: v.ProductID,
			VariantID: v.VariantID,
			Quantity:  req.Quantity,
			UnitPrice: v.UnitPrice,
		})
		q.SubTotal += v.UnitPrice * int64(req.Quantity)
	}

	q.Tax = q.SubTotal * p.TaxBasisPoints / 10000
	q.Total = q.SubTotal + q.Shipping + q.Tax
	return q, nil
}

// StaticCatalog serves fixed variants, keyed by product id + "/" + variant
// id. Used by tests and the in-memory demo mode.
type StaticCatalog map[string]Variant

func (c StaticCatalog) Variant(ctx context.Context, productID domain.ProductID, variantID string) (*Variant, error) {
	v, ok := c[string(productID)+"/"+variantID]
	if !ok {
		return nil, apperr.NotFound("variant", string(productID)+"/"+variantID)
	}
	out := v
	return &out, nil
}
