package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

// PGCatalog reads the products table. Stock here is the point-in-time
// available quantity; the decrement itself happens at settlement, outside
// this reader.
type PGCatalog struct {
	Pool *pgxpool.Pool
}

func (c *PGCatalog) Variant(ctx context.Context, productID domain.ProductID, variantID string) (*Variant, error) {
	v := Variant{ProductID: productID, VariantID: variantID}
	err := c.Pool.QueryRow(ctx,
		`SELECT name, unit_price, stock FROM products WHERE id=$1 AND variant_id=$2`,
		string(productID), variantID,
	).Scan(&v.Name, &v.UnitPrice, &v.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("variant", string(productID)+"/"+variantID)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
