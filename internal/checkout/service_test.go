package checkout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/internal/checkout/pricing"
	"github.com/nazeru/checkout-settlement-go/internal/settlement"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

func newTestService() (*Service, *settlement.MemStore) {
	store := settlement.NewMemStore()
	catalog := pricing.StaticCatalog{
		"prod-1/": {ProductID: "prod-1", Name: "Mug", UnitPrice: 70000, Stock: 5},
	}
	svc := &Service{
		Store:  store,
		Pricer: &pricing.Pricer{Catalog: catalog, FlatShipping: 5000, TaxBasisPoints: 0},
	}
	return svc, store
}

func TestCreateOrderSnapshotsTotals(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()

	o, replayed, err := svc.CreateOrder(ctx, CreateOrderInput{
		CustomerID: "cust-1",
		Currency:   "NGN",
		Lines:      []pricing.LineRequest{{ProductID: "prod-1", Quantity: 2}},
	})
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, domain.OrderCreated, o.State)
	require.Equal(t, int64(140000), o.SubTotal)
	require.Equal(t, int64(145000), o.Total)
	require.NoError(t, o.CheckTotals())
	require.Contains(t, o.Code, "ORD-")

	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	require.Equal(t, int64(70000), got.Lines[0].UnitPrice)
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	in := CreateOrderInput{
		CustomerID:     "cust-1",
		Currency:       "NGN",
		Lines:          []pricing.LineRequest{{ProductID: "prod-1", Quantity: 1}},
		IdempotencyKey: "key-1",
	}

	first, replayed, err := svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	var ve *apperr.ValidationError

	_, _, err := svc.CreateOrder(ctx, CreateOrderInput{Currency: "NGN", Lines: []pricing.LineRequest{{ProductID: "prod-1", Quantity: 1}}})
	require.ErrorAs(t, err, &ve)

	_, _, err = svc.CreateOrder(ctx, CreateOrderInput{CustomerID: "cust-1", Lines: []pricing.LineRequest{{ProductID: "prod-1", Quantity: 1}}})
	require.ErrorAs(t, err, &ve)

	_, _, err = svc.CreateOrder(ctx, CreateOrderInput{CustomerID: "cust-1", Currency: "NGN", Lines: []pricing.LineRequest{{ProductID: "prod-1", Quantity: 9}}})
	require.ErrorAs(t, err, &ve)
}
