package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/internal/gateway"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
	"github.com/nazeru/checkout-settlement-go/pkg/contracts"
	"github.com/nazeru/checkout-settlement-go/pkg/signature"
)

const testSecret = "whsec_test"

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeGateway) Initialize(ctx context.Context, amount int64, email string, metadata map[string]any) (*gateway.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ref := fmt.Sprintf("ref-%d", f.calls)
	return &gateway.InitializeResult{
		AuthorizationURL: "https://pay.example/" + ref,
		AccessCode:       "AC_" + ref,
		Reference:        ref,
	}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCoordinator(t *testing.T) (*Coordinator, *MemStore, *fakeGateway) {
	t.Helper()
	store := NewMemStore()
	gw := &fakeGateway{}
	return NewCoordinator(store, gw, testSecret), store, gw
}

func seedOrder(t *testing.T, store *MemStore, total int64) *domain.Order {
	t.Helper()
	o := &domain.Order{
		ID:         "ord-1",
		Code:       "ORD-0001",
		CustomerID: "cust-1",
		Lines: []domain.OrderLine{
			{ProductID: "prod-1", Quantity: 2, UnitPrice: (total - 10000) / 2},
		},
		SubTotal:  total - 10000,
		Shipping:  5000,
		Tax:       5000,
		Total:     total,
		Currency:  "NGN",
		State:     domain.OrderCreated,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateOrder(context.Background(), o, ""))
	return o
}

func countEvents(store *MemStore, eventType string) int {
	n := 0
	for _, evt := range store.Events() {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func TestInitializePaymentCreatesPendingPayment(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)

	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)
	require.NotEmpty(t, out.AuthorizationURL)
	require.NotEmpty(t, out.AccessCode)
	require.NotEmpty(t, out.Reference)

	p, err := store.PaymentByReference(ctx, out.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, p.State)
	require.Equal(t, int64(150000), p.Amount)
	require.Equal(t, o.ID, p.OrderID)

	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaymentPending, got.State)

	require.Equal(t, 1, countEvents(store, contracts.EventPaymentInitialized))
}

func TestInitializePaymentAmountMismatch(t *testing.T) {
	ctx := context.Background()
	coord, store, gw := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)

	_, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 149999)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)

	// no gateway call, no payment row, order untouched
	require.Equal(t, 0, gw.callCount())
	_, err = store.PaymentByOrderID(ctx, o.ID)
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCreated, got.State)
}

func TestInitializePaymentOrderNotFound(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	_, err := coord.InitializePayment(context.Background(), "missing", "a@b.com", 100)
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestInitializePaymentRequiresEmail(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	_, err := coord.InitializePayment(context.Background(), o.ID, "  ", 150000)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestInitializePaymentGatewayUnreachable(t *testing.T) {
	ctx := context.Background()
	coord, store, gw := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	gw.err = apperr.External("gateway", errors.New("connection refused"))

	_, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	var ex *apperr.ExternalServiceError
	require.ErrorAs(t, err, &ex)

	// all-or-nothing: no payment row, order not moved to PAYMENT_PENDING
	_, err = store.PaymentByOrderID(ctx, o.ID)
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCreated, got.State)
}

func TestInitializePaymentRejectsSecondActiveAttempt(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)

	_, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	_, err = coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestConfirmationSettlesBothAggregates(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	p, err := coord.HandlePaymentConfirmation(ctx, out.Reference, "TXN1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentSettled, p.State)
	require.Equal(t, "TXN1", p.TransactionID)

	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaymentSettled, got.State)

	require.Equal(t, 1, countEvents(store, contracts.EventPaymentSettled))
}

func TestConfirmationReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	first, err := coord.HandlePaymentConfirmation(ctx, out.Reference, "TXN1")
	require.NoError(t, err)
	orderAfterFirst, err := store.Order(ctx, o.ID)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	second, err := coord.HandlePaymentConfirmation(ctx, out.Reference, "TXN1")
	require.NoError(t, err)

	require.Equal(t, first.State, second.State)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)

	orderAfterSecond, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, orderAfterFirst.UpdatedAt, orderAfterSecond.UpdatedAt)

	require.Equal(t, 1, countEvents(store, contracts.EventPaymentSettled))
}

func TestConfirmationUnknownReference(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	_, err := coord.HandlePaymentConfirmation(context.Background(), "no-such-ref", "TXN1")
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestFailureKeepsOrderPending(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	before, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	p, err := coord.HandlePaymentFailure(ctx, out.Reference, "insufficient funds")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentDeclined, p.State)
	require.Equal(t, "insufficient funds", p.ErrorMessage)

	after, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaymentPending, after.State)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestRetryAfterDecline(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	first, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)
	_, err = coord.HandlePaymentFailure(ctx, first.Reference, "declined")
	require.NoError(t, err)

	second, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)
	require.NotEqual(t, first.Reference, second.Reference)

	p, err := coord.GetPaymentByOrderID(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, p.State)
	require.Equal(t, second.Reference, p.GatewayReference)

	// the declined attempt stays on record under its own reference
	declined, err := coord.GetPaymentByReference(ctx, first.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentDeclined, declined.State)
}

func TestConcurrentConfirmationsApplyOnce(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.HandlePaymentConfirmation(ctx, out.Reference, "TXN1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	require.Equal(t, 1, countEvents(store, contracts.EventPaymentSettled))

	p, err := store.PaymentByReference(ctx, out.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentSettled, p.State)
	require.Equal(t, "TXN1", p.TransactionID)
}

func webhookBody(event, reference, txnID string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"data":{"id":%q,"reference":%q,"status":"success","amount":%d,"customer":{"email":"a@b.com"}}}`,
		event, txnID, reference, amount,
	))
}

func TestProcessWebhookEndToEnd(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	body := webhookBody("charge.success", out.Reference, "TXN1", 150000)
	sig := signature.Compute(testSecret, body)

	p, err := coord.ProcessWebhook(ctx, body, sig)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentSettled, p.State)
	require.Equal(t, "TXN1", p.TransactionID)

	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaymentSettled, got.State)

	// identical redelivery: same payment back, no duplicate side effects
	again, err := coord.ProcessWebhook(ctx, body, sig)
	require.NoError(t, err)
	require.Equal(t, p.State, again.State)
	require.Equal(t, p.TransactionID, again.TransactionID)
	require.Equal(t, p.UpdatedAt, again.UpdatedAt)
	require.Equal(t, 1, countEvents(store, contracts.EventPaymentSettled))
}

func TestProcessWebhookForgedSignature(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)
	eventsBefore := len(store.Events())

	body := webhookBody("charge.success", out.Reference, "TXN1", 150000)
	forged := signature.Compute("wrong", body)

	_, err = coord.ProcessWebhook(ctx, body, forged)
	var au *apperr.AuthenticationError
	require.ErrorAs(t, err, &au)

	p, err := store.PaymentByReference(ctx, out.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, p.State)
	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaymentPending, got.State)
	require.Len(t, store.Events(), eventsBefore)
}

func TestProcessWebhookMissingSignature(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	_, err := coord.ProcessWebhook(context.Background(), []byte(`{}`), "")
	var au *apperr.AuthenticationError
	require.ErrorAs(t, err, &au)
}

func TestProcessWebhookAmountMismatch(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	body := webhookBody("charge.success", out.Reference, "TXN1", 999999)
	sig := signature.Compute(testSecret, body)

	_, err = coord.ProcessWebhook(ctx, body, sig)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)

	p, err := store.PaymentByReference(ctx, out.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, p.State)
}

func TestProcessWebhookChargeFailed(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(
		`{"event":"charge.failed","data":{"reference":%q,"status":"failed","amount":150000,"gateway_response":"Insufficient funds","customer":{"email":"a@b.com"}}}`,
		out.Reference,
	))
	sig := signature.Compute(testSecret, body)

	p, err := coord.ProcessWebhook(ctx, body, sig)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentDeclined, p.State)
	require.Equal(t, "Insufficient funds", p.ErrorMessage)

	got, err := store.Order(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaymentPending, got.State)
}

func TestProcessWebhookUnknownEventKind(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	eventsBefore := len(store.Events())

	body := []byte(`{"event":"transfer.success","data":{"reference":"ref-x"}}`)
	sig := signature.Compute(testSecret, body)

	p, err := coord.ProcessWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	require.Nil(t, p)
	require.Len(t, store.Events(), eventsBefore)
}

func TestVerifyWebhookSignature(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	body := []byte(`{"event":"charge.success"}`)
	require.True(t, coord.VerifyWebhookSignature(body, signature.Compute(testSecret, body)))
	require.False(t, coord.VerifyWebhookSignature(body, signature.Compute("wrong", body)))
	require.False(t, coord.VerifyWebhookSignature(body, ""))
}

func TestCancelOrderCancelsActivePayment(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)

	cancelled, err := coord.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCancelled, cancelled.State)

	p, err := store.PaymentByReference(ctx, out.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentCancelled, p.State)
}

func TestCancelOrderRejectedAfterSettlement(t *testing.T) {
	ctx := context.Background()
	coord, store, _ := newTestCoordinator(t)
	o := seedOrder(t, store, 150000)
	out, err := coord.InitializePayment(ctx, o.ID, "a@b.com", 150000)
	require.NoError(t, err)
	_, err = coord.HandlePaymentConfirmation(ctx, out.Reference, "TXN1")
	require.NoError(t, err)

	_, err = coord.CancelOrder(ctx, o.ID)
	var ist *apperr.InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)
}
