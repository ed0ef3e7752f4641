package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
	"github.com/nazeru/checkout-settlement-go/pkg/contracts"
	"github.com/nazeru/checkout-settlement-go/pkg/outbox"
)

// PGStore is the production Store. Every transition is a single Postgres
// transaction: the payment row is locked FOR UPDATE by its gateway
// reference, the state machine runs on the scanned aggregates, and the
// outbox row lands in the same commit. Concurrent webhook deliveries for
// one reference therefore serialize on the row lock; the loser observes
// the terminal state and becomes a replay.
type PGStore struct {
	Pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{Pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const orderColumns = `id, code, customer_id, state, sub_total, shipping, tax, total, currency, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.Code, &o.CustomerID, &o.State, &o.SubTotal, &o.Shipping, &o.Tax, &o.Total, &o.Currency, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := o.CheckTotals(); err != nil {
		return nil, err
	}
	return &o, nil
}

func getOrder(ctx context.Context, q querier, id domain.OrderID, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order", string(id))
	}
	return o, err
}

const paymentColumns = `id, order_id, method, amount, state, coalesce(transaction_id, ''), gateway_reference, coalesce(error_message, ''), metadata, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var meta []byte
	err := row.Scan(&p.ID, &p.OrderID, &p.Method, &p.Amount, &p.State, &p.TransactionID, &p.GatewayReference, &p.ErrorMessage, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func getPaymentByReference(ctx context.Context, q querier, reference string, forUpdate bool) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_reference=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, query, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payment", reference)
	}
	return p, err
}

func (s *PGStore) CreateOrder(ctx context.Context, o *domain.Order, idempotencyKey string) error {
	if err := o.CheckTotals(); err != nil {
		return err
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO orders(`+orderColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		string(o.ID), o.Code, string(o.CustomerID), string(o.State),
		o.SubTotal, o.Shipping, o.Tax, o.Total, o.Currency, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, line := range o.Lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_lines(order_id, product_id, variant_id, quantity, unit_price) VALUES($1,$2,$3,$4,$5)`,
			string(o.ID), string(line.ProductID), line.VariantID, line.Quantity, line.UnitPrice,
		)
		if err != nil {
			return err
		}
	}

	if idempotencyKey != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_idempotency(idempotency_key, order_id) VALUES($1,$2)`,
			idempotencyKey, string(o.ID),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrIdempotencyConflict
			}
			return err
		}
	}

	if err := insertEvent(ctx, tx, newEvent(contracts.EventOrderCreated, o, nil)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Order(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	o, err := getOrder(ctx, s.Pool, id, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT product_id, variant_id, quantity, unit_price FROM order_lines WHERE order_id=$1 ORDER BY product_id, variant_id`,
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.VariantID, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, line)
	}
	return o, rows.Err()
}

func (s *PGStore) OrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `SELECT order_id FROM order_idempotency WHERE idempotency_key=$1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order", "idempotency:"+key)
	}
	if err != nil {
		return nil, err
	}
	return s.Order(ctx, domain.OrderID(id))
}

func (s *PGStore) PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return getPaymentByReference(ctx, s.Pool, reference, false)
}

func (s *PGStore) PaymentByOrderID(ctx context.Context, id domain.OrderID) (*domain.Payment, error) {
	p, err := scanPayment(s.Pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`,
		string(id),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payment", "order:"+string(id))
	}
	return p, err
}

func (s *PGStore) InitializePayment(ctx context.Context, p *domain.Payment) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, p.OrderID, true)
	if err != nil {
		return err
	}
	if err := o.MarkPaymentPending(); err != nil {
		return err
	}

	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	// Uniqueness of gateway_reference and the one-active-payment-per-order
	// rule are both enforced by indexes; either collision lands here.
	_, err = tx.Exec(ctx,
		`INSERT INTO payments(id, order_id, method, amount, state, gateway_reference, metadata, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		string(p.ID), string(p.OrderID), p.Method, p.Amount, string(p.State), p.GatewayReference, meta, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("order %s already has an active payment or reference %s is taken", p.OrderID, p.GatewayReference)
		}
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET state=$2, updated_at=$3 WHERE id=$1`, string(o.ID), string(o.State), o.UpdatedAt); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, newEvent(contracts.EventPaymentInitialized, o, p)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) SettlePayment(ctx context.Context, reference, transactionID string) (*domain.Payment, bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := getPaymentByReference(ctx, tx, reference, true)
	if err != nil {
		return nil, false, err
	}
	if err := p.Settle(transactionID); err != nil {
		if errors.Is(err, domain.ErrSettleReplay) {
			return p, true, nil
		}
		return nil, false, err
	}

	o, err := getOrder(ctx, tx, p.OrderID, true)
	if err != nil {
		return nil, false, err
	}
	if err := o.MarkSettled(); err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET state=$2, transaction_id=$3, updated_at=$4 WHERE gateway_reference=$1`,
		reference, string(p.State), p.TransactionID, p.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET state=$2, updated_at=$3 WHERE id=$1`, string(o.ID), string(o.State), o.UpdatedAt); err != nil {
		return nil, false, err
	}
	if err := insertEvent(ctx, tx, newEvent(contracts.EventPaymentSettled, o, p)); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return p, false, nil
}

func (s *PGStore) DeclinePayment(ctx context.Context, reference, errorMessage string) (*domain.Payment, bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := getPaymentByReference(ctx, tx, reference, true)
	if err != nil {
		return nil, false, err
	}
	if err := p.Decline(errorMessage); err != nil {
		if errors.Is(err, domain.ErrDeclineReplay) {
			return p, true, nil
		}
		return nil, false, err
	}

	o, err := getOrder(ctx, tx, p.OrderID, true)
	if err != nil {
		return nil, false, err
	}
	if err := o.RecordFailedAttempt(); err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET state=$2, error_message=$3, updated_at=$4 WHERE gateway_reference=$1`,
		reference, string(p.State), p.ErrorMessage, p.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET updated_at=$2 WHERE id=$1`, string(o.ID), o.UpdatedAt); err != nil {
		return nil, false, err
	}
	if err := insertEvent(ctx, tx, newEvent(contracts.EventPaymentDeclined, o, p)); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return p, false, nil
}

func (s *PGStore) CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := o.Cancel(); err != nil {
		return nil, err
	}

	var active *domain.Payment
	p, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 AND state IN ('PENDING','AUTHORIZED') FOR UPDATE`,
		string(id),
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// no active attempt to cancel
	case err != nil:
		return nil, err
	default:
		active = p
		if err := active.Cancel(); err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx,
			`UPDATE payments SET state=$2, updated_at=$3 WHERE gateway_reference=$1`,
			active.GatewayReference, string(active.State), active.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET state=$2, updated_at=$3 WHERE id=$1`, string(o.ID), string(o.State), o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, newEvent(contracts.EventOrderCancelled, o, active)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func insertEvent(ctx context.Context, db outbox.Executor, evt contracts.Event) error {
	return outbox.Insert(ctx, db, evt.EventID, contracts.TopicPayments, evt.OrderID, evt)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// fallback for pooled drivers that flatten the error
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
