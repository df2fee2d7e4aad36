package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

const orderColumns = `id, order_status, payment_status, owner_id, phone, notes, total_cents, checkout_url,
	payment_session_id, payment_intent_id, amount_paid_cents, refund_id, refunded_cents,
	refund_failure_kind, refund_failure_message, refund_failure_attempts, refund_failed_at,
	cancelled_at, paid_at, version, created_at, updated_at`

// OrderRepository implements repositories.OrderRepository on PostgreSQL.
type OrderRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	now := r.now().UTC()
	order = order.Clone()
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now

	err := withTx(ctx, r.db, "orders.create", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO orders (order_status, payment_status, owner_id, phone, notes, total_cents, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
			RETURNING id`,
			order.Status, order.PaymentStatus, order.OwnerID, order.Phone, order.Notes, order.TotalCents, now)
		if err := row.Scan(&order.ID); err != nil {
			return classify("orders.create", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, catalog_item_id, name, quantity, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5, $6)`)
		if err != nil {
			return classify("orders.create", err)
		}
		defer stmt.Close()
		for i := range order.Lines {
			order.Lines[i].ID = int64(i + 1)
			l := order.Lines[i]
			if _, err := stmt.ExecContext(ctx, order.ID, l.ID, l.CatalogItemID, l.Name, l.Quantity, l.UnitPriceCents); err != nil {
				return classify("orders.create", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	return getOrder(ctx, r.db, "orders.get", id)
}

func (r *OrderRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return classify("orders.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repositories.NewNotFound("orders.delete", fmt.Errorf("order %d not found", id))
	}
	return nil
}

func (r *OrderRepository) AttachCheckout(ctx context.Context, id int64, sessionID, checkoutURL string) (domain.Order, error) {
	var updated domain.Order
	err := withTx(ctx, r.db, "orders.attach_checkout", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE orders
			SET payment_session_id = $2, checkout_url = $3, version = version + 1, updated_at = $4
			WHERE id = $1 AND (payment_session_id = '' OR payment_session_id = $2)
			RETURNING `+orderColumns,
			id, sessionID, checkoutURL, r.now().UTC())
		o, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := getOrder(ctx, tx, "orders.attach_checkout", id); err != nil {
				return err
			}
			return repositories.NewConflict("orders.attach_checkout", fmt.Errorf("order %d already has a checkout session", id))
		}
		if err != nil {
			return classify("orders.attach_checkout", err)
		}
		orders := []domain.Order{o}
		if err := loadLines(ctx, tx, "orders.attach_checkout", orders); err != nil {
			return err
		}
		updated = orders[0]
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (r *OrderRepository) CompareAndSwap(ctx context.Context, expected domain.StatusPair, expectedVersion int64, next domain.Order) (domain.Order, error) {
	var rf struct {
		kind, message sql.NullString
		attempts      sql.NullInt64
		at            sql.NullTime
	}
	if f := next.RefundFailure; f != nil {
		rf.kind = sql.NullString{String: string(f.Kind), Valid: true}
		rf.message = sql.NullString{String: f.Message, Valid: true}
		rf.attempts = sql.NullInt64{Int64: int64(f.Attempts), Valid: true}
		rf.at = sql.NullTime{Time: f.AttemptedAt, Valid: true}
	}

	var updated domain.Order
	err := withTx(ctx, r.db, "orders.cas", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE orders SET
				order_status = $5, payment_status = $6, notes = $7, checkout_url = $8,
				payment_session_id = $9, payment_intent_id = $10, amount_paid_cents = $11,
				refund_id = $12, refunded_cents = $13,
				refund_failure_kind = $14, refund_failure_message = $15, refund_failure_attempts = $16, refund_failed_at = $17,
				cancelled_at = $18, paid_at = $19, version = version + 1, updated_at = $20
			WHERE id = $1 AND order_status = $2 AND payment_status = $3 AND version = $4
			RETURNING `+orderColumns,
			next.ID, expected.Order, expected.Payment, expectedVersion,
			next.Status, next.PaymentStatus, next.Notes, next.CheckoutURL,
			next.PaymentSessionID, next.PaymentIntentID, next.AmountPaidCents,
			next.RefundID, next.RefundedCents,
			rf.kind, rf.message, rf.attempts, rf.at,
			nullTime(next.CancelledAt), nullTime(next.PaidAt), r.now().UTC())
		o, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := getOrder(ctx, tx, "orders.cas", next.ID)
			if err != nil {
				return err
			}
			return repositories.NewConflict("orders.cas",
				fmt.Errorf("order %d is %s@%d, expected %s@%d", next.ID, current.Pair(), current.Version, expected, expectedVersion))
		}
		if err != nil {
			return classify("orders.cas", err)
		}
		orders := []domain.Order{o}
		if err := loadLines(ctx, tx, "orders.cas", orders); err != nil {
			return err
		}
		updated = orders[0]
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (r *OrderRepository) ListByPhone(ctx context.Context, phone string) ([]domain.Order, error) {
	return r.query(ctx, "orders.list_by_phone", `SELECT `+orderColumns+` FROM orders WHERE phone = $1 ORDER BY id`, phone)
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	where := []string{"id > $1"}
	args := []any{filter.AfterID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("order_status = $%d", len(args)))
	}
	if filter.PaymentStatus != "" {
		args = append(args, filter.PaymentStatus)
		where = append(where, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, "orders.list", q, args...)
}

func (r *OrderRepository) ListRefundFailures(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "orders.list_refund_failures", `
		SELECT `+orderColumns+` FROM orders
		WHERE refund_failure_kind IS NOT NULL AND order_status = $1 AND payment_status = $2
		ORDER BY id LIMIT $3`,
		domain.OrderStatusCancelled, domain.PaymentStatusPaid, limit)
}

func (r *OrderRepository) query(ctx context.Context, op, q string, args ...any) ([]domain.Order, error) {
	return queryOrders(ctx, r.db, op, q, args...)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getOrder(ctx context.Context, q queryer, op string, id int64) (domain.Order, error) {
	orders, err := queryOrders(ctx, q, op, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, repositories.NewNotFound(op, fmt.Errorf("order %d not found", id))
	}
	return orders[0], nil
}

func queryOrders(ctx context.Context, q queryer, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	// Lines are read on the same connection, so the order rows must be released first.
	rows.Close()
	if err := loadLines(ctx, q, op, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// loadLines fills in the lines of orders in place.
func loadLines(ctx context.Context, q queryer, op string, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids = append(ids, o.ID)
		index[o.ID] = i
	}
	lineRows, err := q.QueryContext(ctx, `
		SELECT order_id, line_no, catalog_item_id, name, quantity, unit_price_cents
		FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, line_no`, pq.Array(ids))
	if err != nil {
		return classify(op, err)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var orderID int64
		var l domain.OrderLine
		if err := lineRows.Scan(&orderID, &l.ID, &l.CatalogItemID, &l.Name, &l.Quantity, &l.UnitPriceCents); err != nil {
			return classify(op, err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Lines = append(orders[i].Lines, l)
		}
	}
	return classify(op, lineRows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (domain.Order, error) {
	var (
		o                 domain.Order
		rfKind, rfMessage sql.NullString
		rfAttempts        sql.NullInt64
		rfAt, cancelledAt sql.NullTime
		paidAt            sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Status, &o.PaymentStatus, &o.OwnerID, &o.Phone, &o.Notes, &o.TotalCents, &o.CheckoutURL,
		&o.PaymentSessionID, &o.PaymentIntentID, &o.AmountPaidCents, &o.RefundID, &o.RefundedCents,
		&rfKind, &rfMessage, &rfAttempts, &rfAt,
		&cancelledAt, &paidAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	if rfKind.Valid {
		o.RefundFailure = &domain.RefundFailure{
			Kind:        domain.RefundFailureKind(rfKind.String),
			Message:     rfMessage.String,
			Attempts:    int(rfAttempts.Int64),
			AttemptedAt: rfAt.Time.UTC(),
		}
	}
	o.CancelledAt = timePtr(cancelledAt)
	o.PaidAt = timePtr(paidAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
