package firestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/jbites/api/internal/domain"
	pfirestore "github.com/jbites/api/internal/platform/firestore"
	"github.com/jbites/api/internal/repositories"
)

const ordersCollection = "orders"

type orderLineDocument struct {
	LineNo         int64  `firestore:"lineNo"`
	CatalogItemID  int64  `firestore:"catalogItemId"`
	Name           string `firestore:"name"`
	Quantity       int    `firestore:"quantity"`
	UnitPriceCents int64  `firestore:"unitPriceCents"`
}

type refundFailureDocument struct {
	Kind        string    `firestore:"kind"`
	Message     string    `firestore:"message"`
	Attempts    int       `firestore:"attempts"`
	AttemptedAt time.Time `firestore:"attemptedAt"`
}

type orderDocument struct {
	ID               int64                  `firestore:"id"`
	OrderStatus      string                 `firestore:"orderStatus"`
	PaymentStatus    string                 `firestore:"paymentStatus"`
	OwnerID          string                 `firestore:"ownerId"`
	Phone            string                 `firestore:"phone"`
	Notes            string                 `firestore:"notes"`
	Lines            []orderLineDocument    `firestore:"lines"`
	TotalCents       int64                  `firestore:"totalCents"`
	CheckoutURL      string                 `firestore:"checkoutUrl"`
	PaymentSessionID string                 `firestore:"paymentSessionId"`
	PaymentIntentID  string                 `firestore:"paymentIntentId"`
	AmountPaidCents  int64                  `firestore:"amountPaidCents"`
	RefundID         string                 `firestore:"refundId"`
	RefundedCents    int64                  `firestore:"refundedCents"`
	RefundFailure    *refundFailureDocument `firestore:"refundFailure"`
	RefundPending    bool                   `firestore:"refundPending"`
	CancelledAt      *time.Time             `firestore:"cancelledAt"`
	PaidAt           *time.Time             `firestore:"paidAt"`
	Version          int64                  `firestore:"version"`
	CreatedAt        time.Time              `firestore:"createdAt"`
	UpdatedAt        time.Time              `firestore:"updatedAt"`
}

func toOrderDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		ID:               o.ID,
		OrderStatus:      string(o.Status),
		PaymentStatus:    string(o.PaymentStatus),
		OwnerID:          o.OwnerID,
		Phone:            o.Phone,
		Notes:            o.Notes,
		TotalCents:       o.TotalCents,
		CheckoutURL:      o.CheckoutURL,
		PaymentSessionID: o.PaymentSessionID,
		PaymentIntentID:  o.PaymentIntentID,
		AmountPaidCents:  o.AmountPaidCents,
		RefundID:         o.RefundID,
		RefundedCents:    o.RefundedCents,
		CancelledAt:      o.CancelledAt,
		PaidAt:           o.PaidAt,
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	for _, l := range o.Lines {
		doc.Lines = append(doc.Lines, orderLineDocument{
			LineNo:         l.ID,
			CatalogItemID:  l.CatalogItemID,
			Name:           l.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
		})
	}
	if f := o.RefundFailure; f != nil {
		doc.RefundFailure = &refundFailureDocument{Kind: string(f.Kind), Message: f.Message, Attempts: f.Attempts, AttemptedAt: f.AttemptedAt}
		doc.RefundPending = o.Status == domain.OrderStatusCancelled && o.PaymentStatus == domain.PaymentStatusPaid
	}
	return doc
}

func (d orderDocument) toDomain() domain.Order {
	o := domain.Order{
		ID:               d.ID,
		Status:           domain.OrderStatus(d.OrderStatus),
		PaymentStatus:    domain.PaymentStatus(d.PaymentStatus),
		OwnerID:          d.OwnerID,
		Phone:            d.Phone,
		Notes:            d.Notes,
		TotalCents:       d.TotalCents,
		CheckoutURL:      d.CheckoutURL,
		PaymentSessionID: d.PaymentSessionID,
		PaymentIntentID:  d.PaymentIntentID,
		AmountPaidCents:  d.AmountPaidCents,
		RefundID:         d.RefundID,
		RefundedCents:    d.RefundedCents,
		CancelledAt:      d.CancelledAt,
		PaidAt:           d.PaidAt,
		Version:          d.Version,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	for _, l := range d.Lines {
		o.Lines = append(o.Lines, domain.OrderLine{
			ID:             l.LineNo,
			CatalogItemID:  l.CatalogItemID,
			Name:           l.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
		})
	}
	if f := d.RefundFailure; f != nil {
		o.RefundFailure = &domain.RefundFailure{Kind: domain.RefundFailureKind(f.Kind), Message: f.Message, Attempts: f.Attempts, AttemptedAt: f.AttemptedAt}
	}
	return o
}

// OrderRepository stores one document per order with its lines embedded, so
// order and lines are always written together.
type OrderRepository struct {
	store txRunner
	now   func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{store: provider, now: time.Now}
}

func orderDocID(id int64) string { return strconv.FormatInt(id, 10) }

func (r *OrderRepository) orders(ctx context.Context) (*firestore.Client, *firestore.CollectionRef, error) {
	client, err := r.store.Client(ctx)
	if err != nil {
		return nil, nil, repositories.NewUnavailable("orders", err)
	}
	return client, client.Collection(ordersCollection), nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	client, coll, err := r.orders(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	now := r.now().UTC()
	order = order.Clone()
	for i := range order.Lines {
		order.Lines[i].ID = int64(i + 1)
	}
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now

	var created domain.Order
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		id, counterRef, counter, err := nextValue(tx, client, orderCounterID, now)
		if err != nil {
			return err
		}
		o := order.Clone()
		o.ID = id
		if err := tx.Set(counterRef, counter); err != nil {
			return err
		}
		if err := tx.Create(coll.Doc(orderDocID(id)), toOrderDocument(o)); err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	return created, nil
}

func (r *OrderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	_, coll, err := r.orders(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := coll.Doc(orderDocID(id)).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) Delete(ctx context.Context, id int64) error {
	_, coll, err := r.orders(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Doc(orderDocID(id)).Delete(ctx, firestore.Exists)
	return pfirestore.WrapError("orders.delete", err)
}

func (r *OrderRepository) AttachCheckout(ctx context.Context, id int64, sessionID, checkoutURL string) (domain.Order, error) {
	return r.update(ctx, "orders.attach_checkout", id, func(current domain.Order) (domain.Order, error) {
		if current.PaymentSessionID != "" && current.PaymentSessionID != sessionID {
			return domain.Order{}, pfirestore.NewConflict("orders.attach_checkout", fmt.Errorf("order %d already has a checkout session", id))
		}
		next := current.Clone()
		next.PaymentSessionID = sessionID
		next.CheckoutURL = checkoutURL
		return next, nil
	})
}

func (r *OrderRepository) CompareAndSwap(ctx context.Context, expected domain.StatusPair, expectedVersion int64, next domain.Order) (domain.Order, error) {
	return r.update(ctx, "orders.cas", next.ID, func(current domain.Order) (domain.Order, error) {
		if current.Pair() != expected || current.Version != expectedVersion {
			return domain.Order{}, pfirestore.NewConflict("orders.cas",
				fmt.Errorf("order %d is %s@%d, expected %s@%d", current.ID, current.Pair(), current.Version, expected, expectedVersion))
		}
		out := next.Clone()
		out.Phone = current.Phone
		out.OwnerID = current.OwnerID
		out.Lines = current.Lines
		out.TotalCents = current.TotalCents
		out.CreatedAt = current.CreatedAt
		return out, nil
	})
}

// update reads, mutates and writes one order in a transaction, bumping the version.
func (r *OrderRepository) update(ctx context.Context, op string, id int64, mutate func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	_, coll, err := r.orders(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	ref := coll.Doc(orderDocID(id))
	var written domain.Order
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError(op, err)
		}
		current, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		next.UpdatedAt = r.now().UTC()
		if err := tx.Set(ref, toOrderDocument(next)); err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return written, nil
}

func (r *OrderRepository) ListByPhone(ctx context.Context, phone string) ([]domain.Order, error) {
	_, coll, err := r.orders(ctx)
	if err != nil {
		return nil, err
	}
	return collect(ctx, "orders.list_by_phone", coll.Where("phone", "==", phone).OrderBy("id", firestore.Asc))
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	_, coll, err := r.orders(ctx)
	if err != nil {
		return nil, err
	}
	q := coll.Where("id", ">", filter.AfterID)
	if filter.Status != "" {
		q = q.Where("orderStatus", "==", string(filter.Status))
	}
	if filter.PaymentStatus != "" {
		q = q.Where("paymentStatus", "==", string(filter.PaymentStatus))
	}
	q = q.OrderBy("id", firestore.Asc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return collect(ctx, "orders.list", q)
}

func (r *OrderRepository) ListRefundFailures(ctx context.Context, limit int) ([]domain.Order, error) {
	_, coll, err := r.orders(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return collect(ctx, "orders.list_refund_failures",
		coll.Where("refundPending", "==", true).OrderBy("id", firestore.Asc).Limit(limit))
}

func collect(ctx context.Context, op string, q firestore.Query) ([]domain.Order, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	orders := make([]domain.Order, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		o, err := decodeOrder(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(), nil
}
