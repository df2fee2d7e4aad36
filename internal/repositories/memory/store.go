// Package memory is an in-process ledger used by tests and the local profile.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jbites/api/internal/domain"
	"github.com/jbites/api/internal/repositories"
)

// Store implements the order, catalog and webhook event repositories over
// maps guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	now     func() time.Time
	nextID  int64
	orders  map[int64]domain.Order
	catalog map[int64]domain.CatalogItem
	events  map[string]domain.WebhookEvent
}

var (
	_ repositories.OrderRepository        = (*Store)(nil)
	_ repositories.CatalogRepository      = (*catalog)(nil)
	_ repositories.WebhookEventRepository = (*webhookEvents)(nil)
)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		orders:  make(map[int64]domain.Order),
		catalog: make(map[int64]domain.CatalogItem),
		events:  make(map[string]domain.WebhookEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ledger exposes the store through the repository bundle.
func (s *Store) Ledger() repositories.Ledger {
	return repositories.Ledger{
		Orders:        s,
		Catalog:       &catalog{s},
		WebhookEvents: &webhookEvents{s},
		Ping:          func(context.Context) error { return nil },
		Close:         func() error { return nil },
	}
}

func (s *Store) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now().UTC()
	order = order.Clone()
	order.ID = s.nextID
	for i := range order.Lines {
		order.Lines[i].ID = int64(i + 1)
	}
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.ID] = order
	return order.Clone(), nil
}

func (s *Store) Get(_ context.Context, id int64) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.get", id)
	}
	return order.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return notFound("orders.delete", id)
	}
	delete(s.orders, id)
	return nil
}

func (s *Store) AttachCheckout(_ context.Context, id int64, sessionID, checkoutURL string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.attach_checkout", id)
	}
	if order.PaymentSessionID != "" && order.PaymentSessionID != sessionID {
		return domain.Order{}, repositories.NewConflict("orders.attach_checkout", fmt.Errorf("order %d already has a checkout session", id))
	}
	order.PaymentSessionID = sessionID
	order.CheckoutURL = checkoutURL
	order.Version++
	order.UpdatedAt = s.now().UTC()
	s.orders[id] = order
	return order.Clone(), nil
}

func (s *Store) CompareAndSwap(_ context.Context, expected domain.StatusPair, expectedVersion int64, next domain.Order) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[next.ID]
	if !ok {
		return domain.Order{}, notFound("orders.cas", next.ID)
	}
	if current.Pair() != expected || current.Version != expectedVersion {
		return domain.Order{}, repositories.NewConflict("orders.cas",
			fmt.Errorf("order %d is %s@%d, expected %s@%d", next.ID, current.Pair(), current.Version, expected, expectedVersion))
	}
	next = next.Clone()
	// identity and lines are immutable
	next.Phone = current.Phone
	next.OwnerID = current.OwnerID
	next.Lines = current.Lines
	next.TotalCents = current.TotalCents
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.orders[next.ID] = next
	return next.Clone(), nil
}

func (s *Store) ListByPhone(_ context.Context, phone string) ([]domain.Order, error) {
	return s.collect(func(o domain.Order) bool { return o.Phone == phone }, 0), nil
}

func (s *Store) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return s.collect(func(o domain.Order) bool {
		if o.ID <= filter.AfterID {
			return false
		}
		if filter.Status != "" && o.Status != filter.Status {
			return false
		}
		return filter.PaymentStatus == "" || o.PaymentStatus == filter.PaymentStatus
	}, filter.Limit), nil
}

func (s *Store) ListRefundFailures(_ context.Context, limit int) ([]domain.Order, error) {
	return s.collect(func(o domain.Order) bool {
		return o.RefundFailure != nil &&
			o.Status == domain.OrderStatusCancelled &&
			o.PaymentStatus == domain.PaymentStatusPaid
	}, limit), nil
}

func (s *Store) collect(match func(domain.Order) bool, limit int) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0)
	for _, o := range s.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type catalog struct{ s *Store }

func (c *catalog) Get(_ context.Context, id int64) (domain.CatalogItem, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	item, ok := c.s.catalog[id]
	if !ok {
		return domain.CatalogItem{}, repositories.NewNotFound("catalog.get", fmt.Errorf("item %d not found", id))
	}
	return item, nil
}

func (c *catalog) List(context.Context) ([]domain.CatalogItem, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make([]domain.CatalogItem, 0, len(c.s.catalog))
	for _, item := range c.s.catalog {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *catalog) Upsert(_ context.Context, item domain.CatalogItem) (domain.CatalogItem, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if item.ID == 0 {
		for id := range c.s.catalog {
			if id > item.ID {
				item.ID = id
			}
		}
		item.ID++
	}
	c.s.catalog[item.ID] = item
	return item, nil
}

type webhookEvents struct{ s *Store }

func (w *webhookEvents) Exists(_ context.Context, eventID string) (bool, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()
	_, ok := w.s.events[strings.TrimSpace(eventID)]
	return ok, nil
}

func (w *webhookEvents) Record(_ context.Context, event domain.WebhookEvent) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	id := strings.TrimSpace(event.EventID)
	if _, ok := w.s.events[id]; ok {
		return repositories.NewConflict("webhook_events.record", fmt.Errorf("event %s already recorded", id))
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = w.s.now().UTC()
	}
	w.s.events[id] = event
	return nil
}

func notFound(op string, id int64) error {
	return repositories.NewNotFound(op, fmt.Errorf("order %d not found", id))
}
