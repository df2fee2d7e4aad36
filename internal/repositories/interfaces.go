package repositories

import (
	"context"

	"github.com/jbites/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository is the order ledger. It stores orders with their lines and
// never decides whether a status change is legal; callers do that and then
// commit through CompareAndSwap.
type OrderRepository interface {
	// Create allocates the next sequential id and writes the order and its
	// lines atomically. Line ids are assigned 1..n and the version starts at 1.
	Create(ctx context.Context, order domain.Order) (domain.Order, error)
	Get(ctx context.Context, id int64) (domain.Order, error)
	// Delete removes an order whose checkout could not be created.
	Delete(ctx context.Context, id int64) error
	// AttachCheckout sets the processor session once. A different session on
	// an order that already has one is a conflict.
	AttachCheckout(ctx context.Context, id int64, sessionID, checkoutURL string) (domain.Order, error)
	// CompareAndSwap writes next only when the stored status pair and version
	// still match. A mismatch is a conflict; the stored version is incremented
	// on success and the written order is returned.
	CompareAndSwap(ctx context.Context, expected domain.StatusPair, expectedVersion int64, next domain.Order) (domain.Order, error)
	ListByPhone(ctx context.Context, phone string) ([]domain.Order, error)
	// List returns orders with id greater than filter.AfterID in ascending id order.
	List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	// ListRefundFailures returns cancelled, still-paid orders carrying a refund failure.
	ListRefundFailures(ctx context.Context, limit int) ([]domain.Order, error)
}

// CatalogRepository reads menu items. Upsert exists for seeding only.
type CatalogRepository interface {
	Get(ctx context.Context, id int64) (domain.CatalogItem, error)
	List(ctx context.Context) ([]domain.CatalogItem, error)
	Upsert(ctx context.Context, item domain.CatalogItem) (domain.CatalogItem, error)
}

// WebhookEventRepository is the append-only record of applied processor events.
type WebhookEventRepository interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	// Record inserts the event. An id that is already present is a conflict.
	Record(ctx context.Context, event domain.WebhookEvent) error
}

// Ledger bundles one backend's repositories.
type Ledger struct {
	Orders        OrderRepository
	Catalog       CatalogRepository
	WebhookEvents WebhookEventRepository
	Ping          func(ctx context.Context) error
	Close         func() error
}

// HealthRepository aggregates dependency probes for readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
